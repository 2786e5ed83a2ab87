package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
)

type mockParser struct {
	pageCount int
	parseErr  error
	failOn    map[string]error
	delay     time.Duration
	calls     atomic.Int32
	hook      func()

	mu       sync.Mutex
	requests []interfaces.ParseRequest
}

func (m *mockParser) Parse(ctx context.Context, req interfaces.ParseRequest) (*interfaces.ParseResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.hook != nil {
		m.hook()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if err, ok := m.failOn[string(req.Content)]; ok {
		return nil, err
	}
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	return &interfaces.ParseResult{PageCount: m.pageCount, ChunkCount: m.pageCount * 4}, nil
}

type mockEmbedder struct {
	modelName  string
	embedding  []float32
	embedError error
	delay      time.Duration
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.embedding, m.embedError
}

func (m *mockEmbedder) GetModelName() string {
	return m.modelName
}

type mockSearcher struct {
	hits        []interfaces.SearchHit
	searchError error
	delay       time.Duration

	mu       sync.Mutex
	requests []interfaces.SearchRequest
}

func (m *mockSearcher) Search(ctx context.Context, req interfaces.SearchRequest) ([]interfaces.SearchHit, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.hits, m.searchError
}

type mockGenerator struct {
	modelName     string
	answer        string
	resultModel   string
	generateError error
	nilResult     bool
	delay         time.Duration

	mu       sync.Mutex
	requests []interfaces.GenerateRequest
}

func (m *mockGenerator) Generate(ctx context.Context, req interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.generateError != nil {
		return nil, m.generateError
	}
	if m.nilResult {
		return nil, nil
	}
	return &interfaces.GenerateResult{Answer: m.answer, Model: m.resultModel}, nil
}

func (m *mockGenerator) GetModelName() string {
	return m.modelName
}

func (m *mockGenerator) lastRequest() interfaces.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func ptr[T any](v T) *T {
	return &v
}

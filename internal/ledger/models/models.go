package models

import (
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further transition is possible in the current
// ingestion attempt.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Document struct {
	ID            int64          `json:"id"`
	Title         string         `json:"title"`
	ContentHash   string         `json:"content_hash"`
	Status        DocumentStatus `json:"status"`
	PageCount     *int           `json:"page_count"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type Session struct {
	ID        string         `json:"id"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Run struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	Model         string    `json:"model"`
	TopK          int       `json:"top_k"`
	OnlyIfSources bool      `json:"only_if_sources"`
	CreatedAt     time.Time `json:"created_at"`
}

type Retrieval struct {
	ID         int64   `json:"id"`
	RunID      int64   `json:"run_id"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	DocumentID int64   `json:"document_id"`
	Page       int     `json:"page"`
	ChunkID    int     `json:"chunk_id"`
}

type Metric struct {
	ID           int64 `json:"id"`
	RunID        int64 `json:"run_id"`
	TotalMs      int64 `json:"latency_ms_total"`
	EmbedMs      int64 `json:"latency_ms_embed"`
	VectorMs     int64 `json:"latency_ms_vector"`
	LLMMs        int64 `json:"latency_ms_llm"`
	SourcesFound bool  `json:"sources_found"`
}

// StageSumMs is the sum of the measured stage latencies.
func (m Metric) StageSumMs() int64 {
	return m.EmbedMs + m.VectorMs + m.LLMMs
}

// RunInput carries the finalized fields of a run.
type RunInput struct {
	SessionID     string
	Question      string
	Answer        string
	Model         string
	TopK          int
	OnlyIfSources bool
}

// RetrievalInput is one hit as returned by the vector index. Rank is
// assigned from its position in the list.
type RetrievalInput struct {
	DocumentID int64   `json:"doc_id"`
	Page       int     `json:"page"`
	ChunkID    int     `json:"chunk_id"`
	Score      float64 `json:"score"`
}

// MetricInput carries the stage timings of a run.
type MetricInput struct {
	TotalMs      int64
	EmbedMs      int64
	VectorMs     int64
	LLMMs        int64
	SourcesFound bool
}

// RunSummary is a run together with its metric when one is attached.
type RunSummary struct {
	Run
	Metric *Metric `json:"metrics"`
}

// RunRecord is a complete ledger entry: the run, its ranked retrievals and
// its metric.
type RunRecord struct {
	Run        Run         `json:"run"`
	Retrievals []Retrieval `json:"retrievals"`
	Metric     Metric      `json:"metrics"`
}

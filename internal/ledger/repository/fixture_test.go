package repository

import (
	"context"
	"testing"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/internal/ledger/testutil"
	"github.com/code-sleuth/ragledger/pkg/db"
)

// ledgerFixture builds the rows most ledger tests need.
type ledgerFixture struct {
	t             *testing.T
	ctx           context.Context
	documentRepo  *DocumentRepository
	sessionRepo   *SessionRepository
	runRepo       *RunRepository
	retrievalRepo *RetrievalRepository
	metricRepo    *MetricRepository
}

func newLedgerFixture(t *testing.T, database *db.DB) *ledgerFixture {
	t.Helper()
	return &ledgerFixture{
		t:             t,
		ctx:           context.Background(),
		documentRepo:  NewDocumentRepository(database),
		sessionRepo:   NewSessionRepository(database),
		runRepo:       NewRunRepository(database),
		retrievalRepo: NewRetrievalRepository(database),
		metricRepo:    NewMetricRepository(database),
	}
}

func (f *ledgerFixture) readyDocument(label string) int64 {
	f.t.Helper()
	id, err := f.documentRepo.Register(f.ctx, label+".pdf", testutil.HashOf(label))
	if err != nil {
		f.t.Fatalf("Failed to register %s: %v", label, err)
	}
	if err := f.documentRepo.BeginProcessing(f.ctx, id); err != nil {
		f.t.Fatalf("Failed to begin processing %s: %v", label, err)
	}
	if err := f.documentRepo.MarkReady(f.ctx, id, 10); err != nil {
		f.t.Fatalf("Failed to mark %s ready: %v", label, err)
	}
	return id
}

func (f *ledgerFixture) session(id string) string {
	f.t.Helper()
	got, err := f.sessionRepo.Ensure(f.ctx, id, nil)
	if err != nil {
		f.t.Fatalf("Failed to ensure session %s: %v", id, err)
	}
	return got
}

func (f *ledgerFixture) run(sessionID string) int64 {
	f.t.Helper()
	f.session(sessionID)
	id, err := f.runRepo.Record(f.ctx, models.RunInput{
		SessionID: sessionID,
		Question:  "What is covered?",
		Answer:    "Section 4.",
		Model:     "test-model",
		TopK:      5,
	})
	if err != nil {
		f.t.Fatalf("Failed to record run: %v", err)
	}
	return id
}

// retrievals records one hit per document with strictly decreasing scores.
func (f *ledgerFixture) retrievals(runID int64, documentIDs ...int64) {
	f.t.Helper()
	hits := make([]models.RetrievalInput, 0, len(documentIDs))
	for i, docID := range documentIDs {
		hits = append(hits, models.RetrievalInput{
			DocumentID: docID,
			Page:       i + 1,
			ChunkID:    100 + i,
			Score:      0.9 - float64(i)*0.1,
		})
	}
	if err := f.retrievalRepo.Record(f.ctx, runID, hits); err != nil {
		f.t.Fatalf("Failed to record retrievals: %v", err)
	}
}

package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/internal/ledger/testutil"
)

func TestHashContent(t *testing.T) {
	// sha256("hello")
	expected := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := HashContent([]byte("hello")); got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
	if !ValidContentHash(HashContent([]byte("anything"))) {
		t.Error("Expected HashContent output to be a valid content hash")
	}
}

func TestValidContentHash(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		expected bool
	}{
		{name: "valid digest", hash: strings.Repeat("ab", 32), expected: true},
		{name: "too short", hash: "abc123", expected: false},
		{name: "too long", hash: strings.Repeat("a", 65), expected: false},
		{name: "upper case", hash: strings.Repeat("AB", 32), expected: false},
		{name: "non hex", hash: strings.Repeat("zz", 32), expected: false},
		{name: "empty", hash: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidContentHash(tt.hash); got != tt.expected {
				t.Errorf("Expected %v for %q, got %v", tt.expected, tt.hash, got)
			}
		})
	}
}

func TestDocumentRepository_Register(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()
	hash := testutil.HashOf("report.pdf")

	first, err := repo.Register(ctx, "report.pdf", hash)
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}
	second, err := repo.Register(ctx, "renamed.pdf", hash)
	if err != nil {
		t.Fatalf("Failed to re-register document: %v", err)
	}
	if first != second {
		t.Errorf("Expected same id for same hash, got %d and %d", first, second)
	}
	if count := testutil.GetRecordCount(t, database, "documents"); count != 1 {
		t.Errorf("Expected 1 document, got %d", count)
	}

	doc, err := repo.GetByID(ctx, first)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.Status != models.StatusQueued {
		t.Errorf("Expected status queued, got %s", doc.Status)
	}
	if doc.Title != "report.pdf" {
		t.Errorf("Expected original title to be kept, got %s", doc.Title)
	}
	if doc.PageCount != nil {
		t.Errorf("Expected no page count, got %d", *doc.PageCount)
	}
	if doc.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", doc.Attempts)
	}
}

func TestDocumentRepository_Register_DefaultTitle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()
	hash := HashContent([]byte("untitled"))

	id, err := repo.Register(ctx, "", hash)
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}
	doc, err := repo.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("Failed to get document by hash: %v", err)
	}
	if doc.ID != id {
		t.Errorf("Expected id %d, got %d", id, doc.ID)
	}
	if doc.Title != "document-"+hash[:8] {
		t.Errorf("Expected generated title, got %s", doc.Title)
	}
}

func TestDocumentRepository_Register_InvalidHash(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)

	for _, hash := range []string{"", "short", strings.Repeat("G", 64)} {
		if _, err := repo.Register(context.Background(), "bad", hash); !errors.Is(err, ErrInvalidContentHash) {
			t.Errorf("Expected ErrInvalidContentHash for %q, got %v", hash, err)
		}
	}
	if count := testutil.GetRecordCount(t, database, "documents"); count != 0 {
		t.Errorf("Expected no documents, got %d", count)
	}
}

func TestDocumentRepository_Register_Concurrent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	hash := testutil.HashOf("concurrent")

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = repo.Register(context.Background(), "same.pdf", hash)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("Expected every worker to get id %d, worker %d got %d", ids[0], i, ids[i])
		}
	}
	if count := testutil.GetRecordCount(t, database, "documents"); count != 1 {
		t.Errorf("Expected 1 document, got %d", count)
	}
}

func TestDocumentRepository_Transitions(t *testing.T) {
	tests := []struct {
		name        string
		setup       []string
		action      string
		expectError error
		expected    models.DocumentStatus
	}{
		{name: "queued to processing", action: "begin", expected: models.StatusProcessing},
		{name: "processing to ready", setup: []string{"begin"}, action: "ready", expected: models.StatusReady},
		{name: "processing to failed", setup: []string{"begin"}, action: "fail", expected: models.StatusFailed},
		{name: "begin twice", setup: []string{"begin"}, action: "begin", expectError: ErrInvalidTransition, expected: models.StatusProcessing},
		{name: "ready from queued", action: "ready", expectError: ErrInvalidTransition, expected: models.StatusQueued},
		{name: "fail from queued", action: "fail", expectError: ErrInvalidTransition, expected: models.StatusQueued},
		{name: "fail after ready", setup: []string{"begin", "ready"}, action: "fail", expectError: ErrInvalidTransition, expected: models.StatusReady},
		{name: "ready after failed", setup: []string{"begin", "fail"}, action: "ready", expectError: ErrInvalidTransition, expected: models.StatusFailed},
		{name: "begin after ready", setup: []string{"begin", "ready"}, action: "begin", expectError: ErrInvalidTransition, expected: models.StatusReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := testutil.SetupTestDB(t)
			repo := NewDocumentRepository(database)
			ctx := context.Background()

			id, err := repo.Register(ctx, "doc", testutil.HashOf(tt.name))
			if err != nil {
				t.Fatalf("Failed to register document: %v", err)
			}
			apply := func(action string) error {
				switch action {
				case "begin":
					return repo.BeginProcessing(ctx, id)
				case "ready":
					return repo.MarkReady(ctx, id, 12)
				default:
					return repo.MarkFailed(ctx, id, "parser crashed")
				}
			}
			for _, step := range tt.setup {
				if err := apply(step); err != nil {
					t.Fatalf("Setup step %s failed: %v", step, err)
				}
			}

			err = apply(tt.action)
			if tt.expectError != nil && !errors.Is(err, tt.expectError) {
				t.Errorf("Expected %v, got %v", tt.expectError, err)
			}
			if tt.expectError == nil && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			doc, err := repo.GetByID(ctx, id)
			if err != nil {
				t.Fatalf("Failed to get document: %v", err)
			}
			if doc.Status != tt.expected {
				t.Errorf("Expected status %s, got %s", tt.expected, doc.Status)
			}
		})
	}
}

func TestDocumentRepository_MarkReady_RecordsPageCount(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()

	id, err := repo.Register(ctx, "doc", testutil.HashOf("pages"))
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}
	if err := repo.BeginProcessing(ctx, id); err != nil {
		t.Fatalf("Failed to begin processing: %v", err)
	}
	if err := repo.MarkReady(ctx, id, -1); !errors.Is(err, ErrInvalidPageCount) {
		t.Errorf("Expected ErrInvalidPageCount, got %v", err)
	}
	if err := repo.MarkReady(ctx, id, 12); err != nil {
		t.Fatalf("Failed to mark ready: %v", err)
	}

	doc, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.PageCount == nil || *doc.PageCount != 12 {
		t.Errorf("Expected page count 12, got %v", doc.PageCount)
	}
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		t.Errorf("Expected updated_at >= created_at, got %v < %v", doc.UpdatedAt, doc.CreatedAt)
	}
}

func TestDocumentRepository_UnknownDocument(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()

	if err := repo.BeginProcessing(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from BeginProcessing, got %v", err)
	}
	if _, err := repo.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from GetByID, got %v", err)
	}
	if _, err := repo.GetByHash(ctx, testutil.HashOf("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from GetByHash, got %v", err)
	}
	if err := repo.Delete(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Delete, got %v", err)
	}
}

func TestDocumentRepository_BeginProcessing_SingleWinner(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()

	id, err := repo.Register(ctx, "doc", testutil.HashOf("race"))
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}

	const workers = 10
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.BeginProcessing(ctx, id)
		}()
	}
	wg.Wait()
	close(results)

	winners, losers := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrInvalidTransition):
			losers++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
	if losers != workers-1 {
		t.Errorf("Expected %d losers, got %d", workers-1, losers)
	}
}

func TestDocumentRepository_Register_RequeuesFailed(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()
	hash := testutil.HashOf("retry")

	id, err := repo.Register(ctx, "retry.pdf", hash)
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}
	if err := repo.BeginProcessing(ctx, id); err != nil {
		t.Fatalf("Failed to begin processing: %v", err)
	}
	if err := repo.MarkFailed(ctx, id, "timeout"); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	failed, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "timeout" {
		t.Errorf("Expected failure reason 'timeout', got %v", failed.FailureReason)
	}

	again, err := repo.Register(ctx, "retry.pdf", hash)
	if err != nil {
		t.Fatalf("Failed to re-register document: %v", err)
	}
	if again != id {
		t.Errorf("Expected same id %d, got %d", id, again)
	}

	doc, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.Status != models.StatusQueued {
		t.Errorf("Expected status queued, got %s", doc.Status)
	}
	if doc.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", doc.Attempts)
	}
	if doc.FailureReason != nil {
		t.Errorf("Expected failure reason to be cleared, got %s", *doc.FailureReason)
	}
}

func TestDocumentRepository_Register_KeepsReady(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()
	hash := testutil.HashOf("ready")

	id, err := repo.Register(ctx, "ready.pdf", hash)
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}
	if err := repo.BeginProcessing(ctx, id); err != nil {
		t.Fatalf("Failed to begin processing: %v", err)
	}
	if err := repo.MarkReady(ctx, id, 3); err != nil {
		t.Fatalf("Failed to mark ready: %v", err)
	}
	if _, err := repo.Register(ctx, "ready.pdf", hash); err != nil {
		t.Fatalf("Failed to re-register document: %v", err)
	}

	doc, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.Status != models.StatusReady || doc.Attempts != 1 {
		t.Errorf("Expected ready document to be untouched, got status %s attempts %d", doc.Status, doc.Attempts)
	}
}

func TestDocumentRepository_List(t *testing.T) {
	database := testutil.SetupTestDB(t)
	repo := NewDocumentRepository(database)
	ctx := context.Background()

	docs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list documents: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("Expected empty list, got %d documents", len(docs))
	}

	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		id, err := repo.Register(ctx, name, testutil.HashOf(name))
		if err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
		ids = append(ids, id)
	}

	docs, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list documents: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("Expected 3 documents, got %d", len(docs))
	}
	if docs[0].ID != ids[2] || docs[2].ID != ids[0] {
		t.Errorf("Expected newest first, got ids %d..%d", docs[0].ID, docs[2].ID)
	}
}

func TestDocumentRepository_Delete_CascadesRetrievals(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	docs := NewDocumentRepository(database)
	f := newLedgerFixture(t, database)

	keep := f.readyDocument("keep")
	drop := f.readyDocument("drop")

	runA := f.run("session-a")
	runB := f.run("session-b")
	f.retrievals(runA, keep, drop)
	f.retrievals(runB, drop)

	if err := docs.Delete(ctx, drop); err != nil {
		t.Fatalf("Failed to delete document: %v", err)
	}

	if testutil.RecordExists(t, database, "documents", "id", drop) {
		t.Error("Expected document to be deleted")
	}
	n, err := f.retrievalRepo.CountByDocument(ctx, drop)
	if err != nil {
		t.Fatalf("Failed to count retrievals: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no retrievals for deleted document, got %d", n)
	}
	if count := testutil.GetRecordCount(t, database, "retrievals"); count != 1 {
		t.Errorf("Expected 1 surviving retrieval, got %d", count)
	}
	if !testutil.RecordExists(t, database, "runs", "id", runB) {
		t.Error("Expected runs to survive document deletion")
	}
}

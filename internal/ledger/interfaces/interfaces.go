package interfaces

import (
	"context"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
)

// ParseResult is what the document parsing pipeline reports back.
type ParseResult struct {
	PageCount  int
	ChunkCount int
}

// ParseRequest identifies the claimed document and carries its content.
type ParseRequest struct {
	DocumentID  int64
	Title       string
	ContentHash string
	Content     []byte
}

// Parser defines the parsing/chunking/indexing pipeline for a document.
type Parser interface {
	// Parse splits and indexes the content of the given document
	Parse(ctx context.Context, req ParseRequest) (*ParseResult, error)
}

// Embedder defines the interface for generating query embeddings.
type Embedder interface {
	// Embed creates a vector embedding for the given text
	Embed(ctx context.Context, text string) ([]float32, error)

	// GetModelName returns the name of the embedding model
	GetModelName() string
}

// BatchEmbedder embeds document chunks at ingestion time.
type BatchEmbedder interface {
	// EmbedBatch returns one vector per text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// GetDimension returns the size of the vectors
	GetDimension() int
}

// IndexPoint is one embedded chunk written to the vector index.
type IndexPoint struct {
	DocumentID    int64
	DocumentTitle string
	ContentHash   string
	Page          int
	ChunkID       int
	Text          string
	Vector        []float32
}

// VectorIndex defines the write side of the vector index.
type VectorIndex interface {
	// EnsureCollection creates the collection for vectors of the given size if missing
	EnsureCollection(ctx context.Context, dimension int) error

	// AlreadyIndexed reports whether points for the content hash exist
	AlreadyIndexed(ctx context.Context, contentHash string) (bool, error)

	// Upsert writes points; re-writing the same chunk replaces it
	Upsert(ctx context.Context, points []IndexPoint) error
}

// SearchHit is one candidate chunk returned by the vector index.
type SearchHit struct {
	DocumentID    int64
	DocumentTitle string
	Page          int
	ChunkID       int
	Text          string
	Score         float64
}

// SearchRequest is a nearest-neighbour query against the vector index.
type SearchRequest struct {
	Vector      []float32
	TopK        int
	DocumentIDs []int64
	SessionID   string
}

// VectorSearcher defines the vector index search service.
type VectorSearcher interface {
	// Search returns at most TopK hits ordered by descending score
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)
}

// GenerateRequest carries everything the language model needs to answer.
type GenerateRequest struct {
	Question      string
	Context       []SearchHit
	History       []models.Message
	Model         string
	OnlyIfSources bool
	Temperature   float64
}

// GenerateResult is the finalized answer.
type GenerateResult struct {
	Answer string
	Model  string
}

// Generator defines the language-model call.
type Generator interface {
	// Generate produces the final answer for the question
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// GetModelName returns the default model used when a request names none
	GetModelName() string
}

// IngestionOptions contains configuration for the ingestion worker pool.
type IngestionOptions struct {
	Concurrency int
	Timeout     time.Duration
}

// IngestItem is one source file handed to the ingestion worker.
type IngestItem struct {
	Title   string
	Content []byte
}

// IngestResult reports the outcome for one ingested item. Claimed is false
// when the document was already owned by another worker or already ingested.
type IngestResult struct {
	Document *models.Document
	Claimed  bool
	Error    error
}

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultUpsertBatchSize = 128

var (
	unsafeCollectionChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

	// pointNamespace seeds point ids so re-indexing a chunk overwrites it.
	pointNamespace = uuid.MustParse("a7463525-4a6c-48b8-b12e-2f5a5e334335")
)

// QdrantStore reads and writes a Qdrant collection over its REST API. Points
// carry doc_id, doc_title, page, chunk_id and chunk_text in their payload,
// plus file_hash and timestamps when written by Upsert.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
	logger     zerolog.Logger
}

var (
	_ interfaces.VectorSearcher = (*QdrantStore)(nil)
	_ interfaces.VectorIndex    = (*QdrantStore)(nil)
)

type qdrantMatch struct {
	Any   []int64 `json:"any,omitempty"`
	Value string  `json:"value,omitempty"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

type qdrantSearchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type qdrantPayload struct {
	DocumentID    int64  `json:"doc_id"`
	DocumentTitle string `json:"doc_title"`
	Page          int    `json:"page"`
	ChunkID       int    `json:"chunk_id"`
	Text          string `json:"chunk_text"`
	FileHash      string `json:"file_hash,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type qdrantSearchResponse struct {
	Result []struct {
		Score   float64        `json:"score"`
		Payload *qdrantPayload `json:"payload"`
	} `json:"result"`
	Status string `json:"status"`
}

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type qdrantCreateCollection struct {
	Vectors qdrantVectorParams `json:"vectors"`
}

type qdrantCountRequest struct {
	Filter qdrantFilter `json:"filter"`
	Exact  bool         `json:"exact"`
}

type qdrantCountResponse struct {
	Result struct {
		Count int `json:"count"`
	} `json:"result"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantUpsertRequest struct {
	Points []qdrantPoint `json:"points"`
}

// CollectionName derives the collection from the embedding model, so vectors
// of different models never share a collection.
func CollectionName(embeddingModel string) string {
	safe := strings.Trim(unsafeCollectionChars.ReplaceAllString(embeddingModel, "_"), "_")
	return "pdf_chunks__" + safe
}

// PointID is the deterministic id of a chunk of the content with the given hash.
func PointID(contentHash string, page, chunkID int) string {
	return uuid.NewSHA1(pointNamespace, fmt.Appendf(nil, "%s:%d:%d", contentHash, page, chunkID)).String()
}

// NewQdrantStore reads QDRANT_URL and QDRANT_API_KEY.
func NewQdrantStore(collection string) (*QdrantStore, error) {
	return NewQdrantStoreWithClient(os.Getenv("QDRANT_URL"), os.Getenv("QDRANT_API_KEY"), collection, nil)
}

// NewQdrantStoreWithClient creates a store with explicit settings.
func NewQdrantStoreWithClient(baseURL, apiKey, collection string, httpClient *http.Client) (*QdrantStore, error) {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))
	if baseURL == "" {
		logger.Error().Msg("QDRANT_URL env variable not set")
		return nil, ErrSearchURLNotSet
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Search returns at most req.TopK hits in the order Qdrant ranked them.
// Points without a payload are skipped.
func (q *QdrantStore) Search(ctx context.Context, req interfaces.SearchRequest) ([]interfaces.SearchHit, error) {
	body := qdrantSearchRequest{Vector: req.Vector, Limit: req.TopK, WithPayload: true}
	if len(req.DocumentIDs) > 0 {
		body.Filter = &qdrantFilter{Must: []qdrantCondition{{Key: "doc_id", Match: qdrantMatch{Any: req.DocumentIDs}}}}
	}

	var response qdrantSearchResponse
	status, err := q.do(ctx, http.MethodPost, "/points/search", body, &response)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		q.logger.Error().Int("status_code", status).Str("collection", q.collection).Msg("Search request failed")
		return nil, fmt.Errorf("%w: status %d", ErrAPIRequestFailed, status)
	}

	hits := make([]interfaces.SearchHit, 0, len(response.Result))
	for _, point := range response.Result {
		if point.Payload == nil {
			continue
		}
		hits = append(hits, interfaces.SearchHit{
			DocumentID:    point.Payload.DocumentID,
			DocumentTitle: point.Payload.DocumentTitle,
			Page:          point.Payload.Page,
			ChunkID:       point.Payload.ChunkID,
			Text:          point.Payload.Text,
			Score:         point.Score,
		})
	}
	if req.TopK > 0 && len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	return hits, nil
}

// EnsureCollection creates the collection with cosine distance when it does
// not exist yet. An existing collection is left as is.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	status, err := q.do(ctx, http.MethodGet, "", nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		q.logger.Error().Int("status_code", status).Str("collection", q.collection).Msg("Collection lookup failed")
		return fmt.Errorf("%w: status %d", ErrAPIRequestFailed, status)
	}

	body := qdrantCreateCollection{Vectors: qdrantVectorParams{Size: dimension, Distance: "Cosine"}}
	status, err = q.do(ctx, http.MethodPut, "", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		q.logger.Error().Int("status_code", status).Str("collection", q.collection).Msg("Collection create failed")
		return fmt.Errorf("%w: status %d", ErrAPIRequestFailed, status)
	}
	q.logger.Info().Str("collection", q.collection).Int("dimension", dimension).Msg("Created collection")
	return nil
}

// AlreadyIndexed reports whether any point carries the content hash.
func (q *QdrantStore) AlreadyIndexed(ctx context.Context, contentHash string) (bool, error) {
	body := qdrantCountRequest{
		Filter: qdrantFilter{Must: []qdrantCondition{{Key: "file_hash", Match: qdrantMatch{Value: contentHash}}}},
		Exact:  true,
	}
	var response qdrantCountResponse
	status, err := q.do(ctx, http.MethodPost, "/points/count", body, &response)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		q.logger.Error().Int("status_code", status).Str("collection", q.collection).Msg("Count request failed")
		return false, fmt.Errorf("%w: status %d", ErrAPIRequestFailed, status)
	}
	return response.Result.Count > 0, nil
}

// Upsert writes points in batches of QDRANT_UPSERT_BATCH and waits for each
// batch to be applied.
func (q *QdrantStore) Upsert(ctx context.Context, points []interfaces.IndexPoint) error {
	batchSize := getEnvInt("QDRANT_UPSERT_BATCH", defaultUpsertBatchSize)
	stamp := time.Now().UTC().Format(time.RFC3339)

	for start := 0; start < len(points); start += batchSize {
		batch := points[start:min(start+batchSize, len(points))]
		body := qdrantUpsertRequest{Points: make([]qdrantPoint, 0, len(batch))}
		for _, p := range batch {
			body.Points = append(body.Points, qdrantPoint{
				ID:     PointID(p.ContentHash, p.Page, p.ChunkID),
				Vector: p.Vector,
				Payload: qdrantPayload{
					DocumentID:    p.DocumentID,
					DocumentTitle: p.DocumentTitle,
					Page:          p.Page,
					ChunkID:       p.ChunkID,
					Text:          p.Text,
					FileHash:      p.ContentHash,
					CreatedAt:     stamp,
					UpdatedAt:     stamp,
				},
			})
		}

		status, err := q.do(ctx, http.MethodPut, "/points?wait=true", body, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			q.logger.Error().Int("status_code", status).Str("collection", q.collection).Msg("Upsert request failed")
			return fmt.Errorf("%w: status %d", ErrAPIRequestFailed, status)
		}
		q.logger.Debug().Str("collection", q.collection).Int("points", len(batch)).Msg("Upserted points")
	}
	return nil
}

// do sends a request to the collection endpoint plus suffix and decodes a
// 200 response into out. Non-200 statuses are returned without an error.
func (q *QdrantStore) do(ctx context.Context, method, suffix string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s/collections/%s%s", q.baseURL, url.PathEscape(q.collection), suffix)
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		q.logger.Err(err).Msg("failed to create request")
		return 0, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		httpReq.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		q.logger.Err(err).Str("collection", q.collection).Str("method", method).Msg("qdrant request failed")
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			q.logger.Error().Err(err).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			q.logger.Err(err).Msg("failed to decode response")
			return 0, err
		}
	}
	return resp.StatusCode, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

const (
	DefaultTopK        = 5
	MaxTopK            = 50
	DefaultTemperature = 0.2
	MaxTemperature     = 2.0
)

// QueryRequest is one user question on the request path.
type QueryRequest struct {
	SessionID     string
	Message       string
	TopK          int
	DocumentIDs   []int64
	Model         string
	OnlyIfSources bool
	// Temperature nil means DefaultTemperature.
	Temperature   *float64
}

// QueryResponse is the answer plus what was recorded for it.
type QueryResponse struct {
	SessionID string
	Answer    string
	Model     string
	Hits      []interfaces.SearchHit
	Citations []Citation
	Record    *models.RunRecord
}

// QueryPipeline runs embed -> search -> generate, times each stage and
// commits the run to the ledger only once the answer is final.
type QueryPipeline struct {
	sessions  *repository.SessionRepository
	recorder  *QueryRecorder
	embedder  interfaces.Embedder
	searcher  interfaces.VectorSearcher
	generator interfaces.Generator
	logger    zerolog.Logger
}

func NewQueryPipeline(
	sessions *repository.SessionRepository,
	recorder *QueryRecorder,
	embedder interfaces.Embedder,
	searcher interfaces.VectorSearcher,
	generator interfaces.Generator,
) *QueryPipeline {
	return &QueryPipeline{
		sessions:  sessions,
		recorder:  recorder,
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		logger:    util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Ask answers req. A failing stage aborts the call and no run is recorded;
// the user's message stays in the conversation history. The assistant
// message is committed together with the run, so history never holds an
// answer the ledger has no run for.
func (p *QueryPipeline) Ask(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyQuestion
	}
	topK := req.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: %d", ErrTopKOutOfRange, topK)
	}
	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if temperature < 0 || temperature > MaxTemperature {
		return nil, fmt.Errorf("%w: %v", ErrTemperatureOutOfRange, temperature)
	}

	sessionID, err := p.sessions.Ensure(ctx, req.SessionID, nil)
	if err != nil {
		return nil, err
	}
	history, err := p.sessions.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := p.sessions.AppendMessage(ctx, sessionID, models.RoleUser, req.Message); err != nil {
		return nil, err
	}

	stageStart := time.Now()
	vector, err := p.embedder.Embed(ctx, req.Message)
	embedMs := time.Since(stageStart).Milliseconds()
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("Embedding failed")
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	stageStart = time.Now()
	hits, err := p.searcher.Search(ctx, interfaces.SearchRequest{
		Vector:      vector,
		TopK:        topK,
		DocumentIDs: req.DocumentIDs,
		SessionID:   sessionID,
	})
	vectorMs := time.Since(stageStart).Milliseconds()
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("Vector search failed")
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	model := req.Model
	if model == "" {
		model = p.generator.GetModelName()
	}

	stageStart = time.Now()
	generated, err := p.generator.Generate(ctx, interfaces.GenerateRequest{
		Question:      req.Message,
		Context:       hits,
		History:       history,
		Model:         model,
		OnlyIfSources: req.OnlyIfSources,
		Temperature:   temperature,
	})
	llmMs := time.Since(stageStart).Milliseconds()
	if err == nil && generated == nil {
		err = errors.New("generator returned no result")
	}
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("Generation failed")
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if generated.Model != "" {
		model = generated.Model
	}

	retrievals := make([]models.RetrievalInput, 0, len(hits))
	for _, hit := range hits {
		retrievals = append(retrievals, models.RetrievalInput{
			DocumentID: hit.DocumentID,
			Page:       hit.Page,
			ChunkID:    hit.ChunkID,
			Score:      hit.Score,
		})
	}

	record, err := p.recorder.RecordQuery(ctx, QueryRecord{
		Run: models.RunInput{
			SessionID:     sessionID,
			Question:      req.Message,
			Answer:        generated.Answer,
			Model:         model,
			TopK:          topK,
			OnlyIfSources: req.OnlyIfSources,
		},
		Retrievals: retrievals,
		Metric: models.MetricInput{
			TotalMs:      time.Since(start).Milliseconds(),
			EmbedMs:      embedMs,
			VectorMs:     vectorMs,
			LLMMs:        llmMs,
			SourcesFound: len(retrievals) > 0,
		},
		AppendAnswer: true,
	})
	if err != nil {
		return nil, err
	}

	return &QueryResponse{
		SessionID: sessionID,
		Answer:    generated.Answer,
		Model:     model,
		Hits:      hits,
		Citations: ExtractCitations(generated.Answer, hits),
		Record:    record,
	}, nil
}

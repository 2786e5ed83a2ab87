package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultIngestConcurrency = 4

// IngestionWorker drives documents through the registry status machine
// while an external parser does the actual parsing and indexing.
type IngestionWorker struct {
	documents *repository.DocumentRepository
	parser    interfaces.Parser
	logger    zerolog.Logger
}

// NewIngestionWorker creates a worker. parser may be nil for callers that
// only register documents.
func NewIngestionWorker(documents *repository.DocumentRepository, parser interfaces.Parser) *IngestionWorker {
	return &IngestionWorker{
		documents: documents,
		parser:    parser,
		logger:    util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Ingest registers content and, when this worker wins the claim, parses it
// and records the outcome. Losing the claim is not an error: the result is
// returned with Claimed=false.
func (w *IngestionWorker) Ingest(ctx context.Context, title string, content []byte) (*interfaces.IngestResult, error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}
	if w.parser == nil {
		return nil, ErrNoParser
	}

	contentHash := repository.HashContent(content)
	id, err := w.documents.Register(ctx, title, contentHash)
	if err != nil {
		return nil, err
	}

	if err := w.documents.BeginProcessing(ctx, id); err != nil {
		if !errors.Is(err, repository.ErrInvalidTransition) {
			return nil, err
		}
		doc, getErr := w.documents.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		w.logger.Info().Int64("document_id", id).Str("status", string(doc.Status)).Msg("Document already claimed")
		return &interfaces.IngestResult{Document: doc, Claimed: false}, nil
	}

	// Register may have returned an earlier row; index under its stored title.
	claimed, err := w.documents.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	w.logger.Info().Int64("document_id", id).Str("content_hash", contentHash).Msg("Starting parse")
	parsed, parseErr := w.parser.Parse(ctx, interfaces.ParseRequest{
		DocumentID:  id,
		Title:       claimed.Title,
		ContentHash: contentHash,
		Content:     content,
	})
	if parseErr == nil && parsed == nil {
		parseErr = errors.New("parser returned no result")
	}

	// The terminal write must land even when ctx expired during parsing,
	// otherwise the document stays in processing forever.
	finishCtx := context.WithoutCancel(ctx)
	if parseErr != nil {
		w.logger.Error().Err(parseErr).Int64("document_id", id).Msg("Parse failed")
		if err := w.documents.MarkFailed(finishCtx, id, parseErr.Error()); err != nil {
			return nil, err
		}
	} else if err := w.documents.MarkReady(finishCtx, id, parsed.PageCount); err != nil {
		return nil, err
	}

	doc, err := w.documents.GetByID(finishCtx, id)
	if err != nil {
		return nil, err
	}
	result := &interfaces.IngestResult{Document: doc, Claimed: true}
	if parseErr != nil {
		result.Error = fmt.Errorf("%w: %w", ErrParseFailed, parseErr)
		return result, result.Error
	}
	return result, nil
}

// IngestAll ingests items with a bounded pool. Results keep the order of
// items; a failing item does not stop the others.
func (w *IngestionWorker) IngestAll(
	ctx context.Context,
	items []interfaces.IngestItem,
	options *interfaces.IngestionOptions,
) ([]*interfaces.IngestResult, error) {
	concurrency := defaultIngestConcurrency
	if options != nil && options.Concurrency > 0 {
		concurrency = options.Concurrency
	}

	results := make([]*interfaces.IngestResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, item := range items {
		g.Go(func() error {
			itemCtx := gctx
			if options != nil && options.Timeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(gctx, options.Timeout)
				defer cancel()
			}

			res, err := w.Ingest(itemCtx, item.Title, item.Content)
			if res == nil {
				res = &interfaces.IngestResult{}
			}
			res.Error = err
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var errorsList []error
	for _, res := range results {
		if res.Error != nil {
			errorsList = append(errorsList, res.Error)
		}
	}
	if len(errorsList) > 0 {
		w.logger.Error().Errs("errors", errorsList).Int("failed", len(errorsList)).Msg("Ingestion failed")
		return results, ErrIngestionFailed
	}
	return results, nil
}

// RegisterAll hashes and registers items without claiming them, leaving them
// queued for a parsing worker. Identical content resolves to one document.
func (w *IngestionWorker) RegisterAll(
	ctx context.Context,
	items []interfaces.IngestItem,
	options *interfaces.IngestionOptions,
) ([]*interfaces.IngestResult, error) {
	concurrency := defaultIngestConcurrency
	if options != nil && options.Concurrency > 0 {
		concurrency = options.Concurrency
	}

	results := make([]*interfaces.IngestResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, item := range items {
		g.Go(func() error {
			if len(item.Content) == 0 {
				results[i] = &interfaces.IngestResult{Error: ErrEmptyContent}
				return nil
			}
			id, err := w.documents.Register(gctx, item.Title, repository.HashContent(item.Content))
			if err != nil {
				results[i] = &interfaces.IngestResult{Error: err}
				return nil
			}
			doc, err := w.documents.GetByID(gctx, id)
			results[i] = &interfaces.IngestResult{Document: doc, Error: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	for _, res := range results {
		if res.Error != nil {
			return results, ErrIngestionFailed
		}
	}
	return results, nil
}

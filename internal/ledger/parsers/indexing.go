package parsers

import (
	"context"
	"errors"
	"fmt"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

var (
	ErrNoTextParser    = errors.New("text parser is required")
	ErrNoEmbedder      = errors.New("embedder is required")
	ErrNoIndex         = errors.New("vector index is required")
	ErrVectorCountDiff = errors.New("embedder returned a different number of vectors")
)

// IndexingParser chunks content with a TextParser, embeds every chunk and
// writes the vectors to the index. Content whose hash is already in the
// index is counted but not embedded again.
type IndexingParser struct {
	text     *TextParser
	embedder interfaces.BatchEmbedder
	index    interfaces.VectorIndex
	logger   zerolog.Logger
}

var _ interfaces.Parser = (*IndexingParser)(nil)

func NewIndexingParser(text *TextParser, embedder interfaces.BatchEmbedder, index interfaces.VectorIndex) (*IndexingParser, error) {
	if text == nil {
		return nil, ErrNoTextParser
	}
	if embedder == nil {
		return nil, ErrNoEmbedder
	}
	if index == nil {
		return nil, ErrNoIndex
	}
	return &IndexingParser{
		text:     text,
		embedder: embedder,
		index:    index,
		logger:   util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}, nil
}

// Parse splits, embeds and upserts the content. Chunk ids restart at 0 on
// every page and page numbers are 1-based.
func (p *IndexingParser) Parse(ctx context.Context, req interfaces.ParseRequest) (*interfaces.ParseResult, error) {
	pages, err := p.text.Pages(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	result := countPages(pages)

	if err := p.index.EnsureCollection(ctx, p.embedder.GetDimension()); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	indexed, err := p.index.AlreadyIndexed(ctx, req.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("check index: %w", err)
	}
	if indexed {
		p.logger.Info().
			Int64("document_id", req.DocumentID).
			Str("content_hash", req.ContentHash).
			Msg("Content already indexed, skipping embedding")
		return result, nil
	}

	points := make([]interfaces.IndexPoint, 0, result.ChunkCount)
	texts := make([]string, 0, result.ChunkCount)
	for _, page := range pages {
		for i, chunk := range page.Chunks {
			points = append(points, interfaces.IndexPoint{
				DocumentID:    req.DocumentID,
				DocumentTitle: req.Title,
				ContentHash:   req.ContentHash,
				Page:          page.Number,
				ChunkID:       i,
				Text:          chunk,
			})
			texts = append(texts, chunk)
		}
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(points) {
		return nil, fmt.Errorf("%w: %d chunks, %d vectors", ErrVectorCountDiff, len(points), len(vectors))
	}
	for i := range points {
		points[i].Vector = vectors[i]
	}

	if err := p.index.Upsert(ctx, points); err != nil {
		return nil, fmt.Errorf("upsert points: %w", err)
	}

	p.logger.Info().
		Int64("document_id", req.DocumentID).
		Int("pages", result.PageCount).
		Int("points", len(points)).
		Msg("Indexed document")
	return result, nil
}

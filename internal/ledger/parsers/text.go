package parsers

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/rs/zerolog"
	"github.com/tiktoken-go/tokenizer"
)

var (
	ErrContentEmpty     = errors.New("content cannot be empty")
	ErrInvalidMaxTokens = errors.New("maxTokens must be positive")
)

const (
	maxTokensDefault = 512
	tokenizerDefault = "cl100k_base"

	// pageBreak separates pages in text extracted from paged formats.
	pageBreak = "\f"
)

// TextParser splits plain text, markdown or HTML into pages and token-bounded
// chunks. On its own it reports counts; IndexingParser embeds and stores the
// chunks.
type TextParser struct {
	encoding  tokenizer.Codec
	maxTokens int
	markdown  *md.Converter
	logger    zerolog.Logger
}

// Page is one form-feed separated page. Number is 1-based; blank pages keep
// their number and have no chunks.
type Page struct {
	Number int
	Chunks []string
}

var _ interfaces.Parser = (*TextParser)(nil)

// NewTextParser creates a parser with chunks of at most maxTokens tokens. A
// non-positive maxTokens uses PARSER_MAX_TOKENS or the default.
func NewTextParser(maxTokens int) (*TextParser, error) {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))

	if maxTokens <= 0 {
		maxTokens = GetDefaultMaxTokens()
	}
	if maxTokens <= 0 {
		return nil, ErrInvalidMaxTokens
	}

	tokenizerName := getTokenizerFromEnv()
	encoding, err := getTokenizerEncoding(tokenizerName)
	if err != nil {
		logger.Error().Err(err).Str("tokenizer", tokenizerName).Msg("failed to get tokenizer")
		return nil, err
	}

	return &TextParser{
		encoding:  encoding,
		maxTokens: maxTokens,
		markdown:  md.NewConverter("", true, nil),
		logger:    logger,
	}, nil
}

// Pages splits content into form-feed pages and each page into chunks.
// Whitespace-only chunks are dropped. A single trailing page break does not
// open a new page. It fails with ErrContentEmpty when no page has text.
func (p *TextParser) Pages(ctx context.Context, content []byte) ([]Page, error) {
	text, err := p.normalize(content)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to convert html")
		return nil, err
	}

	raw := strings.Split(strings.TrimSuffix(text, pageBreak), pageBreak)
	pages := make([]Page, 0, len(raw))
	chunkCount := 0
	for i, body := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := Page{Number: i + 1}
		if strings.TrimSpace(body) != "" {
			chunks, err := p.Split(body)
			if err != nil {
				return nil, err
			}
			for _, chunk := range chunks {
				if strings.TrimSpace(chunk) != "" {
					page.Chunks = append(page.Chunks, chunk)
				}
			}
		}
		chunkCount += len(page.Chunks)
		pages = append(pages, page)
	}

	if chunkCount == 0 {
		return nil, ErrContentEmpty
	}
	return pages, nil
}

// Parse counts the pages and chunks of the content. Blank pages count as
// pages.
func (p *TextParser) Parse(ctx context.Context, req interfaces.ParseRequest) (*interfaces.ParseResult, error) {
	pages, err := p.Pages(ctx, req.Content)
	if err != nil {
		if errors.Is(err, ErrContentEmpty) {
			p.logger.Warn().Int64("document_id", req.DocumentID).Msg("content is empty")
		}
		return nil, err
	}

	result := countPages(pages)
	p.logger.Debug().
		Int64("document_id", req.DocumentID).
		Int("pages", result.PageCount).
		Int("chunks", result.ChunkCount).
		Msg("parsed document")
	return result, nil
}

func countPages(pages []Page) *interfaces.ParseResult {
	result := &interfaces.ParseResult{PageCount: len(pages)}
	for _, page := range pages {
		result.ChunkCount += len(page.Chunks)
	}
	return result
}

// Split cuts text into consecutive chunks of at most maxTokens tokens.
func (p *TextParser) Split(text string) ([]string, error) {
	if text == "" {
		return nil, ErrContentEmpty
	}

	tokens, _, err := p.encoding.Encode(text)
	if err != nil {
		p.logger.Err(err).Msg("failed to tokenize content")
		return nil, err
	}

	if len(tokens) <= p.maxTokens {
		return []string{text}, nil
	}

	chunks := make([]string, 0, len(tokens)/p.maxTokens+1)
	for i := 0; i < len(tokens); i += p.maxTokens {
		end := min(i+p.maxTokens, len(tokens))
		chunk, err := p.encoding.Decode(tokens[i:end])
		if err != nil {
			p.logger.Err(err).Msg("failed to decode chunk tokens")
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// CountTokens returns the number of tokens in text.
func (p *TextParser) CountTokens(text string) (int, error) {
	tokens, _, err := p.encoding.Encode(text)
	if err != nil {
		p.logger.Err(err).Msg("failed to tokenize text")
		return 0, err
	}
	return len(tokens), nil
}

// normalize turns HTML into markdown and leaves everything else alone.
func (p *TextParser) normalize(content []byte) (string, error) {
	if !looksLikeHTML(content) {
		return string(content), nil
	}
	return p.markdown.ConvertString(string(content))
}

func looksLikeHTML(content []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(content[:min(len(content), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) ||
		bytes.HasPrefix(head, []byte("<html")) ||
		bytes.Contains(head, []byte("<body"))
}

// getTokenizerFromEnv returns the tokenizer name from environment or default.
func getTokenizerFromEnv() string {
	tokenizerName := os.Getenv("PARSER_TOKENIZER")
	if tokenizerName == "" {
		return tokenizerDefault
	}
	return tokenizerName
}

// getTokenizerEncoding returns the tokenizer encoding for the given name.
func getTokenizerEncoding(name string) (tokenizer.Codec, error) {
	switch strings.ToLower(name) {
	case "p50k_base":
		return tokenizer.Get(tokenizer.P50kBase)
	case "r50k_base":
		return tokenizer.Get(tokenizer.R50kBase)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}

// GetDefaultMaxTokens returns PARSER_MAX_TOKENS or the default.
func GetDefaultMaxTokens() int {
	value := os.Getenv("PARSER_MAX_TOKENS")
	if value == "" {
		return maxTokensDefault
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return maxTokensDefault
}

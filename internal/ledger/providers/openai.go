package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

const (
	timeout               = 60 * time.Second
	defaultEmbeddingsURL  = "https://api.openai.com/v1/embeddings"
	defaultEmbedBatchSize = 64
)

// OpenAIEmbedder embeds query and chunk text with OpenAI's embeddings API or any
// service that speaks the same protocol.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
	apiURL     string
	logger     zerolog.Logger
}

var (
	_ interfaces.Embedder      = (*OpenAIEmbedder)(nil)
	_ interfaces.BatchEmbedder = (*OpenAIEmbedder)(nil)
)

// OpenAIEmbeddingRequest represents the request structure for OpenAI embeddings API.
type OpenAIEmbeddingRequest struct {
	Input          string `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type openAIBatchRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

// OpenAIEmbeddingResponse represents the response structure from OpenAI embeddings API.
type OpenAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIEmbedder creates an embedder for model. OPENAI_EMBEDDINGS_URL
// overrides the endpoint.
func NewOpenAIEmbedder(model string) (*OpenAIEmbedder, error) {
	return NewOpenAIEmbedderWithClient(model, nil, os.Getenv("OPENAI_EMBEDDINGS_URL"))
}

// NewOpenAIEmbedderWithClient creates an embedder with a custom HTTP client and API URL.
func NewOpenAIEmbedderWithClient(model string, httpClient *http.Client, apiURL string) (*OpenAIEmbedder, error) {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))
	apiKey := os.Getenv("OPENAI_API_KEY")
	if strings.EqualFold(apiKey, "") {
		logger.Error().Msg("OPENAI_API_KEY env variable not set")
		return nil, ErrAPIKeyNotSet
	}

	var dimension int
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		dimension = 1536
	case "text-embedding-3-large":
		dimension = 3072
	default:
		logger.Error().Str("unsupported model", model).Msg("Unsupported embedding model")
		return nil, ErrUnsupportedModel
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}
	if apiURL == "" {
		apiURL = defaultEmbeddingsURL
	}

	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
		httpClient: httpClient,
		apiURL:     apiURL,
		logger:     logger,
	}, nil
}

// Embed creates a vector embedding for the given text.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	cleanContent := cleanInput(text)
	if cleanContent == "" {
		o.logger.Warn().Msg("content is empty")
		return nil, ErrContentEmpty
	}

	response, err := o.post(ctx, OpenAIEmbeddingRequest{
		Input:          cleanContent,
		Model:          o.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, ErrNoEmbeddingData
	}

	o.logger.Debug().Str("model", o.model).Int("tokens_used", response.Usage.TotalTokens).Msg("Generated embedding")
	return response.Data[0].Embedding, nil
}

// EmbedBatch embeds texts in requests of at most EMBED_BATCH_SIZE inputs.
// The result has one vector per text, in input order.
func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, text := range texts {
		inputs[i] = cleanInput(text)
		if inputs[i] == "" {
			o.logger.Warn().Int("index", i).Msg("content is empty")
			return nil, ErrContentEmpty
		}
	}

	batchSize := getEnvInt("EMBED_BATCH_SIZE", defaultEmbedBatchSize)
	vectors := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		batch := inputs[start:min(start+batchSize, len(inputs))]
		response, err := o.post(ctx, openAIBatchRequest{
			Input:          batch,
			Model:          o.model,
			EncodingFormat: "float",
		})
		if err != nil {
			return nil, err
		}

		ordered := make([][]float32, len(batch))
		for _, item := range response.Data {
			if item.Index >= 0 && item.Index < len(batch) {
				ordered[item.Index] = item.Embedding
			}
		}
		for i, vector := range ordered {
			if vector == nil {
				o.logger.Error().Int("index", start+i).Msg("missing embedding in batch response")
				return nil, ErrNoEmbeddingData
			}
		}
		vectors = append(vectors, ordered...)
		o.logger.Debug().Str("model", o.model).Int("inputs", len(batch)).Int("tokens_used", response.Usage.TotalTokens).Msg("Generated embeddings")
	}
	return vectors, nil
}

func (o *OpenAIEmbedder) post(ctx context.Context, body any) (*OpenAIEmbeddingResponse, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		o.logger.Err(err).Msg("failed to marshal request")
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		o.logger.Err(err).Msg("failed to create request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", o.apiKey))

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Err(err).Msg("failed to make request")
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			o.logger.Error().Err(err).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		o.logger.Error().Int("status_code", resp.StatusCode).Msg("API request failed")
		return nil, fmt.Errorf("%w: status %d", ErrAPIRequestFailed, resp.StatusCode)
	}

	var response OpenAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		o.logger.Err(err).Msg("failed to decode response")
		return nil, err
	}
	return &response, nil
}

func cleanInput(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
}

// getEnvInt returns a positive integer from the environment or fallback.
func getEnvInt(name string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(name))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// GetModelName returns the name of the embedding model.
func (o *OpenAIEmbedder) GetModelName() string {
	return o.model
}

// GetDimension returns the dimension of the embedding vectors.
func (o *OpenAIEmbedder) GetDimension() int {
	return o.dimension
}

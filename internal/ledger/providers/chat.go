package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

const (
	defaultChatURL   = "https://api.groq.com/openai/v1/chat/completions"
	defaultChatModel = "llama-3.1-8b-instant"

	// AbstainAnswer is what the model is told to reply when only_if_sources
	// is set and the context does not cover the question.
	AbstainAnswer = "I cannot answer this question based on the provided documents."
)

// ChatGenerator answers questions through an OpenAI compatible chat
// completions endpoint, grounded on the retrieved chunks.
type ChatGenerator struct {
	apiKey     string
	model      string
	httpClient *http.Client
	apiURL     string
	logger     zerolog.Logger
}

var _ interfaces.Generator = (*ChatGenerator)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewChatGenerator reads LLM_API_KEY (or GROQ_API_KEY), LLM_CHAT_URL and
// LLM_MODEL. model overrides LLM_MODEL when set.
func NewChatGenerator(model string) (*ChatGenerator, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if model == "" {
		model = os.Getenv("LLM_MODEL")
	}
	return NewChatGeneratorWithClient(model, apiKey, nil, os.Getenv("LLM_CHAT_URL"))
}

// NewChatGeneratorWithClient creates a generator with explicit settings.
func NewChatGeneratorWithClient(model, apiKey string, httpClient *http.Client, apiURL string) (*ChatGenerator, error) {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))
	if apiKey == "" {
		logger.Error().Msg("LLM_API_KEY env variable not set")
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = defaultChatModel
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if apiURL == "" {
		apiURL = defaultChatURL
	}

	return &ChatGenerator{
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		apiURL:     apiURL,
		logger:     logger,
	}, nil
}

// Generate sends the system prompt, the conversation history and the
// question, and returns the first choice.
func (c *ChatGenerator) Generate(ctx context.Context, req interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: SystemPrompt(req.Context, req.OnlyIfSources)})
	for _, msg := range req.History {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Question})

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Temperature: req.Temperature})
	if err != nil {
		c.logger.Err(err).Msg("failed to marshal request")
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(body))
	if err != nil {
		c.logger.Err(err).Msg("failed to create request")
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Err(err).Msg("failed to make request")
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status_code", resp.StatusCode).Str("model", model).Msg("API request failed")
		return nil, fmt.Errorf("%w: status %d", ErrAPIRequestFailed, resp.StatusCode)
	}

	var response chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		c.logger.Err(err).Msg("failed to decode response")
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, ErrNoChoices
	}

	used := response.Model
	if used == "" {
		used = model
	}
	return &interfaces.GenerateResult{Answer: response.Choices[0].Message.Content, Model: used}, nil
}

// GetModelName returns the default chat model.
func (c *ChatGenerator) GetModelName() string {
	return c.model
}

// SystemPrompt builds the grounding instructions with the numbered context.
func SystemPrompt(hits []interfaces.SearchHit, onlyIfSources bool) string {
	lines := []string{
		"You are a helpful assistant that answers questions based solely on the provided context documents.",
		"Your goal is to provide accurate, coherent answers grounded in the retrieved passages.",
		"CONTEXT DOCUMENTS:",
		FormatContext(hits),
		"",
		"INSTRUCTIONS:",
		"1. Answer the user's question using ONLY information from the context documents above.",
		"2. Always cite your sources using the format: (Document Title, p. PAGE_NUMBER). You may cite multiple sources.",
	}
	if onlyIfSources {
		lines = append(lines, fmt.Sprintf(
			"3. If the context documents do not contain enough information to answer the question, respond with: %q Do not use prior knowledge.",
			AbstainAnswer))
	} else {
		lines = append(lines,
			"3. If the context is insufficient, acknowledge this limitation in your answer but do not make up information.")
	}
	return strings.Join(lines, "\n")
}

// FormatContext renders hits as "[n] Document: title, Page p" blocks.
func FormatContext(hits []interfaces.SearchHit) string {
	parts := make([]string, 0, len(hits))
	for i, hit := range hits {
		title := hit.DocumentTitle
		if title == "" {
			title = "Unknown"
		}
		parts = append(parts, fmt.Sprintf("[%d] Document: %s, Page %d\n%s", i+1, title, hit.Page, hit.Text))
	}
	return strings.Join(parts, "\n\n")
}

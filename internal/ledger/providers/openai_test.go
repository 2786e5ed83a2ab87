package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewOpenAIEmbedder(t *testing.T) {
	tests := []struct {
		name        string
		model       string
		apiKey      string
		expectedErr error
		expectedDim int
	}{
		{name: "text-embedding-3-small", model: "text-embedding-3-small", apiKey: "test-api-key", expectedDim: 1536},
		{name: "text-embedding-3-large", model: "text-embedding-3-large", apiKey: "test-api-key", expectedDim: 3072},
		{name: "text-embedding-ada-002", model: "text-embedding-ada-002", apiKey: "test-api-key", expectedDim: 1536},
		{name: "unsupported model", model: "unsupported-model", apiKey: "test-api-key", expectedErr: ErrUnsupportedModel},
		{name: "empty model", model: "", apiKey: "test-api-key", expectedErr: ErrUnsupportedModel},
		{name: "missing api key", model: "text-embedding-3-small", apiKey: "", expectedErr: ErrAPIKeyNotSet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", tt.apiKey)

			embedder, err := NewOpenAIEmbedder(tt.model)
			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Fatalf("Expected %v, got %v", tt.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if embedder.GetModelName() != tt.model {
				t.Errorf("Expected model %s, got %s", tt.model, embedder.GetModelName())
			}
			if embedder.GetDimension() != tt.expectedDim {
				t.Errorf("Expected dimension %d, got %d", tt.expectedDim, embedder.GetDimension())
			}
		})
	}
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")

	var got OpenAIEmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-api-key" {
			t.Errorf("Unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}],"model":"text-embedding-3-small","usage":{"prompt_tokens":3,"total_tokens":3}}`))
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedderWithClient("text-embedding-3-small", server.Client(), server.URL)
	if err != nil {
		t.Fatalf("Failed to create embedder: %v", err)
	}

	vector, err := embedder.Embed(context.Background(), "  what is\nthe refund policy  ")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vector) != 3 {
		t.Fatalf("Expected 3 dimensions, got %d", len(vector))
	}
	if got.Input != "what is the refund policy" {
		t.Errorf("Expected cleaned input, got %q", got.Input)
	}
	if got.Model != "text-embedding-3-small" || got.EncodingFormat != "float" {
		t.Errorf("Unexpected request %+v", got)
	}
}

func TestOpenAIEmbedder_EmbedErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")

	tests := []struct {
		name        string
		content     string
		status      int
		body        string
		expectedErr error
	}{
		{name: "empty content", content: "", status: http.StatusOK, body: `{}`, expectedErr: ErrContentEmpty},
		{name: "whitespace content", content: " \n\t ", status: http.StatusOK, body: `{}`, expectedErr: ErrContentEmpty},
		{name: "server error", content: "hello", status: http.StatusInternalServerError, body: `{}`, expectedErr: ErrAPIRequestFailed},
		{name: "no data", content: "hello", status: http.StatusOK, body: `{"data":[]}`, expectedErr: ErrNoEmbeddingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			embedder, err := NewOpenAIEmbedderWithClient("text-embedding-3-small", server.Client(), server.URL)
			if err != nil {
				t.Fatalf("Failed to create embedder: %v", err)
			}
			if _, err := embedder.Embed(context.Background(), tt.content); !errors.Is(err, tt.expectedErr) {
				t.Errorf("Expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")
	t.Setenv("EMBED_BATCH_SIZE", "2")

	var requests []openAIBatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		requests = append(requests, req)

		// answer out of order; the embedder must place vectors by index
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{"index": i, "embedding": []float32{float32(len(req.Input[i]))}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedderWithClient("text-embedding-3-small", server.Client(), server.URL)
	if err != nil {
		t.Fatalf("Failed to create embedder: %v", err)
	}

	texts := []string{"a", "bb\n", "ccc", "dddd", "eeeee"}
	vectors, err := embedder.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(requests) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(requests))
	}
	if requests[0].Input[1] != "bb" {
		t.Errorf("Expected cleaned input, got %q", requests[0].Input[1])
	}
	if len(vectors) != len(texts) {
		t.Fatalf("Expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, vector := range vectors {
		if int(vector[0]) != i+1 {
			t.Errorf("Vector %d out of order: %v", i, vector)
		}
	}
}

func TestOpenAIEmbedder_EmbedBatchErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")

	tests := []struct {
		name        string
		texts       []string
		body        string
		expectedErr error
	}{
		{name: "blank text", texts: []string{"ok", "  "}, body: `{}`, expectedErr: ErrContentEmpty},
		{name: "missing vector", texts: []string{"a", "b"}, body: `{"data":[{"index":0,"embedding":[1]}]}`, expectedErr: ErrNoEmbeddingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			embedder, err := NewOpenAIEmbedderWithClient("text-embedding-3-small", server.Client(), server.URL)
			if err != nil {
				t.Fatalf("Failed to create embedder: %v", err)
			}
			if _, err := embedder.EmbedBatch(context.Background(), tt.texts); !errors.Is(err, tt.expectedErr) {
				t.Errorf("Expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

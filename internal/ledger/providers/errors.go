package providers

import "errors"

var (
	ErrAPIKeyNotSet     = errors.New("API key not set")
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrContentEmpty     = errors.New("content is empty")
	ErrAPIRequestFailed = errors.New("API request failed")
	ErrNoEmbeddingData  = errors.New("no embedding data in response")
	ErrNoChoices        = errors.New("no choices in completion response")
	ErrSearchURLNotSet  = errors.New("QDRANT_URL env variable not set")
)

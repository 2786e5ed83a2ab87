package services

import "errors"

var (
	// Ingestion errors.
	ErrEmptyContent    = errors.New("document content is empty")
	ErrNoParser        = errors.New("no parser configured")
	ErrParseFailed     = errors.New("document parsing failed")
	ErrIngestionFailed = errors.New("ingestion failed for one or more documents")

	// Query errors.
	ErrEmptyQuestion         = errors.New("question is empty")
	ErrTopKOutOfRange        = errors.New("top_k out of range")
	ErrTemperatureOutOfRange = errors.New("temperature out of range")
	ErrEmbeddingFailed       = errors.New("embedding stage failed")
	ErrSearchFailed          = errors.New("vector search stage failed")
	ErrGenerationFailed      = errors.New("generation stage failed")

	// Recording errors.
	ErrSourcesMismatch = errors.New("sources_found does not match the retrieval set")
)

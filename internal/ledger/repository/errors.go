package repository

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnknownSession      = errors.New("unknown session")
	ErrUnknownRun          = errors.New("unknown run")
	ErrUnknownDocument     = errors.New("unknown document")
	ErrInvalidTransition   = errors.New("invalid document status transition")
	ErrDuplicateMetric     = errors.New("metric already recorded for run")
	ErrDuplicateRetrievals = errors.New("retrievals already recorded for run")
	ErrIncompleteRun       = errors.New("run has no metric attached yet")
	ErrInvalidContentHash  = errors.New("content hash must be a 64 character lowercase hex sha256 digest")
	ErrInvalidRole         = errors.New("role must be user or assistant")
	ErrInvalidTopK         = errors.New("top_k must be at least 1")
	ErrInvalidPageCount    = errors.New("page count must not be negative")
	ErrInvalidScore        = errors.New("retrieval score must be a finite number")
	ErrInvalidLatency      = errors.New("latencies must not be negative")
)

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the retrieval pipeline. Callers match them with errors.Is.
var (
	ErrIngestion       = errors.New("ingestion failed")
	ErrStoreNotFound   = errors.New("vector store not found")
	ErrCorruptStore    = errors.New("vector store corrupt")
	ErrRetrieval       = errors.New("retrieval failed")
	ErrSummarization   = errors.New("summarization failed")
	ErrIO              = errors.New("io failure")
	ErrNotReady        = errors.New("retrieval system not ready")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrInvalidQuery = errors.New("invalid query")
	ErrQueryEmpty   = errors.New("query cannot be empty")
	ErrQueryTooLong = errors.New("query is too long")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

// Unwrap exposes both the specific cause and ErrInvalidQuery.
func (e *ValidationError) Unwrap() []error { return []error{e.Wrapped, ErrInvalidQuery} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

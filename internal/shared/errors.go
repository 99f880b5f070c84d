package shared

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict indicates the target is in a state that forbids the operation.
	ErrStateConflict = errors.New("state conflict")
	// ErrAllocationExhausted indicates the document numbering retry budget ran out.
	ErrAllocationExhausted = errors.New("sequence allocation exhausted")
	// ErrStorage indicates a transaction or infrastructure failure; nothing was committed.
	ErrStorage = errors.New("storage failure")
	// ErrUnauthorized indicates a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError carries per-field messages for bad input.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is reports ErrValidation so callers can match on the sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps an infrastructure failure with the failing operation.
type StorageError struct {
	Op  string
	Err error
}

// Storage wraps err as a StorageError. Nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both the sentinel and the cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrValidationFailed  = errors.New("validation failed")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrConcurrencyLimit  = errors.New("concurrent upload limit exceeded")
	ErrStorageFailure    = errors.New("storage failure")
	ErrIncompleteChunks  = errors.New("incomplete chunks")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrInvalidInput      = errors.New("invalid input")
)

type ValidationReason string

const (
	ReasonTooLarge        ValidationReason = "too_large"
	ReasonEmpty           ValidationReason = "empty"
	ReasonTypeNotAllowed  ValidationReason = "type_not_allowed"
	ReasonUndecodable     ValidationReason = "undecodable"
	ReasonDimensions      ValidationReason = "dimensions_exceeded"
	ReasonColorSpace      ValidationReason = "color_space_not_allowed"
	ReasonPageCount       ValidationReason = "page_count_exceeded"
	ReasonMalware         ValidationReason = "malware_detected"
	ReasonSizeMismatch    ValidationReason = "size_mismatch"
	ReasonStructureBroken ValidationReason = "structure_invalid"
)

// ValidationError is a non-retryable rejection of the uploaded content.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// NewValidationError builds a ValidationError with a formatted detail.
func NewValidationError(reason ValidationReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IncompleteChunksError lists the chunk indices that have not arrived yet.
type IncompleteChunksError struct {
	Received int
	Total    int
	Missing  []int
}

func (e *IncompleteChunksError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for i, idx := range e.Missing {
		if i == 16 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, strconv.Itoa(idx))
	}
	return fmt.Sprintf("incomplete chunks: received %d of %d, missing [%s]", e.Received, e.Total, strings.Join(parts, ","))
}

func (e *IncompleteChunksError) Unwrap() error { return ErrIncompleteChunks }

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline failure taxonomy. Only document-fatal
// errors cross the pipeline boundary; transient component errors are
// absorbed and translated into abstentions before they get here.
var (
	// ErrExtractorAbstention means both extractors produced zero fields.
	ErrExtractorAbstention = errors.New("both extractors abstained")
	// ErrVINValidation means no extractor produced a checksum-valid VIN.
	ErrVINValidation = errors.New("no checksum-valid VIN")
	// ErrDimensionMismatch means embedding length differs from the configured
	// dimension. A process-level configuration fault, not a per-document one.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrTimeout means the document exceeded its overall processing deadline.
	ErrTimeout = errors.New("document deadline exceeded")
	// ErrInvalidVIN means a VIN value failed format or checksum validation.
	ErrInvalidVIN = errors.New("invalid VIN")
	// ErrEmptyDocument means the submitted document had no content.
	ErrEmptyDocument = errors.New("empty document")
	// ErrYearOutOfRange means model year outside the accepted range.
	ErrYearOutOfRange = errors.New("year out of range")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// FatalError is a document-fatal pipeline outcome. It carries a
// human-readable reason and the partial extraction data so operators can
// diagnose without re-fetching the source PDF. The partial data is never
// persisted.
type FatalError struct {
	Reason  string
	State   DocState
	Partial []FieldExtraction
	Wrapped error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: %s (state=%s): %v", e.Reason, e.State, e.Wrapped)
}

func (e *FatalError) Unwrap() error { return e.Wrapped }

// NewFatal builds a FatalError around one of the sentinel errors above.
func NewFatal(sentinel error, state DocState, reason string, partial []FieldExtraction) *FatalError {
	return &FatalError{Reason: reason, State: state, Partial: partial, Wrapped: sentinel}
}

// IsFatal reports whether err is a document-fatal pipeline error.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

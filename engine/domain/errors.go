package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrInvalidVehicle  = errors.New("invalid vehicle")
	ErrYearOutOfRange  = errors.New("year out of range")
	ErrInvalidMileage  = errors.New("invalid mileage")
	ErrEmptyOBDCode    = errors.New("empty OBD code")
	ErrQueryTooShort   = errors.New("query too short")
	ErrEmptyMessage    = errors.New("empty message")
	ErrUnknownKind     = errors.New("unknown query kind")
	ErrVehicleNotFound = errors.New("vehicle not found")
)

// Dispatch outcome errors.
var (
	ErrAlreadyPending = errors.New("dispatch already pending")
	ErrStaleResponse  = errors.New("response discarded: context changed")
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

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// GatingReason says why a query was blocked before reaching the backend.
type GatingReason string

const (
	ReasonDocumentNotReady GatingReason = "document_not_ready"
	ReasonDocumentRequired GatingReason = "document_required"
	ReasonInvalidInput     GatingReason = "invalid_input"
)

// GatingError blocks a query before any network call. It is always
// recoverable by the user: wait, (re-)upload the manual, or revise the input.
type GatingError struct {
	Reason GatingReason
	Kind   QueryKind
	Err    error
}

func (e *GatingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gating: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("gating: %s: %s", e.Kind, e.Reason)
}

func (e *GatingError) Unwrap() error { return e.Err }

// NewGatingError creates a GatingError.
func NewGatingError(kind QueryKind, reason GatingReason, err error) *GatingError {
	return &GatingError{Reason: reason, Kind: kind, Err: err}
}

// TransportError reports a failed invocation of a remote collaborator.
// It is not retried automatically.
type TransportError struct {
	Request string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Request, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a backend response in neither known shape.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
	}
	return "parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// GatingReasonOf returns the gating reason carried by err, if any.
func GatingReasonOf(err error) (GatingReason, bool) {
	var ge *GatingError
	if errors.As(err, &ge) {
		return ge.Reason, true
	}
	return "", false
}

package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrUnknownPack             = errors.New("unknown credit pack")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidAmount           = errors.New("invalid credit amount")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadata         = errors.New("invalid metadata")
	ErrInvalidPack             = errors.New("invalid credit pack")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrStoreUnavailable        = errors.New("store unavailable")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStoreError marks an infrastructure failure of a backing store. Errors wrapped this
// way match ErrStoreUnavailable, which is the signal Service uses to switch to its fallback.
func WrapStoreError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(operationStore, subject, code, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
}

// IsInvalidArgument reports whether err is a validation failure.
func IsInvalidArgument(err error) bool {
	for _, target := range []error{
		ErrInvalidUserID,
		ErrInvalidAmount,
		ErrInvalidReason,
		ErrInvalidIdempotencyKey,
		ErrInvalidMetadata,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StatusCode maps err to the HTTP status a caller should render.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidArgument(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrUnknownPack):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

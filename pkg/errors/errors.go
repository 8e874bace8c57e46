package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrConflict    = errors.New("resource conflict")
	ErrInternal    = errors.New("internal server error")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
)

// Stock error kinds
var (
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidReturnQuantity = errors.New("invalid return quantity")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrDuplicateBatch        = errors.New("duplicate batch")
	ErrBatchNotFound         = errors.New("batch not found")
	ErrOpnameLocked          = errors.New("product locked by stock opname")
	ErrInvalidTransition     = errors.New("invalid opname transition")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
	// Retryable marks errors the caller should resolve by re-reading and trying again
	Retryable bool `json:"retryable"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Unavailable(message string) *AppError {
	return &AppError{
		Err:        ErrUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// Stock error constructors

// InsufficientStock reports that the usable on-hand quantity cannot cover a request.
func InsufficientStock(productID string, requested, available int64) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", productID, requested, available),
		StatusCode: http.StatusUnprocessableEntity,
		Details: map[string]string{
			"product_id": productID,
			"requested":  fmt.Sprint(requested),
			"available":  fmt.Sprint(available),
		},
	}
}

// InvalidReturnQuantity reports a return exceeding the sold-and-not-yet-returned balance.
func InvalidReturnQuantity(reference, batchID string, requested, returnable int64) *AppError {
	return &AppError{
		Err:        ErrInvalidReturnQuantity,
		Code:       "INVALID_RETURN_QUANTITY",
		Message:    fmt.Sprintf("cannot return %d units of batch %s for %s: %d returnable", requested, batchID, reference, returnable),
		StatusCode: http.StatusUnprocessableEntity,
		Details: map[string]string{
			"reference_id": reference,
			"batch_id":     batchID,
			"requested":    fmt.Sprint(requested),
			"returnable":   fmt.Sprint(returnable),
		},
	}
}

// ConcurrencyConflict reports a stale version token at commit time.
func ConcurrencyConflict(batchID string) *AppError {
	e := &AppError{
		Err:        ErrConcurrencyConflict,
		Code:       "CONCURRENCY_CONFLICT",
		Message:    "stock changed since it was read, re-read and retry",
		StatusCode: http.StatusConflict,
		Retryable:  true,
	}
	if batchID != "" {
		e.Details = map[string]string{"batch_id": batchID}
	}
	return e
}

func DuplicateBatch(batchID string) *AppError {
	return &AppError{
		Err:        ErrDuplicateBatch,
		Code:       "DUPLICATE_BATCH",
		Message:    fmt.Sprintf("batch %s already exists", batchID),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"batch_id": batchID},
	}
}

func BatchNotFound(batchID string) *AppError {
	return &AppError{
		Err:        ErrBatchNotFound,
		Code:       "BATCH_NOT_FOUND",
		Message:    fmt.Sprintf("batch %s not found", batchID),
		StatusCode: http.StatusNotFound,
		Details:    map[string]string{"batch_id": batchID},
	}
}

// OpnameLocked reports a commit attempted against a product that is being counted.
func OpnameLocked(productID string) *AppError {
	return &AppError{
		Err:        ErrOpnameLocked,
		Code:       "OPNAME_LOCKED",
		Message:    fmt.Sprintf("product %s is locked by a stock opname in progress", productID),
		StatusCode: http.StatusLocked,
		Details:    map[string]string{"product_id": productID},
		Retryable:  true,
	}
}

func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Err:        ErrInvalidTransition,
		Code:       "INVALID_TRANSITION",
		Message:    fmt.Sprintf("opname session cannot move from %s to %s", from, to),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"from": from, "to": to},
	}
}

// IsRetryable reports whether err is a kind the caller should retry after a fresh read.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}

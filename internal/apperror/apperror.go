package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for status mapping and retry decisions.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindRateLimit   Kind = "rate_limit"
	KindGateway     Kind = "gateway"
	KindPersistence Kind = "persistence"
	KindInternal    Kind = "internal"
)

// Structured error codes returned to callers.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeOfferNotFound     = "OFFER_NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is the application error type. Message is safe to show to callers;
// Err carries the internal cause and is never serialized.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Transient bool
	Err       error

	// Set only for KindRateLimit.
	CurrentCount int
	Limit        int
	ResetsAt     time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Auth returns an UNAUTHORIZED error.
func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Code: CodeUnauthorized, Message: message, Err: err}
}

// Validation returns a VALIDATION_ERROR.
func Validation(message string, err error) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message, Err: err}
}

// NotFound returns an OFFER_NOT_FOUND error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeOfferNotFound, Message: message}
}

// RateLimit returns a RATE_LIMIT_EXCEEDED error for a venue window.
func RateLimit(current, limit int, resetsAt time.Time) *Error {
	return &Error{
		Kind:         KindRateLimit,
		Code:         CodeRateLimitExceeded,
		Message:      "venue daily send limit reached",
		CurrentCount: current,
		Limit:        limit,
		ResetsAt:     resetsAt,
	}
}

// Gateway returns a push gateway error. Transient errors are retry candidates.
func Gateway(transient bool, message string, err error) *Error {
	return &Error{Kind: KindGateway, Code: CodeInternal, Message: message, Transient: transient, Err: err}
}

// Persistence returns a storage error.
func Persistence(transient bool, message string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeInternal, Message: message, Transient: transient, Err: err}
}

// Internal returns an INTERNAL_ERROR.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// As extracts an *Error from err. Unclassified errors become internal errors.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == k
}

// IsTransient reports whether err is a transient gateway or persistence error.
func IsTransient(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Transient
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch As(err).Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

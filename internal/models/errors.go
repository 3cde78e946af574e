package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents malformed input (400)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuthentication represents authentication errors (401)
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeInsufficientCredit represents a business rejection, not a fault (402)
	ErrorTypeInsufficientCredit ErrorType = "insufficient_credit"
	// ErrorTypeNotFound represents resource not found errors (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeDuplicateEvent represents a benign duplicate delivery
	ErrorTypeDuplicateEvent ErrorType = "duplicate_event"
	// ErrorTypeUnknownAccount represents an event referencing no known account
	ErrorTypeUnknownAccount ErrorType = "unknown_account"
	// ErrorTypeLockTimeout represents a transient per-account lock wait expiry (503)
	ErrorTypeLockTimeout ErrorType = "lock_timeout"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeInsufficientCredit:
		return http.StatusPaymentRequired
	case ErrorTypeNotFound, ErrorTypeUnknownAccount:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsErrorType reports whether err is an AppError of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// NewInsufficientCreditError creates the business rejection returned when a
// debit would drive the balance negative.
func NewInsufficientCreditError(accountID string, balance, requested int64) *AppError {
	return &AppError{
		Type:       ErrorTypeInsufficientCredit,
		Message:    fmt.Sprintf("insufficient credits: balance=%d, requested=%d", balance, requested),
		Code:       "INSUFFICIENT_CREDIT",
		StatusCode: http.StatusPaymentRequired,
		Retryable:  false,
	}
}

// NewDuplicateEventError creates the benign error for an already-applied
// webhook event. Callers short-circuit and acknowledge the delivery.
func NewDuplicateEventError(eventID string) *AppError {
	return &AppError{
		Type:      ErrorTypeDuplicateEvent,
		Message:   fmt.Sprintf("event %s already processed", eventID),
		Code:      "DUPLICATE_EVENT",
		Retryable: false,
	}
}

// NewUnknownAccountError creates the error for events that reference no
// known account. Such events are parked for manual resolution, never dropped.
func NewUnknownAccountError(accountID string) *AppError {
	return &AppError{
		Type:      ErrorTypeUnknownAccount,
		Message:   fmt.Sprintf("unknown account %q", accountID),
		Code:      "UNKNOWN_ACCOUNT",
		Retryable: false,
	}
}

// NewLockTimeoutError creates the transient error for a per-account lock
// wait that exceeded its bound.
func NewLockTimeoutError(accountID string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeLockTimeout,
		Message:    fmt.Sprintf("timed out waiting for account %s lock", accountID),
		Code:       "LOCK_TIMEOUT",
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewMalformedPayloadError creates a permanent error for payloads that fail
// parsing or signature verification. Not retried.
func NewMalformedPayloadError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		Code:       "MALFORMED_PAYLOAD",
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewSubscriptionNotFoundError creates a permanent error for events that
// reference a subscription this service has never seen.
func NewSubscriptionNotFoundError(subscriptionID string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Message:   fmt.Sprintf("subscription %s not found", subscriptionID),
		Code:      "SUBSCRIPTION_NOT_FOUND",
		Retryable: false,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError() *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    "rate limit exceeded",
		Code:       "RATE_LIMIT_EXCEEDED",
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		// Return a copy without internal details
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
		}
	}

	return NewInternalError("an unexpected error occurred", err)
}

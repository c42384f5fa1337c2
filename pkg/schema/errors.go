package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyResolved      = "ALREADY_RESOLVED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodePublishFailed        = "PUBLISH_FAILED"
	ErrCodeAgentFailed          = "AGENT_FAILED"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeExpression           = "EXPRESSION_ERROR"
)

// OutreachError is the structured error type returned across package boundaries.
type OutreachError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OutreachError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OutreachError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an operation that failed with this error may be attempted again.
// Publish failures are retryable only when their details mark them so.
func (e *OutreachError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAgentFailed, ErrCodeStore:
		return true
	case ErrCodePublishFailed:
		retryable, _ := e.Details["retryable"].(bool)
		return retryable
	default:
		return false
	}
}

// NewError creates a new OutreachError.
func NewError(code, message string) *OutreachError {
	return &OutreachError{Code: code, Message: message}
}

// NewErrorf creates a new OutreachError with a formatted message.
func NewErrorf(code, format string, args ...any) *OutreachError {
	return &OutreachError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *OutreachError) WithStep(stepID string) *OutreachError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *OutreachError) WithCause(err error) *OutreachError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OutreachError) WithDetails(details map[string]any) *OutreachError {
	e.Details = details
	return e
}

// IsCode reports whether err is, or wraps, an OutreachError with the given code.
func IsCode(err error, code string) bool {
	var oe *OutreachError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

// CodeOf returns the code of the first OutreachError in err's chain, or "".
func CodeOf(err error) string {
	var oe *OutreachError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

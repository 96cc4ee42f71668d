package contracts

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible reason code.
type Code string

const (
	// Validation failures, surfaced synchronously and never retried
	CodeMalformedEnvelope           Code = "MALFORMED_ENVELOPE"
	CodeUnauthenticated             Code = "UNAUTHENTICATED"
	CodeUnknownOrInactiveSender     Code = "UNKNOWN_OR_INACTIVE_SENDER"
	CodeUnauthorizedFlow            Code = "UNAUTHORIZED_FLOW"
	CodeUnknownTarget               Code = "UNKNOWN_TARGET"
	CodeUnknownOrExpiredCorrelation Code = "UNKNOWN_OR_EXPIRED_CORRELATION"

	// Forwarding failures, logged only
	CodeForwardTimeout      Code = "FORWARD_TIMEOUT"
	CodeForwardRejected     Code = "FORWARD_REJECTED"
	CodeQueuePublishFailure Code = "QUEUE_PUBLISH_FAILURE"
	CodeRedeliveryExhausted Code = "REDELIVERY_EXHAUSTED"

	// Infrastructure failures on the synchronous path
	CodeCorrelationStoreFailure Code = "CORRELATION_STORE_FAILURE"
	CodeRegistryUnavailable     Code = "REGISTRY_UNAVAILABLE"
)

var (
	ErrMalformedEnvelope           = &Error{Code: CodeMalformedEnvelope}
	ErrUnauthenticated             = &Error{Code: CodeUnauthenticated}
	ErrUnknownOrInactiveSender     = &Error{Code: CodeUnknownOrInactiveSender}
	ErrUnauthorizedFlow            = &Error{Code: CodeUnauthorizedFlow}
	ErrUnknownTarget               = &Error{Code: CodeUnknownTarget}
	ErrUnknownOrExpiredCorrelation = &Error{Code: CodeUnknownOrExpiredCorrelation}
	ErrForwardTimeout              = &Error{Code: CodeForwardTimeout}
	ErrForwardRejected             = &Error{Code: CodeForwardRejected}
	ErrQueuePublishFailure         = &Error{Code: CodeQueuePublishFailure}
	ErrRedeliveryExhausted         = &Error{Code: CodeRedeliveryExhausted}
	ErrCorrelationStoreFailure     = &Error{Code: CodeCorrelationStoreFailure}
	ErrRegistryUnavailable         = &Error{Code: CodeRegistryUnavailable}
)

// Error is a gateway error carrying a reason code
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError creates an error with the given code and message
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an error with the given code wrapping a cause
func WrapError(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels above work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the reason code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ""
}

// IsValidation reports whether err is a validation rejection. Validation
// rejections are never retried.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeMalformedEnvelope,
		CodeUnauthenticated,
		CodeUnknownOrInactiveSender,
		CodeUnauthorizedFlow,
		CodeUnknownTarget,
		CodeUnknownOrExpiredCorrelation:
		return true
	}
	return false
}

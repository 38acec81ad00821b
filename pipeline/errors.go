package pipeline

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible error code.
type Code string

// Error codes surfaced to callers.
const (
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeScenarioNotFound Code = "SCENARIO_NOT_FOUND"
	CodeWorkflowNotFound Code = "WORKFLOW_NOT_FOUND"
	CodeUpstreamError    Code = "UPSTREAM_ERROR"
	CodeUpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is a request-level failure with a stable code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Coder is implemented by errors from other packages that map onto a Code.
type Coder interface {
	ErrorCode() Code
}

// CodeOf extracts the code carried by err, looking through wrapping.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return CodeInternal
}

// MessageOf returns the human-readable message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// DetailsOf returns structured details carried by err, or an empty map.
func DetailsOf(err error) map[string]any {
	var pe *Error
	if errors.As(err, &pe) && pe.Details != nil {
		return pe.Details
	}
	return map[string]any{}
}

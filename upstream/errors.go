package upstream

import (
	"errors"
	"fmt"

	"github.com/c360studio/examgate/pipeline"
)

// Kind classifies an upstream failure.
type Kind string

// Failure kinds.
const (
	KindTransport     Kind = "transport_error"
	KindTimeout       Kind = "timeout"
	KindHTTP          Kind = "upstream_http_error"
	KindMalformed     Kind = "malformed_response"
	KindCircuitOpen   Kind = "circuit_open"
	KindNotConfigured Kind = "not_configured"
)

// Error is a failed workflow run.
type Error struct {
	Kind       Kind
	WorkflowID string
	StatusCode int
	transient  bool
	err        error
}

func (e *Error) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("%s (workflow %s): %v", e.Kind, e.WorkflowID, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// ErrorCode maps the failure onto the caller-visible taxonomy.
func (e *Error) ErrorCode() pipeline.Code {
	if e.Kind == KindTimeout {
		return pipeline.CodeUpstreamTimeout
	}
	return pipeline.CodeUpstreamError
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(kind Kind, err error) error {
	return &Error{Kind: kind, transient: true, err: err}
}

// NewFatalError wraps err as a failure that must not be retried.
func NewFatalError(kind Kind, err error) error {
	return &Error{Kind: kind, err: err}
}

// IsTransient returns true if the error is transient and may be retried.
func IsTransient(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.transient
}

// IsFatal returns true if the error is an upstream failure that must not
// be retried.
func IsFatal(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && !ue.transient
}

// KindOf returns the failure kind, or an empty kind for foreign errors.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

func withWorkflow(err error, workflowID string) error {
	var ue *Error
	if errors.As(err, &ue) && ue.WorkflowID == "" {
		ue.WorkflowID = workflowID
	}
	return err
}

// NewCircuitOpenError reports a run rejected because the workflow's circuit
// is open.
func NewCircuitOpenError(workflowID string) error {
	return &Error{Kind: KindCircuitOpen, WorkflowID: workflowID, err: errors.New("circuit open")}
}

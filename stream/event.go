// Package stream fans out per-trace progress events to live subscribers.
//
// Each trace keeps only its most recent event. A subscriber that attaches
// late receives that snapshot and then every later event; there is no
// replay. A completed or error event is terminal: it closes every
// subscriber of the trace and further publishes for it are dropped.
package stream

import (
	"time"

	"github.com/c360studio/examgate/pipeline"
)

// Event types.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
	EventCompleted = "completed"
	EventError     = "error"
)

// CodeStreamTimeout is sent to connections closed by the sweeper.
const CodeStreamTimeout = "STREAM_TIMEOUT"

// Event is one message on a trace.
type Event struct {
	Type string
	Data any
}

// IsTerminal reports whether the event ends its trace.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

// Progress is the payload of a progress event.
type Progress struct {
	TraceID    string `json:"trace_id"`
	Stage      string `json:"stage"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SubType    string `json:"sub_type,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Pass       int    `json:"pass,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	TraceID string         `json:"trace_id"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Completed is the payload of a completed event.
type Completed struct {
	TraceID string           `json:"trace_id"`
	Result  *pipeline.Result `json:"result"`
}

// Heartbeat is the payload of a heartbeat event.
type Heartbeat struct {
	TraceID string `json:"trace_id"`
	TS      int64  `json:"ts"`
}

// NewProgress builds a progress event.
func NewProgress(p Progress) Event {
	return Event{Type: EventProgress, Data: p}
}

// NewCompleted builds a completed event carrying result.
func NewCompleted(traceID string, result *pipeline.Result) Event {
	return Event{Type: EventCompleted, Data: Completed{TraceID: traceID, Result: result}}
}

// NewError builds an error event.
func NewError(traceID, code, message string, details map[string]any) Event {
	return Event{Type: EventError, Data: ErrorPayload{TraceID: traceID, Code: code, Message: message, Details: details}}
}

func newHeartbeat(traceID string, now time.Time) Event {
	return Event{Type: EventHeartbeat, Data: Heartbeat{TraceID: traceID, TS: now.UnixMilli()}}
}

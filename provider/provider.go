// Package provider executes one orchestration pass against a workflow
// backend: the remote workflow executor or a deterministic offline stand-in.
package provider

import (
	"context"
	"time"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/router"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
)

// Provider names.
const (
	NameRemote  = "remote"
	NameOffline = "offline"
)

// Tags placed at the head of an offline result's model path.
const (
	TagOffline         = "router:offline"
	TagOfflineRetry    = "provider:offline-retry"
	TagOfflineFallback = "provider:offline-fallback"
)

// Submission is the execution context of one pass.
type Submission struct {
	TraceID        string
	Request        *pipeline.Request
	Spec           *scenario.Spec
	Policy         scenario.Policy
	Classification pipeline.Classification
	SubType        string
	WorkflowID     string
	PromptPlan     router.PromptPlan
	Knowledge      knowledge.Plan
	RetryIndex     int
	Threshold      float64

	// Timeout bounds the upstream call. Zero disables it.
	Timeout time.Duration

	// Tag labels offline results.
	Tag string
}

// Provider runs a submission and returns its unvalidated result.
type Provider interface {
	Name() string
	Submit(ctx context.Context, sub *Submission) (*pipeline.RawResult, error)
}

// Publisher receives progress events. *stream.Bus satisfies it.
type Publisher interface {
	Publish(traceID string, ev stream.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, stream.Event) {}

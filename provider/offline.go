package provider

import (
	"context"
	"math"
	"time"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/stream"
)

// DefaultStageDelay is the pause between offline progress stages.
const DefaultStageDelay = 120 * time.Millisecond

// OfflineAnswer is the answer every offline run produces.
const OfflineAnswer = "B"

type stage struct {
	name     string
	progress int
	message  string
}

var offlineStages = []stage{
	{"routing", 20, "sub_type routed"},
	{"retrieval", 45, "knowledge retrieved"},
	{"reasoning", 75, "reasoning"},
	{"postprocess", 95, "formatting answer"},
}

// Offline is a deterministic stand-in for the remote executor. It emits
// staged progress and answers without any network access.
type Offline struct {
	pub   Publisher
	delay time.Duration
}

// OfflineOption configures an Offline provider.
type OfflineOption func(*Offline)

// WithStageDelay sets the pause between progress stages.
func WithStageDelay(d time.Duration) OfflineOption {
	return func(o *Offline) {
		if d >= 0 {
			o.delay = d
		}
	}
}

// NewOffline creates an offline provider publishing progress to pub.
func NewOffline(pub Publisher, opts ...OfflineOption) *Offline {
	if pub == nil {
		pub = nopPublisher{}
	}
	o := &Offline{pub: pub, delay: DefaultStageDelay}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements Provider.
func (o *Offline) Name() string { return NameOffline }

// Submit implements Provider. It returns the context error if ctx ends
// between stages.
func (o *Offline) Submit(ctx context.Context, sub *Submission) (*pipeline.RawResult, error) {
	started := time.Now()
	subType := sub.SubType
	if subType == "" {
		subType = pipeline.SubTypeUnknown
	}

	o.publish(sub, subType, stage{"initializing", 5, "offline pipeline started"})
	for _, st := range offlineStages {
		if err := o.wait(ctx); err != nil {
			return nil, err
		}
		o.publish(sub, subType, st)
	}

	tag := sub.Tag
	if tag == "" {
		tag = TagOffline
	}
	return &pipeline.RawResult{
		SubType:      subType,
		Answer:       OfflineAnswer,
		Evidence:     []any{"offline solver selected option " + OfflineAnswer + " for sub_type " + subType},
		Confidence:   offlineConfidence(sub.Threshold, subType),
		KBHits:       knowledge.PlannedHits(sub.Knowledge),
		KBHitsSource: KBHitsSourcePlanned,
		ModelPath:    []string{tag, "solver:offline"},
		Outputs:      map[string]any{},
		Latency:      time.Since(started),
	}, nil
}

func (o *Offline) publish(sub *Submission, subType string, st stage) {
	o.pub.Publish(sub.TraceID, stream.NewProgress(stream.Progress{
		TraceID:    sub.TraceID,
		Stage:      st.name,
		Progress:   st.progress,
		Message:    st.message,
		Provider:   NameOffline,
		SubType:    subType,
		WorkflowID: sub.WorkflowID,
		Pass:       sub.RetryIndex + 1,
	}))
}

func (o *Offline) wait(ctx context.Context) error {
	if o.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// offlineConfidence lands just above the threshold, or just below it for
// unknown sub-types so that they still trigger a retry.
func offlineConfidence(threshold float64, subType string) float64 {
	c := threshold + 0.05
	if subType == pipeline.SubTypeUnknown {
		c = threshold - 0.04
	}
	return pipeline.Round2(math.Max(0.1, math.Min(0.99, c)))
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/router"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
	"github.com/c360studio/examgate/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []stream.Progress
}

func (p *recordingPublisher) Publish(_ string, ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok := ev.Data.(stream.Progress); ok {
		p.events = append(p.events, prog)
	}
}

func (p *recordingPublisher) stages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Stage
	}
	return out
}

func testSubmission() *Submission {
	return &Submission{
		TraceID: "trc_1",
		Request: &pipeline.Request{
			ScenarioID: "exam",
			Input: pipeline.Input{
				Text:   "下列图形中哪一个不同",
				Images: []pipeline.Image{{URL: "https://cdn.example.com/q.png"}, {URL: "not-a-url"}},
			},
			Context: pipeline.RequestContext{TenantID: "school_a"},
		},
		Spec: &scenario.Spec{
			ScenarioID:      "exam",
			WorkflowPrompts: map[string]string{"wf_figure": "focus on shapes"},
		},
		SubType:    "figure_reasoning",
		WorkflowID: "wf_figure",
		PromptPlan: router.PromptPlan{SubType: "figure_reasoning", DisplayName: "图形推理"},
		Knowledge: knowledge.Plan{
			Enabled: true,
			Mode:    "conditional",
			KBIDs:   []string{"kb_fig"},
			KBItems: []knowledge.PlanItem{{KBID: "kb_fig", KBVersion: "v3", Status: "active"}},
		},
		Threshold: 0.7,
		Timeout:   time.Second,
	}
}

func TestOffline_Submit(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewOffline(pub, WithStageDelay(0))

	sub := testSubmission()
	sub.Tag = TagOfflineFallback
	raw, err := p.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, []string{"initializing", "routing", "retrieval", "reasoning", "postprocess"}, pub.stages())
	assert.Equal(t, "B", raw.Answer)
	assert.Equal(t, 0.75, raw.Confidence)
	assert.Equal(t, []string{TagOfflineFallback, "solver:offline"}, raw.ModelPath)
	assert.Equal(t, KBHitsSourcePlanned, raw.KBHitsSource)
	require.Len(t, raw.KBHits, 1)
	assert.Equal(t, "kb_fig", raw.KBHits[0].KBID)
	assert.Equal(t, "v3", raw.KBHits[0].KBVersion)
	assert.Len(t, pipeline.EvidenceList(raw.Evidence), 1)
}

func TestOffline_Confidence(t *testing.T) {
	tests := []struct {
		threshold float64
		subType   string
		want      float64
	}{
		{0.7, "logic", 0.75},
		{0.7, pipeline.SubTypeUnknown, 0.66},
		{0.97, "logic", 0.99},
		{0.1, pipeline.SubTypeUnknown, 0.1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, offlineConfidence(tt.threshold, tt.subType), "%v/%s", tt.threshold, tt.subType)
	}
}

func TestOffline_Canceled(t *testing.T) {
	p := NewOffline(nil, WithStageDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Submit(ctx, testSubmission())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemote_Submit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body upstream.RunRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "examgate:school_a:trc_1", body.User)
		assert.Equal(t, "figure_reasoning", body.Inputs["sub_type"])
		assert.Equal(t, "focus on shapes", body.Inputs["prompt_override"])
		assert.Len(t, body.Files, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"status": "succeeded",
				"outputs": map[string]any{
					"answer":     "C",
					"evidence":   `["shape count differs"]`,
					"confidence": "0.83",
					"sub_type":   "figure_reasoning",
					"kb_hits":    []map[string]any{{"kb_id": "kb_fig", "chunk_id": "c9", "score": 0.7}},
				},
				"total_tokens": 120,
			},
		})
	}))
	defer server.Close()

	client := upstream.NewClient(server.URL, "key")
	p := NewRemote(client)
	raw, err := p.Submit(context.Background(), testSubmission())
	require.NoError(t, err)

	assert.Equal(t, "C", raw.Answer)
	assert.Equal(t, []string{"shape count differs"}, pipeline.EvidenceList(raw.Evidence))
	assert.Equal(t, "0.83", raw.Confidence)
	assert.Equal(t, KBHitsSourceWorkflow, raw.KBHitsSource)
	require.Len(t, raw.KBHits, 1)
	assert.Equal(t, "c9", raw.KBHits[0].ChunkID)
	assert.Equal(t, 120, raw.TokenOut)
	assert.Equal(t, []string{"provider:remote", "workflow:wf_figure"}, raw.ModelPath)
}

func TestParseOutputs_PlannedFallback(t *testing.T) {
	raw := parseOutputs(map[string]any{
		"result": map[string]any{"title": "x"},
		"reason": "because",
	}, testSubmission().Knowledge)

	assert.JSONEq(t, `{"title":"x"}`, raw.Answer)
	assert.Equal(t, []any{"because"}, raw.Evidence)
	assert.Equal(t, KBHitsSourcePlanned, raw.KBHitsSource)
	require.Len(t, raw.KBHits, 1)
	assert.Equal(t, "planned_1", raw.KBHits[0].ChunkID)
}

func TestRemote_NoWorkflow(t *testing.T) {
	sub := testSubmission()
	sub.WorkflowID = ""
	_, err := NewRemote(upstream.NewClient("http://unused", "k")).Submit(context.Background(), sub)
	assert.Equal(t, pipeline.CodeWorkflowNotFound, pipeline.CodeOf(err))
}

func TestRemote_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := upstream.NewClient(server.URL, "key", upstream.WithRetryConfig(upstream.RetryConfig{MaxAttempts: 1}))
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	p := NewRemote(client, WithBreaker(breaker))

	for range 2 {
		_, err := p.Submit(context.Background(), testSubmission())
		assert.Equal(t, upstream.KindHTTP, upstream.KindOf(err))
	}
	_, err := p.Submit(context.Background(), testSubmission())
	assert.Equal(t, upstream.KindCircuitOpen, upstream.KindOf(err))
	assert.Equal(t, pipeline.CodeUpstreamError, pipeline.CodeOf(err))
	assert.Equal(t, int32(2), calls.Load())

	state := breaker.State("wf_figure")
	require.NotNil(t, state)
	assert.True(t, state.CircuitOpen)
	assert.Equal(t, 2, state.FailureCount)
}

func TestBreaker_HalfOpen(t *testing.T) {
	now := time.Unix(1_000, 0)
	b := NewBreaker(DefaultBreakerConfig())
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow("wf"))
	for range 3 {
		b.MarkFailure("wf")
	}
	assert.False(t, b.Allow("wf"))

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("wf"))

	b.MarkSuccess("wf")
	state := b.State("wf")
	assert.False(t, state.CircuitOpen)
	assert.Zero(t, state.FailureCount)
	assert.Len(t, b.States(), 1)

	b.Reset("wf")
	assert.Nil(t, b.State("wf"))
}

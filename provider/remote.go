package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/upstream"
)

// KBHitsSourceWorkflow marks hits reported by the workflow itself.
const KBHitsSourceWorkflow = "workflow"

// KBHitsSourcePlanned marks hits synthesized from the knowledge plan.
const KBHitsSourcePlanned = "planned_fallback"

// Runner executes a workflow run. *upstream.Client satisfies it.
type Runner interface {
	Run(ctx context.Context, workflowID string, req upstream.RunRequest, timeout time.Duration) (*upstream.RunResponse, error)
}

// Remote runs passes on the remote workflow executor.
type Remote struct {
	runner  Runner
	breaker *Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithBreaker guards runs with a per-workflow circuit breaker.
func WithBreaker(b *Breaker) RemoteOption {
	return func(r *Remote) {
		r.breaker = b
	}
}

// WithTimeout sets the configured upstream timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemote creates a remote provider.
func NewRemote(runner Runner, opts ...RemoteOption) *Remote {
	r := &Remote{
		runner:  runner,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Provider.
func (r *Remote) Name() string { return NameRemote }

// Timeout returns the configured upstream timeout.
func (r *Remote) Timeout() time.Duration { return r.timeout }

// Breaker returns the circuit breaker, or nil.
func (r *Remote) Breaker() *Breaker { return r.breaker }

// Submit implements Provider.
func (r *Remote) Submit(ctx context.Context, sub *Submission) (*pipeline.RawResult, error) {
	if sub.WorkflowID == "" {
		return nil, pipeline.NewError(pipeline.CodeWorkflowNotFound, "no workflow bound for sub_type %q", sub.SubType)
	}
	if r.breaker != nil && !r.breaker.Allow(sub.WorkflowID) {
		return nil, upstream.NewCircuitOpenError(sub.WorkflowID)
	}

	started := time.Now()
	resp, err := r.runner.Run(ctx, sub.WorkflowID, buildRunRequest(sub), sub.Timeout)
	if err != nil {
		if r.breaker != nil && countsAsFailure(err) {
			r.breaker.MarkFailure(sub.WorkflowID)
		}
		r.logger.Warn("Workflow run failed",
			"trace_id", sub.TraceID,
			"workflow_id", sub.WorkflowID,
			"kind", upstream.KindOf(err),
			"error", err)
		return nil, err
	}
	if r.breaker != nil {
		r.breaker.MarkSuccess(sub.WorkflowID)
	}

	raw := parseOutputs(resp.Data.Outputs, sub.Knowledge)
	raw.Latency = time.Since(started)
	raw.ModelPath = []string{"provider:remote", "workflow:" + sub.WorkflowID}
	if raw.TokenIn == 0 && raw.TokenOut == 0 {
		raw.TokenOut = resp.Data.TotalTokens
	}
	return raw, nil
}

// countsAsFailure reports whether err reflects the workflow's health.
// Missing configuration does not.
func countsAsFailure(err error) bool {
	switch upstream.KindOf(err) {
	case upstream.KindNotConfigured, upstream.KindCircuitOpen, "":
		return false
	}
	return true
}

func userTag(sub *Submission) string {
	tenant := "anonymous"
	if sub.Request != nil && sub.Request.Context.TenantID != "" {
		tenant = sub.Request.Context.TenantID
	}
	return fmt.Sprintf("examgate:%s:%s", tenant, sub.TraceID)
}

func buildRunRequest(sub *Submission) upstream.RunRequest {
	var (
		input      any
		ctxPayload any = map[string]any{}
		options    any = map[string]any{}
		files          = []pipeline.File{}
		scenarioID string
		profile    any = map[string]any{}
		override   any
	)
	if sub.Request != nil {
		input = sub.Request.Input
		ctxPayload = sub.Request.Context
		options = sub.Request.Options
		files = pipeline.RemoteFiles(sub.Request.Input.Images)
	}
	if sub.Spec != nil {
		scenarioID = sub.Spec.ScenarioID
		if p, ok := sub.Spec.Profile(sub.SubType); ok {
			profile = p
		}
		if prompt, ok := sub.Spec.WorkflowPrompts[sub.WorkflowID]; ok && strings.TrimSpace(prompt) != "" {
			override = prompt
		}
	}

	return upstream.RunRequest{
		Inputs: map[string]any{
			"scenario_id":      scenarioID,
			"sub_type":         sub.SubType,
			"sub_type_profile": profile,
			"prompt_plan":      sub.PromptPlan,
			"workflow_hint":    sub.WorkflowID,
			"prompt_override":  override,
			"kb_plan":          sub.Knowledge,
			"input":            input,
			"images":           files,
			"context":          ctxPayload,
			"options":          options,
			"policy":           sub.Policy,
			"trace_id":         sub.TraceID,
			"retry_index":      sub.RetryIndex,
		},
		ResponseMode: "blocking",
		User:         userTag(sub),
		Files:        files,
	}
}

// parseOutputs maps workflow outputs onto a RawResult. Validation happens
// later; this only normalizes shapes.
func parseOutputs(outputs map[string]any, plan knowledge.Plan) *pipeline.RawResult {
	raw := &pipeline.RawResult{
		Outputs:    outputs,
		Answer:     answerOf(outputs),
		Evidence:   evidenceOf(outputs),
		Confidence: outputs["confidence"],
		TokenIn:    intOf(outputs["token_in"]),
		TokenOut:   intOf(outputs["token_out"]),
	}
	if s, ok := outputs["sub_type"].(string); ok {
		raw.SubType = strings.TrimSpace(s)
	}

	hits, ok := kbHitsOf(outputs["kb_hits"])
	if !ok {
		raw.KBHits = knowledge.PlannedHits(plan)
		raw.KBHitsSource = KBHitsSourcePlanned
		return raw
	}
	raw.KBHits = hits
	raw.KBHitsSource = KBHitsSourceWorkflow
	if s, ok := outputs["kb_hits_source"].(string); ok && strings.TrimSpace(s) != "" {
		raw.KBHitsSource = strings.TrimSpace(s)
	}
	return raw
}

func answerOf(outputs map[string]any) string {
	for _, key := range []string{"answer", "result", "output", "text"} {
		switch v := outputs[key].(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		default:
			// Structured answers are validated as JSON.
			if data, err := json.Marshal(v); err == nil {
				return string(data)
			}
		}
	}
	return ""
}

func evidenceOf(outputs map[string]any) any {
	switch v := outputs["evidence"].(type) {
	case []any:
		return v
	case string:
		var list []any
		if err := json.Unmarshal([]byte(v), &list); err == nil {
			return list
		}
		if strings.TrimSpace(v) != "" {
			return []any{v}
		}
	}
	if reason, ok := outputs["reason"].(string); ok && strings.TrimSpace(reason) != "" {
		return []any{reason}
	}
	return []any{}
}

// kbHitsOf decodes reported hits. It reports false when the workflow did
// not report any.
func kbHitsOf(v any) ([]pipeline.KBHit, bool) {
	var data []byte
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		data = []byte(t)
	default:
		var err error
		if data, err = json.Marshal(t); err != nil {
			return nil, false
		}
	}

	var hits []pipeline.KBHit
	if err := json.Unmarshal(data, &hits); err != nil {
		return nil, false
	}
	out := hits[:0]
	for _, h := range hits {
		if h.KBID = strings.TrimSpace(h.KBID); h.KBID != "" {
			out = append(out, h)
		}
	}
	return out, true
}

func intOf(v any) int {
	f, ok := pipeline.ParseConfidence(v)
	if !ok || f < 0 {
		return 0
	}
	return int(f)
}

// Package orchestrator runs the per-request inference state machine:
// classify, route, plan knowledge, execute, validate, then return, retry or
// fall back, all under the request's latency budget.
//
// Fallback precedence on a provider failure is fixed: one pass against the
// scenario's fallback workflow (if configured and not yet used), then the
// offline provider. A failed fallback-workflow pass goes straight to the
// offline provider within the same failure handling and is never retried.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/provider"
	"github.com/c360studio/examgate/router"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
	"github.com/c360studio/examgate/upstream"
	"github.com/c360studio/examgate/validator"
)

// TracerName is the instrumentation scope of orchestrator spans.
const TracerName = "github.com/c360studio/examgate/orchestrator"

// Budget limits.
const (
	// MinRemaining is the budget below which no further pass is started
	// once a result exists.
	MinRemaining = 900 * time.Millisecond

	// MinPassTimeout floors the per-pass upstream timeout.
	MinPassTimeout = 800 * time.Millisecond
)

// State is a step of the per-request state machine.
type State string

// States.
const (
	StateInit                  State = "INIT"
	StateClassify              State = "CLASSIFY"
	StateRoute                 State = "ROUTE"
	StatePlanKnowledge         State = "PLAN_KNOWLEDGE"
	StateExecute               State = "EXECUTE"
	StateValidate              State = "VALIDATE"
	StateRetrySame             State = "RETRY_SAME"
	StateRetryFallbackWorkflow State = "RETRY_FALLBACK_WORKFLOW"
	StateFallbackProvider      State = "FALLBACK_PROVIDER"
	StateReturn                State = "RETURN"
)

// Pass outcomes reported to the Observer.
const (
	OutcomeAccepted         = "accepted"
	OutcomeValidationFailed = "validation_failed"
	OutcomeError            = "error"
)

// Fallback kinds reported to the Observer.
const (
	FallbackQualityWorkflow = "quality_workflow"
	FallbackWorkflow        = "workflow"
	FallbackOffline         = "offline"
)

// Observer receives pass and fallback counts. *metrics.Metrics satisfies it.
type Observer interface {
	ObservePass(subType, outcome string)
	ObserveFallback(kind string)
}

// Config tunes the engine.
type Config struct {
	// Env selects the KB mapping environment layer and labels records.
	Env string

	// FallbackToOffline degrades remote failures to the offline provider.
	FallbackToOffline bool

	// DisableTimeout removes the per-pass upstream timeout.
	DisableTimeout bool

	// UpstreamTimeout is used when the remote provider reports none.
	UpstreamTimeout time.Duration
}

// Engine executes requests. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	classifier *router.Classifier
	resolver   *knowledge.Resolver
	remote     provider.Provider
	offline    provider.Provider
	pub        provider.Publisher
	retrieval  RetrievalLogger
	observer   Observer
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemote sets the remote provider.
func WithRemote(p provider.Provider) Option {
	return func(e *Engine) { e.remote = p }
}

// WithOffline sets the offline provider. Defaults to provider.NewOffline
// publishing to the engine's publisher.
func WithOffline(p provider.Provider) Option {
	return func(e *Engine) { e.offline = p }
}

// WithPublisher sets where progress events go.
func WithPublisher(p provider.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithRetrievalLogger sets where retrieval records go.
func WithRetrievalLogger(l RetrievalLogger) Option {
	return func(e *Engine) { e.retrieval = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(classifier *router.Classifier, resolver *knowledge.Resolver, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		classifier: classifier,
		resolver:   resolver,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     otel.Tracer(TracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = router.NewClassifier(router.DefaultConfig(), router.WithLogger(e.logger))
	}
	if e.resolver == nil {
		e.resolver = &knowledge.Resolver{Env: cfg.Env}
	}
	if e.pub == nil {
		e.pub = discard{}
	}
	if e.offline == nil {
		e.offline = provider.NewOffline(e.pub)
	}
	return e
}

type discard struct{}

func (discard) Publish(string, stream.Event) {}

// Run executes req against spec under policy and returns the single result
// of the request.
func (e *Engine) Run(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec, policy scenario.Policy) (*pipeline.Result, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("scenario_id", spec.ScenarioID),
		attribute.String("quality_tier", policy.QualityTier),
		attribute.Int("latency_budget_ms", policy.TotalLatencyBudgetMS),
	))
	defer span.End()

	budget := time.Duration(policy.TotalLatencyBudgetMS) * time.Millisecond
	if budget <= 0 {
		budget = scenario.DefaultTotalLatencyMS * time.Millisecond
	}
	r := &run{
		e:          e,
		span:       span,
		traceID:    traceID,
		req:        req,
		spec:       spec,
		policy:     policy,
		started:    e.now(),
		primary:    e.primaryFor(spec),
		fallbackID: strings.TrimSpace(spec.WorkflowBinding.FallbackWorkflowID),
	}
	r.deadline = r.started.Add(budget)
	r.to(StateInit)

	res, err := r.loop(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, pipeline.MessageOf(err))
		e.logger.Warn("Pipeline failed",
			"trace_id", traceID,
			"scenario_id", spec.ScenarioID,
			"passes", r.passes,
			"error", err)
		return nil, err
	}

	res.Metrics.LatencyMS = e.now().Sub(r.started).Milliseconds()
	res.Debug.Passes = r.passes
	span.SetAttributes(
		attribute.String("sub_type", res.SubType),
		attribute.Float64("confidence", res.Result.Confidence),
		attribute.Int("passes", r.passes),
	)
	return res, nil
}

func (e *Engine) primaryFor(spec *scenario.Spec) provider.Provider {
	if spec.WorkflowBinding.IsRemote() {
		if e.remote != nil {
			return e.remote
		}
		return unconfiguredRemote{}
	}
	return e.offline
}

// unconfiguredRemote stands in for a remote provider that was never set up,
// so that remote scenarios still take the fallback path.
type unconfiguredRemote struct{}

func (unconfiguredRemote) Name() string { return provider.NameRemote }

func (unconfiguredRemote) Submit(context.Context, *provider.Submission) (*pipeline.RawResult, error) {
	return nil, upstream.NewFatalError(upstream.KindNotConfigured, fmt.Errorf("remote provider not configured"))
}

// passContext is the execution context of one pass.
type passContext struct {
	cls        pipeline.Classification
	subType    string
	workflowID string
	profile    *scenario.Profile
	prompt     router.PromptPlan
	resolution knowledge.Resolution
	retryIndex int
}

// run is the state of one request.
type run struct {
	e       *Engine
	span    trace.Span
	traceID string
	req     *pipeline.Request
	spec    *scenario.Spec
	policy  scenario.Policy
	primary provider.Provider

	started  time.Time
	deadline time.Time

	state         State
	best          *pipeline.Result
	retryIndex    int
	passes        int
	cached        *pipeline.Classification
	fallbackID    string
	fallbackTried bool
	override      string
}

func (r *run) to(s State) {
	r.state = s
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(s))))
}

func (r *run) remaining() time.Duration {
	return r.deadline.Sub(r.e.now())
}

func (r *run) loop(ctx context.Context) (*pipeline.Result, error) {
	for {
		if r.best != nil && r.remaining() < MinRemaining {
			r.progress("budget_exhausted", 92, fmt.Sprintf(
				"latency budget nearly exhausted, returning best effort (remaining_ms=%d)",
				max(0, r.remaining().Milliseconds())), nil)
			r.to(StateReturn)
			return r.best, nil
		}

		pass := r.buildPass(ctx)
		if r.override != "" {
			pass.workflowID = r.override
			r.override = ""
		}
		retry := DeriveRetryPolicy(r.spec, r.policy, pass.subType, pass.cls.Confidence)

		stage, pct := "routing", 15
		if r.retryIndex > 0 {
			stage, pct = "quality_retry", 18+3*r.retryIndex
		}
		r.progress(stage, pct, fmt.Sprintf("provider=%s, sub_type=%s, workflow=%s, pass=%d",
			r.primary.Name(), pass.subType, orDefault(pass.workflowID, "default"), r.retryIndex+1), pass)

		r.logPlan(ctx, pass, retry)

		tag := provider.TagOffline
		if r.retryIndex > 0 {
			tag = provider.TagOfflineRetry
		}
		raw, err := r.execute(ctx, r.primary, pass, tag)
		if err != nil {
			return r.recover(ctx, pass, err)
		}

		r.to(StateValidate)
		outcome := validator.Validate(r.spec, pass.subType, raw)
		if !outcome.OK {
			r.progress("output_validation_failed", 88, "validation failed: "+outcome.Reason, nil)
			r.observePass(pass.subType, OutcomeValidationFailed)
			if r.policy.StrictOutputValidation && retry.RetryOnValidationFail && r.retryIndex < retry.MaxRetries {
				r.to(StateRetrySame)
				r.retryIndex++
				continue
			}
		} else {
			r.observePass(pass.subType, OutcomeAccepted)
		}

		res := r.buildResult(pass, r.primary.Name(), raw, outcome)
		if r.best == nil || res.Result.Confidence >= r.best.Result.Confidence {
			r.best = res
		}
		r.attachDiff(ctx, pass, res)

		r.e.logger.Debug("Pipeline pass completed",
			"trace_id", r.traceID,
			"scenario_id", r.spec.ScenarioID,
			"sub_type", pass.subType,
			"workflow_id", pass.workflowID,
			"pass", r.retryIndex+1,
			"confidence", res.Result.Confidence,
			"threshold", retry.ConfidenceThreshold)

		if !retry.ShouldRetry(res.Result.Confidence, r.retryIndex) || r.remaining() < MinRemaining {
			r.to(StateReturn)
			return r.best, nil
		}

		if retry.RetryMode == scenario.RetryFallbackWorkflow && r.fallbackID != "" &&
			!r.fallbackTried && pass.workflowID != r.fallbackID {
			r.override = r.fallbackID
			r.fallbackTried = true
			r.progress("quality_retry_fallback_workflow", 23,
				"low confidence, retry with fallback workflow: "+r.fallbackID, nil)
			r.observeFallback(FallbackQualityWorkflow)
			r.to(StateRetryFallbackWorkflow)
		} else {
			r.to(StateRetrySame)
		}
		r.retryIndex++
	}
}

// recover handles a failed primary pass.
func (r *run) recover(ctx context.Context, pass *passContext, cause error) (*pipeline.Result, error) {
	if ctx.Err() != nil {
		return nil, cause
	}
	if r.primary.Name() != provider.NameRemote || !r.e.cfg.FallbackToOffline {
		return nil, cause
	}
	if pipeline.CodeOf(cause) == pipeline.CodeWorkflowNotFound {
		return nil, cause
	}

	message := cause.Error()
	r.to(StateFallbackProvider)

	if r.fallbackID != "" && !r.fallbackTried {
		r.fallbackTried = true
		r.progress("fallback_workflow", 28,
			"primary workflow failed, trying fallback workflow: "+r.fallbackID, nil)
		r.observeFallback(FallbackWorkflow)

		fb := *pass
		fb.workflowID = r.fallbackID
		raw, err := r.execute(ctx, r.primary, &fb, "")
		if err == nil {
			r.to(StateReturn)
			return r.finish(ctx, &fb, r.primary.Name(), raw), nil
		}
		r.e.logger.Warn("Fallback workflow failed",
			"trace_id", r.traceID,
			"workflow_id", r.fallbackID,
			"error", err)
	}

	r.progress("fallback_offline", 25, "remote provider unavailable, fallback to offline: "+message, nil)
	r.observeFallback(FallbackOffline)

	raw, err := r.execute(ctx, r.e.offline, pass, provider.TagOfflineFallback)
	if err != nil {
		return nil, cause
	}
	res := r.finish(ctx, pass, r.e.offline.Name(), raw)
	res.Debug.FallbackReason = message
	r.to(StateReturn)
	return res, nil
}

// finish validates a fallback result and accepts it either way.
func (r *run) finish(ctx context.Context, pass *passContext, providerName string, raw *pipeline.RawResult) *pipeline.Result {
	r.to(StateValidate)
	outcome := validator.Validate(r.spec, pass.subType, raw)
	if outcome.OK {
		r.observePass(pass.subType, OutcomeAccepted)
	} else {
		r.observePass(pass.subType, OutcomeValidationFailed)
	}
	res := r.buildResult(pass, providerName, raw, outcome)
	r.attachDiff(ctx, pass, res)
	return res
}

func (r *run) buildPass(ctx context.Context) *passContext {
	if r.e.classifier.Delegates(r.req, r.cached, r.retryIndex) {
		r.progress("subtype_classifying", 12, "classifying sub_type", nil)
	}
	r.to(StateClassify)
	cls := r.e.classifier.Classify(ctx, r.traceID, r.req, r.spec, r.cached, r.retryIndex)
	if r.cached == nil {
		c := cls
		r.cached = &c
	}

	r.to(StateRoute)
	pass := &passContext{
		cls:        cls,
		subType:    cls.SubType,
		workflowID: router.ResolveWorkflowID(r.spec, cls.SubType),
		prompt:     router.BuildPromptPlan(r.spec, cls.SubType),
		retryIndex: r.retryIndex,
	}
	if p, ok := r.spec.Profile(cls.SubType); ok {
		pass.profile = &p
	}

	r.to(StatePlanKnowledge)
	pass.resolution = r.e.resolver.Resolve(r.spec, cls.SubType, r.req.Context.TenantID)
	return pass
}

// passTimeout is min(configured timeout, remaining budget) floored at
// MinPassTimeout, or zero when timeouts are disabled.
func (r *run) passTimeout(p provider.Provider) time.Duration {
	if r.e.cfg.DisableTimeout {
		return 0
	}
	remaining := max(MinPassTimeout, r.remaining())
	base := r.e.cfg.UpstreamTimeout
	if t, ok := p.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		base = t.Timeout()
	}
	if base <= 0 {
		return remaining
	}
	return min(base, remaining)
}

func (r *run) execute(ctx context.Context, p provider.Provider, pass *passContext, tag string) (*pipeline.RawResult, error) {
	r.to(StateExecute)
	r.passes++

	ctx, span := r.e.tracer.Start(ctx, "orchestrator.pass", trace.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("sub_type", pass.subType),
		attribute.String("workflow_id", pass.workflowID),
		attribute.Int("pass", r.passes),
	))
	defer span.End()

	raw, err := p.Submit(ctx, &provider.Submission{
		TraceID:        r.traceID,
		Request:        r.req,
		Spec:           r.spec,
		Policy:         r.policy,
		Classification: pass.cls,
		SubType:        pass.subType,
		WorkflowID:     pass.workflowID,
		PromptPlan:     pass.prompt,
		Knowledge:      pass.resolution.Plan,
		RetryIndex:     pass.retryIndex,
		Threshold:      r.policy.ConfidenceThreshold,
		Timeout:        r.passTimeout(p),
		Tag:            tag,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, pipeline.MessageOf(err))
		span.SetAttributes(attribute.String("outcome", OutcomeError))
		r.observePass(pass.subType, OutcomeError)
		return nil, err
	}
	conf, _ := pipeline.ParseConfidence(raw.Confidence)
	span.SetAttributes(
		attribute.String("outcome", "ok"),
		attribute.Float64("confidence", conf),
	)
	return raw, nil
}

func (r *run) buildResult(pass *passContext, providerName string, raw *pipeline.RawResult, outcome validator.Outcome) *pipeline.Result {
	answer, subType := outcome.Answer, outcome.SubType
	var validationErrors []string
	if !outcome.OK {
		answer = pipeline.AcceptRaw(raw)
		subType = pass.subType
		validationErrors = []string{outcome.Reason}
	}

	return &pipeline.Result{
		TraceID:    r.traceID,
		ScenarioID: r.spec.ScenarioID,
		WorkflowID: pass.workflowID,
		SubType:    subType,
		Status:     pipeline.StatusCompleted,
		Classifier: pass.cls,
		Result:     answer,
		Metrics: pipeline.Metrics{
			TokenIn:  raw.TokenIn,
			TokenOut: raw.TokenOut,
		},
		Debug: pipeline.Debug{
			Provider:     providerName,
			ModelPath:    append([]string{}, raw.ModelPath...),
			KBHits:       raw.KBHits,
			KBHitsSource: raw.KBHitsSource,
			Route: &pipeline.Route{
				SubType:    pass.subType,
				WorkflowID: pass.workflowID,
				RetryIndex: pass.retryIndex,
				Classifier: pass.cls,
				Knowledge:  pass.resolution.Plan.Summary(),
			},
			OutputValidation: outcome.Info,
			ValidationErrors: validationErrors,
		},
	}
}

func (r *run) attachDiff(ctx context.Context, pass *passContext, res *pipeline.Result) {
	diff := ComputeKBDiff(pass.resolution.Plan, res.Debug.KBHits, res.Debug.KBHitsSource)
	res.Debug.KBPlanActualDiff = diff
	r.logOutcome(ctx, pass, res.Debug.Provider, diff)
}

func (r *run) progress(stage string, pct int, message string, pass *passContext) {
	p := stream.Progress{
		TraceID:  r.traceID,
		Stage:    stage,
		Progress: pct,
		Message:  message,
	}
	if pass != nil {
		p.Provider = r.primary.Name()
		p.SubType = pass.subType
		p.WorkflowID = pass.workflowID
		p.Pass = pass.retryIndex + 1
	}
	r.e.pub.Publish(r.traceID, stream.NewProgress(p))
}

func (r *run) logPlan(ctx context.Context, pass *passContext, retry RetryPolicy) {
	plan := pass.resolution.Plan
	if r.e.retrieval == nil || !shouldLogPlan(plan) {
		return
	}
	rec := RetrievalPlanRecord{
		Event:           EventRetrievalPlan,
		TraceID:         r.traceID,
		ScenarioID:      r.spec.ScenarioID,
		ScenarioVersion: r.spec.Version,
		Env:             r.env(),
		TenantID:        r.req.Context.TenantID,
		SubType:         pass.subType,
		RetryIndex:      pass.retryIndex,
		WorkflowID:      pass.workflowID,
		SubTypeProfile:  pass.profile,
		PromptPlan:      pass.prompt,
		RetryMode:       retry.RetryMode,
		Provider:        r.primary.Name(),
		Mode:            plan.Mode,
		KBItems:         plan.KBItems,
		RequestedKBIDs:  nonNil(plan.RequestedOrPlanned()),
		DroppedKBIDs:    nonNil(plan.DroppedKBIDs),
		TopK:            plan.TopK,
		Rerank:          plan.Rerank,
		MaxContextChars: plan.MaxContextChars,
		KBRegistry:      pass.resolution.Registry,
		KBMapping:       pass.resolution.Mapping,
	}
	if rec.KBItems == nil {
		rec.KBItems = []knowledge.PlanItem{}
	}
	r.appendRetrieval(ctx, EventRetrievalPlan, rec)
}

func (r *run) logOutcome(ctx context.Context, pass *passContext, providerName string, diff *pipeline.KBDiff) {
	if r.e.retrieval == nil {
		return
	}
	r.appendRetrieval(ctx, EventRetrievalOutcome, RetrievalOutcomeRecord{
		Event:      EventRetrievalOutcome,
		TraceID:    r.traceID,
		ScenarioID: r.spec.ScenarioID,
		Env:        r.env(),
		TenantID:   r.req.Context.TenantID,
		SubType:    pass.subType,
		RetryIndex: pass.retryIndex,
		WorkflowID: pass.workflowID,
		Provider:   providerName,
		KBDiff:     diff,
	})
}

func (r *run) appendRetrieval(ctx context.Context, event string, rec any) {
	// Records outlive a canceled request.
	ctx = context.WithoutCancel(ctx)
	if err := r.e.retrieval.AppendRetrieval(ctx, r.traceID, event, rec); err != nil {
		r.e.logger.Warn("Failed to record retrieval event",
			"trace_id", r.traceID,
			"event", event,
			"error", err)
	}
}

func (r *run) env() string {
	return orDefault(r.e.cfg.Env, "dev")
}

func (r *run) observePass(subType, outcome string) {
	if r.e.observer != nil {
		r.e.observer.ObservePass(subType, outcome)
	}
}

func (r *run) observeFallback(kind string) {
	if r.e.observer != nil {
		r.e.observer.ObserveFallback(kind)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/c360studio/examgate/audit"
	"github.com/c360studio/examgate/metrics"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
)

// readObject reads a size-limited JSON object body.
func (s *Server) readObject(w http.ResponseWriter, r *http.Request) ([]byte, map[string]any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, pipeline.NewError(pipeline.CodeInvalidInput, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, nil, pipeline.WrapError(pipeline.CodeInvalidInput, "failed to read request body", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, pipeline.WrapError(pipeline.CodeInvalidInput, "request body is not valid JSON", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, nil, pipeline.NewError(pipeline.CodeInvalidInput, "request body must be a JSON object")
	}
	return data, obj, nil
}

// inferRun is one admitted inference request.
type inferRun struct {
	traceID string
	req     *pipeline.Request
	spec    *scenario.Spec
	policy  scenario.Policy
}

// handleInfer handles POST /v1/infer.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFrom(r.Context())

	data, body, err := s.readObject(w, r)
	if err != nil {
		s.rejectInfer(w, r, "", err)
		return
	}

	scenarioID, _ := body["scenario_id"].(string)
	spec, ok := s.scenarios.Get(scenarioID)
	if !ok {
		s.rejectInfer(w, r, scenarioID, pipeline.NewError(pipeline.CodeScenarioNotFound, "scenario not found: %s", scenarioID))
		return
	}
	if !spec.IsEnabled() {
		s.rejectInfer(w, r, scenarioID, pipeline.NewError(pipeline.CodeForbidden, "scenario disabled: %s", scenarioID))
		return
	}
	spec = s.overrides.Apply(spec)

	if err := s.validators.validateInfer(body, spec); err != nil {
		s.rejectInfer(w, r, scenarioID, err)
		return
	}

	var req pipeline.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.rejectInfer(w, r, scenarioID, pipeline.WrapError(pipeline.CodeInvalidInput, "malformed request body", err))
		return
	}
	if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); tenant != "" {
		req.Context.TenantID = tenant
	}

	// A reused trace id starts a new run. One that is still running is
	// refused so the two runs' events cannot mix.
	if err := s.bus.Reset(traceID); err != nil {
		s.rejectInfer(w, r, scenarioID, pipeline.WrapError(pipeline.CodeInvalidInput, "trace id is already in progress: "+traceID, err))
		return
	}

	policy := scenario.DerivePolicy(req.Options, spec)
	ip := clientIP(r)
	trace := audit.Trace{
		TraceID:    traceID,
		ScenarioID: scenarioID,
		TenantID:   req.Context.TenantID,
		ClientIP:   redact(ip),
		RequestMeta: &audit.RequestMeta{
			Stream:          req.Options.Stream,
			QualityTier:     policy.QualityTier,
			LatencyBudgetMS: policy.TotalLatencyBudgetMS,
			HasImages:       req.Input.HasImages(),
			HasText:         req.Input.HasText(),
		},
		Policy: &policy,
	}
	if err := s.store.RecordProcessing(r.Context(), trace); err != nil {
		s.logger.Error("Failed to record trace", "trace_id", traceID, "error", err)
	}

	run := inferRun{traceID: traceID, req: &req, spec: spec, policy: policy}

	if req.Options.Stream {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			_, _ = s.execute(s.runCtx, run)
		}()

		s.logger.Info("Inference accepted",
			"trace_id", traceID,
			"scenario_id", scenarioID,
			"tenant_id", req.Context.TenantID,
			"client_ip", redact(ip))
		s.writeSuccess(w, r, map[string]any{
			"trace_id":    traceID,
			"status":      audit.StatusProcessing,
			"stream_url":  "/v1/infer/stream/" + traceID,
			"scenario_id": scenarioID,
			"policy":      policy,
		})
		return
	}

	result, err := s.execute(r.Context(), run)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSuccess(w, r, result)
}

func (s *Server) rejectInfer(w http.ResponseWriter, r *http.Request, scenarioID string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveInfer(scenarioID, metrics.InferFailed, 0)
	}
	s.writeError(w, r, err)
}

// execute runs the pipeline and settles the trace: the outcome is stored,
// counted and published as the trace's terminal event.
func (s *Server) execute(ctx context.Context, run inferRun) (*pipeline.Result, error) {
	started := s.now()
	result, err := s.engine.Run(ctx, run.traceID, run.req, run.spec, run.policy)
	latency := s.now().Sub(started)

	// The outcome is stored even when the caller has gone away.
	storeCtx := context.WithoutCancel(ctx)
	scenarioID := run.spec.ScenarioID

	if err != nil {
		info := audit.ErrorInfo{
			Code:    string(pipeline.CodeOf(err)),
			Message: pipeline.MessageOf(err),
			Details: pipeline.DetailsOf(err),
		}
		s.bus.Publish(run.traceID, stream.NewError(run.traceID, info.Code, info.Message, info.Details))
		if serr := s.store.Fail(storeCtx, run.traceID, info, latency); serr != nil {
			s.logger.Error("Failed to store trace error", "trace_id", run.traceID, "error", serr)
		}
		if s.metrics != nil {
			s.metrics.ObserveInfer(scenarioID, metrics.InferFailed, latency)
		}
		s.logger.Warn("Inference failed",
			"trace_id", run.traceID,
			"scenario_id", scenarioID,
			"code", info.Code,
			"error", err)
		return nil, err
	}

	if serr := s.store.Complete(storeCtx, run.traceID, result, latency); serr != nil {
		s.logger.Error("Failed to store trace result", "trace_id", run.traceID, "error", serr)
	}
	s.bus.Publish(run.traceID, stream.NewCompleted(run.traceID, result))
	if s.metrics != nil {
		s.metrics.ObserveInfer(scenarioID, metrics.InferSuccess, latency)
	}
	s.logger.Info("Inference completed",
		"trace_id", run.traceID,
		"scenario_id", scenarioID,
		"tenant_id", run.req.Context.TenantID,
		"latency_ms", latency.Milliseconds())
	return result, nil
}

// handleStream handles GET /v1/infer/stream/{trace_id}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")

	// A completed trace the bus has already forgotten is served from the
	// store.
	if _, ok := s.bus.Latest(traceID); !ok {
		if t, err := s.store.Get(r.Context(), traceID); err == nil && t.Status == audit.StatusCompleted && t.Result != nil {
			s.bus.Publish(traceID, stream.NewCompleted(traceID, t.Result))
		}
	}

	if err := s.streams.Serve(w, r, traceID); err != nil {
		if s.metrics != nil && pipeline.CodeOf(err) == pipeline.CodeCapacityExceeded {
			s.metrics.StreamRejected()
		}
		s.writeError(w, r, err)
	}
}

// handleTrace handles GET /v1/traces/{trace_id}.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")

	t, err := s.store.Get(r.Context(), traceID)
	if errors.Is(err, audit.ErrNotFound) {
		s.writeError(w, r, pipeline.NewError(pipeline.CodeNotFound, "trace not found: %s", traceID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to load trace", "trace_id", traceID, "error", err)
		s.writeError(w, r, pipeline.WrapError(pipeline.CodeInternal, "failed to load trace", err))
		return
	}

	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	if tenant != "" && t.TenantID != "" && tenant != t.TenantID {
		s.writeError(w, r, pipeline.NewError(pipeline.CodeForbidden, "trace is not accessible for this tenant"))
		return
	}
	s.writeSuccess(w, r, map[string]any{"trace": t})
}

// handleFeedback handles POST /v1/feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	data, body, err := s.readObject(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validators.validateFeedback(body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req feedbackRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(w, r, pipeline.WrapError(pipeline.CodeInvalidInput, "malformed feedback body", err))
		return
	}

	fb := audit.Feedback{
		TraceID:    req.TraceID,
		ScenarioID: req.ScenarioID,
		TenantID:   strings.TrimSpace(r.Header.Get("X-Tenant-Id")),
		Label:      req.Feedback.Label,
		Score:      req.Feedback.Score,
		Comment:    req.Feedback.Comment,
		Operator:   req.Operator,
		At:         s.now(),
	}
	if err := s.store.AddFeedback(r.Context(), fb); err != nil {
		s.logger.Error("Failed to store feedback", "trace_id", req.TraceID, "error", err)
		s.writeError(w, r, pipeline.WrapError(pipeline.CodeInternal, "failed to store feedback", err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveFeedback(fb.Label)
	}
	s.writeSuccess(w, r, map[string]any{"accepted": true})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := s.scenarios.IDs()
	health := map[string]any{
		"status":         "ok",
		"env":            s.cfg.Env,
		"scenario_count": len(ids),
		"scenarios":      ids,
		"stream":         s.bus.Stats(),
		"upstream": map[string]any{
			"enabled":             s.cfg.UpstreamEnabled,
			"base_url_configured": s.cfg.BaseURLConfigured,
			"fallback_to_offline": s.cfg.FallbackToOffline,
		},
	}
	if s.knowledge != nil {
		health["knowledge"] = map[string]any{
			"kb_registry": s.knowledge.Info(),
			"kb_mappings": map[string]any{"scenarios": s.knowledge.ScenarioIDs()},
		}
	}
	s.writeSuccess(w, r, health)
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.handleNotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, pipeline.NewError(pipeline.CodeNotFound, "route not found"))
}

// clientIP returns the first X-Forwarded-For entry, else the remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); strings.TrimSpace(xff) != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// redact masks all but the ends of v.
func redact(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", v[:2], v[len(v)-2:])
}

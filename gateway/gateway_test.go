package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/c360studio/examgate/audit"
	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/metrics"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	lastReq *pipeline.Request
	release chan struct{}
	err     error
}

func (e *fakeEngine) Run(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec, policy scenario.Policy) (*pipeline.Result, error) {
	e.mu.Lock()
	e.calls++
	e.lastReq = req
	e.mu.Unlock()

	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &pipeline.Result{
		TraceID:    traceID,
		ScenarioID: spec.ScenarioID,
		SubType:    "logic",
		Status:     pipeline.StatusCompleted,
		Result:     pipeline.Answer{Answer: "B", Evidence: []string{"rule 1"}, Confidence: 0.9},
	}, nil
}

type fakeKnowledge struct{}

func (fakeKnowledge) Info() knowledge.RegistryInfo {
	return knowledge.RegistryInfo{Version: "v3", Count: 2}
}

func (fakeKnowledge) ScenarioIDs() []string { return []string{"exam_qa"} }

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *audit.Store
	bus     *stream.Bus
	engine  *fakeEngine
}

func newTestEnv(t *testing.T, engine *fakeEngine, opts ...Option) *testEnv {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := stream.NewBus(stream.Config{Heartbeat: 20 * time.Millisecond, MaxConnections: 1})
	disabled := false
	specs := scenario.Static{
		"exam_qa": {
			ScenarioID: "exam_qa",
			InputSchema: scenario.InputSchema{
				AllowText:      true,
				AllowImages:    true,
				MaxImages:      2,
				RequiredFields: []string{"text"},
			},
		},
		"retired": {ScenarioID: "retired", Enabled: &disabled},
	}

	srv := New(Config{Env: "test", MaxRequestBytes: 4096, UpstreamEnabled: true}, specs, engine, store, bus, opts...)
	return &testEnv{srv: srv, handler: srv.Handler(), store: store, bus: bus, engine: engine}
}

type response struct {
	Success   bool            `json:"success"`
	TraceID   string          `json:"trace_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *errorBody      `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestInfer_Sync(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})

	rec, resp := env.do(t, http.MethodPost, "/v1/infer",
		`{"scenario_id":"exam_qa","input":{"text":"Which figure comes next?"},"context":{"tenant_id":"t-body"}}`,
		map[string]string{"X-Trace-Id": "  trc_fixed  ", "X-Tenant-Id": "t-header", "X-Forwarded-For": "203.0.113.42, 10.0.0.1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "trc_fixed", resp.TraceID)
	assert.Equal(t, "trc_fixed", rec.Header().Get("X-Trace-Id"))

	var result pipeline.Result
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "B", result.Result.Answer)
	assert.Equal(t, "t-header", env.engine.lastReq.Context.TenantID)

	trace, err := env.store.Get(context.Background(), "trc_fixed")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, trace.Status)
	assert.Equal(t, "t-header", trace.TenantID)
	assert.Equal(t, "20***42", trace.ClientIP)
	require.NotNil(t, trace.RequestMeta)
	assert.True(t, trace.RequestMeta.HasText)
	assert.False(t, trace.RequestMeta.Stream)

	ev, ok := env.bus.Latest("trc_fixed")
	require.True(t, ok)
	assert.Equal(t, stream.EventCompleted, ev.Type)
}

func TestInfer_GeneratesTraceID(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})

	long := strings.Repeat("x", maxTraceIDLength+1)
	_, resp := env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`,
		map[string]string{"X-Trace-Id": long})
	assert.True(t, strings.HasPrefix(resp.TraceID, "trc_"))
	assert.NotEqual(t, long, resp.TraceID)
}

func TestInfer_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   pipeline.Code
	}{
		{"not an object", `[1,2]`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"unknown scenario", `{"scenario_id":"nope","input":{}}`, http.StatusNotFound, pipeline.CodeScenarioNotFound},
		{"missing scenario", `{"input":{}}`, http.StatusNotFound, pipeline.CodeScenarioNotFound},
		{"disabled scenario", `{"scenario_id":"retired","input":{}}`, http.StatusForbidden, pipeline.CodeForbidden},
		{"missing input", `{"scenario_id":"exam_qa"}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"missing required field", `{"scenario_id":"exam_qa","input":{"images":["http://x/a.png"]}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"attachments not allowed", `{"scenario_id":"exam_qa","input":{"text":"q","attachments":["a"]}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"too many images", `{"scenario_id":"exam_qa","input":{"text":"q","images":["a","b","c"]}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"bad quality tier", `{"scenario_id":"exam_qa","input":{"text":"q"},"options":{"quality_tier":"best"}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"budget out of range", `{"scenario_id":"exam_qa","input":{"text":"q"},"options":{"latency_budget_ms":50}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
		{"body too large", `{"scenario_id":"exam_qa","input":{"text":"` + strings.Repeat("a", 5000) + `"}}`, http.StatusBadRequest, pipeline.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeEngine{})
			rec, resp := env.do(t, http.MethodPost, "/v1/infer", tt.body, nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.NotNil(t, resp.Error.Details)
			assert.Zero(t, env.engine.calls)
		})
	}
}

func TestInfer_ValidationDetails(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})

	_, resp := env.do(t, http.MethodPost, "/v1/infer",
		`{"scenario_id":"exam_qa","input":{"text":42,"attachments":["a"]},"options":{"stream":"yes"}}`, nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, "input.attachments is not allowed for this scenario", resp.Error.Message)
	errs, ok := resp.Error.Details["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 3)

	var fields []string
	for _, e := range errs {
		fields = append(fields, e.(map[string]any)["field"].(string))
	}
	assert.Equal(t, []string{"input.attachments", "input.text", "options.stream"}, fields)
}

func TestValidators_Infer(t *testing.T) {
	v := newValidators()
	spec := &scenario.Spec{
		ScenarioID: "exam_qa",
		Version:    "3",
		InputSchema: scenario.InputSchema{
			AllowText:     true,
			AllowImages:   true,
			MaxTextLength: 4,
		},
	}

	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{"valid", `{"scenario_id":"exam_qa","input":{"text":"图形推理","images":["http://x/a.png",{"url":"http://x/b.png"}]}}`, nil},
		{"text counts characters", `{"scenario_id":"exam_qa","input":{"text":"图形推理题"}}`, []string{"input.text"}},
		{"empty image", `{"scenario_id":"exam_qa","input":{"images":["",7]}}`, []string{"input.images[0]", "input.images[1]"}},
		{"fractional budget", `{"scenario_id":"exam_qa","input":{},"options":{"latency_budget_ms":150.5}}`, []string{"options.latency_budget_ms"}},
		{"context types", `{"scenario_id":"exam_qa","input":{},"context":{"tenant_id":7}}`, []string{"context.tenant_id"}},
		{"missing everything", `{}`, []string{"input", "scenario_id"}},
		{"unknown fields ignored", `{"scenario_id":"exam_qa","input":{"extra":1},"extra":true}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := jsonschema.UnmarshalJSON(strings.NewReader(tt.body))
			require.NoError(t, err)

			err = v.validateInfer(body.(map[string]any), spec)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, pipeline.CodeInvalidInput, pipeline.CodeOf(err))
			var fields []string
			for _, fe := range pipeline.DetailsOf(err)["errors"].([]FieldError) {
				fields = append(fields, fe.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}

	// Compiled input schemas are reused per scenario version.
	assert.Len(t, v.inputs, 1)
	spec.Version = "4"
	require.NoError(t, v.validateInfer(map[string]any{"scenario_id": "exam_qa", "input": map[string]any{}}, spec))
	assert.Len(t, v.inputs, 2)
}

func TestFieldPath(t *testing.T) {
	assert.Equal(t, "body", fieldPath(nil))
	assert.Equal(t, "input.images[2]", fieldPath([]string{"input", "images", "2"}))
	assert.Equal(t, "options.stream", fieldPath([]string{"options", "stream"}))
}

func TestInfer_UpstreamFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"timeout", pipeline.NewError(pipeline.CodeUpstreamTimeout, "workflow timed out"), http.StatusGatewayTimeout},
		{"upstream", pipeline.NewError(pipeline.CodeUpstreamError, "workflow failed"), http.StatusBadGateway},
		{"workflow missing", pipeline.NewError(pipeline.CodeWorkflowNotFound, "no workflow"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeEngine{err: tt.err})
			rec, resp := env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`,
				map[string]string{"X-Trace-Id": "trc_fail"})

			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(pipeline.CodeOf(tt.err)), resp.Error.Code)

			trace, err := env.store.Get(context.Background(), "trc_fail")
			require.NoError(t, err)
			assert.Equal(t, audit.StatusError, trace.Status)
			require.NotNil(t, trace.Error)
			assert.Equal(t, resp.Error.Code, trace.Error.Code)

			ev, ok := env.bus.Latest("trc_fail")
			require.True(t, ok)
			assert.Equal(t, stream.EventError, ev.Type)
		})
	}
}

func TestInfer_ReusedTraceIDStartsNewRun(t *testing.T) {
	engine := &fakeEngine{}
	env := newTestEnv(t, engine)
	body := `{"scenario_id":"exam_qa","input":{"text":"q"}}`
	header := map[string]string{"X-Trace-Id": "trc_reuse"}

	rec, _ := env.do(t, http.MethodPost, "/v1/infer", body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	ev, ok := env.bus.Latest("trc_reuse")
	require.True(t, ok)
	require.Equal(t, stream.EventCompleted, ev.Type)

	engine.err = pipeline.NewError(pipeline.CodeUpstreamError, "workflow failed")
	rec, resp := env.do(t, http.MethodPost, "/v1/infer", body, header)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, resp.Error)

	trace, err := env.store.Get(context.Background(), "trc_reuse")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusError, trace.Status)

	ev, ok = env.bus.Latest("trc_reuse")
	require.True(t, ok)
	assert.Equal(t, stream.EventError, ev.Type)
	assert.Equal(t, 2, engine.calls)
}

func TestInfer_TraceIDInProgressRejected(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	env.bus.Publish("trc_busy", stream.NewProgress(stream.Progress{TraceID: "trc_busy", Stage: "routing", Progress: 15}))

	rec, resp := env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`,
		map[string]string{"X-Trace-Id": "trc_busy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(pipeline.CodeInvalidInput), resp.Error.Code)
	assert.Zero(t, env.engine.calls)

	ev, ok := env.bus.Latest("trc_busy")
	require.True(t, ok)
	assert.Equal(t, stream.EventProgress, ev.Type)
}

func TestInfer_StreamRunsInBackground(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	env := newTestEnv(t, engine)

	rec, resp := env.do(t, http.MethodPost, "/v1/infer",
		`{"scenario_id":"exam_qa","input":{"text":"q"},"options":{"stream":true,"quality_tier":"strict"}}`,
		map[string]string{"X-Trace-Id": "trc_bg"})
	require.Equal(t, http.StatusOK, rec.Code)

	var accepted struct {
		TraceID    string          `json:"trace_id"`
		Status     string          `json:"status"`
		StreamURL  string          `json:"stream_url"`
		ScenarioID string          `json:"scenario_id"`
		Policy     scenario.Policy `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &accepted))
	assert.Equal(t, "processing", accepted.Status)
	assert.Equal(t, "/v1/infer/stream/trc_bg", accepted.StreamURL)
	assert.Equal(t, "exam_qa", accepted.ScenarioID)
	assert.Equal(t, scenario.TierStrict, accepted.Policy.QualityTier)

	trace, err := env.store.Get(context.Background(), "trc_bg")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusProcessing, trace.Status)

	close(engine.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Drain(ctx))

	trace, err = env.store.Get(context.Background(), "trc_bg")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, trace.Status)
	require.NotNil(t, trace.Result)
	assert.Equal(t, "B", trace.Result.Result.Answer)

	ev, ok := env.bus.Latest("trc_bg")
	require.True(t, ok)
	assert.Equal(t, stream.EventCompleted, ev.Type)
}

func TestInfer_TraceIDClaimedBeforeFirstEvent(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	env := newTestEnv(t, engine)
	header := map[string]string{"X-Trace-Id": "trc_claim"}

	rec, _ := env.do(t, http.MethodPost, "/v1/infer",
		`{"scenario_id":"exam_qa","input":{"text":"q"},"options":{"stream":true}}`, header)
	require.Equal(t, http.StatusOK, rec.Code)

	// The background run has not published anything yet.
	rec, resp := env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(pipeline.CodeInvalidInput), resp.Error.Code)

	close(engine.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Drain(ctx))

	rec, _ = env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`, header)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDrain_CancelsOnDeadline(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	env := newTestEnv(t, engine)

	env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"},"options":{"stream":true}}`,
		map[string]string{"X-Trace-Id": "trc_stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.srv.Drain(ctx), context.DeadlineExceeded)

	trace, err := env.store.Get(context.Background(), "trc_stuck")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusError, trace.Status)
}

func readEvents(t *testing.T, body io.Reader, until string) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			if name == stream.EventHeartbeat {
				continue
			}
			events = append(events, name)
			if name == until {
				break
			}
		}
	}
	return events
}

func TestStream_CompletedTraceFromStore(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	ctx := context.Background()
	require.NoError(t, env.store.RecordProcessing(ctx, audit.Trace{TraceID: "trc_done", ScenarioID: "exam_qa"}))
	require.NoError(t, env.store.Complete(ctx, "trc_done", &pipeline.Result{TraceID: "trc_done", Status: pipeline.StatusCompleted}, time.Second))

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/infer/stream/trc_done")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "retry: 3000\n\n"))
	assert.Equal(t, []string{"connected", "completed"}, readEvents(t, strings.NewReader(string(body)), ""))
}

func TestStream_CapacityExceeded(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, WithMetrics(metrics.New("")))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	first, err := http.Get(ts.URL + "/v1/infer/stream/trc_live")
	require.NoError(t, err)
	defer first.Body.Close()
	require.Eventually(t, func() bool { return env.bus.Stats().ActiveConnections == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := http.Get(ts.URL + "/v1/infer/stream/trc_live")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)

	var resp response
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(pipeline.CodeCapacityExceeded), resp.Error.Code)

	// Connections are counted when they attach, not when they end.
	rec, _ := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), "examgate_stream_connections_total 1")
	assert.Contains(t, rec.Body.String(), "examgate_stream_rejected_total 1")

	env.bus.Publish("trc_live", stream.NewError("trc_live", "UPSTREAM_ERROR", "boom", nil))
	assert.Equal(t, []string{"connected", "error"}, readEvents(t, first.Body, "error"))
}

func TestTraceQuery(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	require.NoError(t, env.store.RecordProcessing(context.Background(), audit.Trace{TraceID: "trc_q", ScenarioID: "exam_qa", TenantID: "acme"}))

	rec, resp := env.do(t, http.MethodGet, "/v1/traces/trc_q", "", map[string]string{"X-Tenant-Id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Trace audit.Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "exam_qa", data.Trace.ScenarioID)
	assert.Equal(t, audit.StatusProcessing, data.Trace.Status)

	rec, _ = env.do(t, http.MethodGet, "/v1/traces/trc_q", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/v1/traces/trc_q", "", map[string]string{"X-Tenant-Id": "other"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(pipeline.CodeForbidden), resp.Error.Code)

	rec, resp = env.do(t, http.MethodGet, "/v1/traces/trc_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(pipeline.CodeNotFound), resp.Error.Code)
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, WithMetrics(metrics.New("")))
	require.NoError(t, env.store.RecordProcessing(context.Background(), audit.Trace{TraceID: "trc_fb", ScenarioID: "exam_qa"}))

	rec, resp := env.do(t, http.MethodPost, "/v1/feedback",
		`{"trace_id":"trc_fb","feedback":{"label":"incorrect","score":1.5,"comment":"wrong figure"},"operator":{"user_id":"op-1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, string(resp.Data))

	trace, err := env.store.Get(context.Background(), "trc_fb")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusProcessing, trace.Status)
	require.Len(t, trace.Feedback, 1)
	assert.Equal(t, "incorrect", trace.Feedback[0].Label)
	require.NotNil(t, trace.Feedback[0].Score)
	assert.Equal(t, 1.5, *trace.Feedback[0].Score)
	assert.Equal(t, "op-1", trace.Feedback[0].Operator["user_id"])
}

func TestFeedback_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing trace id", `{"feedback":{"label":"correct"}}`, "trace_id"},
		{"missing feedback", `{"trace_id":"trc_1"}`, "feedback"},
		{"unknown label", `{"trace_id":"trc_1","feedback":{"label":"meh"}}`, "feedback.label"},
		{"score out of range", `{"trace_id":"trc_1","feedback":{"label":"correct","score":7}}`, "feedback.score"},
		{"comment too long", `{"trace_id":"trc_1","feedback":{"label":"correct","comment":"` + strings.Repeat("c", MaxCommentLength+1) + `"}}`, "feedback.comment"},
		{"operator not object", `{"trace_id":"trc_1","feedback":{"label":"correct"},"operator":"op"}`, "operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeEngine{})
			env.srv.cfg.MaxRequestBytes = 1 << 20
			rec, resp := env.do(t, http.MethodPost, "/v1/feedback", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(pipeline.CodeInvalidInput), resp.Error.Code)
			assert.True(t, strings.HasPrefix(resp.Error.Message, tt.field+" "), resp.Error.Message)
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, WithKnowledge(fakeKnowledge{}))

	rec, resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status        string       `json:"status"`
		Env           string       `json:"env"`
		ScenarioCount int          `json:"scenario_count"`
		Scenarios     []string     `json:"scenarios"`
		Stream        stream.Stats `json:"stream"`
		Upstream      struct {
			Enabled           bool `json:"enabled"`
			BaseURLConfigured bool `json:"base_url_configured"`
		} `json:"upstream"`
		Knowledge struct {
			KBRegistry knowledge.RegistryInfo `json:"kb_registry"`
			KBMappings struct {
				Scenarios []string `json:"scenarios"`
			} `json:"kb_mappings"`
		} `json:"knowledge"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Env)
	assert.Equal(t, 2, health.ScenarioCount)
	assert.Equal(t, []string{"exam_qa", "retired"}, health.Scenarios)
	assert.Equal(t, 1, health.Stream.MaxConnections)
	assert.True(t, health.Upstream.Enabled)
	assert.False(t, health.Upstream.BaseURLConfigured)
	assert.Equal(t, "v3", health.Knowledge.KBRegistry.Version)
	assert.Equal(t, []string{"exam_qa"}, health.Knowledge.KBMappings.Scenarios)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	rec, resp := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", resp.Error.Message)

	env = newTestEnv(t, &fakeEngine{}, WithMetrics(metrics.New("")))
	env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"exam_qa","input":{"text":"q"}}`, nil)
	env.do(t, http.MethodPost, "/v1/infer", `{"scenario_id":"nope","input":{}}`, nil)

	rec, _ = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `examgate_infer_total{outcome="success",scenario_id="exam_qa"} 1`)
	assert.Contains(t, body, `examgate_infer_total{outcome="failed",scenario_id="nope"} 1`)
	assert.Contains(t, body, `route="/v1/infer"`)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	rec, resp := env.do(t, http.MethodGet, "/v2/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.NotEmpty(t, resp.TraceID)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", redact(""))
	assert.Equal(t, "***", redact("10.0.0.1"))
	assert.Equal(t, "19***01", redact("192.168.100.101"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.2")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(pipeline.CodeInvalidInput))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(pipeline.CodeCapacityExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(pipeline.CodeUpstreamTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusFor(pipeline.CodeInternal))
	assert.Equal(t, http.StatusInternalServerError, statusFor("SOMETHING_ELSE"))
}

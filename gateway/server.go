// Package gateway exposes the inference pipeline over HTTP.
//
// Every response carries an envelope with the request's trace id. Inference
// runs either synchronously or in the background with progress delivered
// over the trace's event stream; either way exactly one terminal event is
// published and the outcome is written to the trace store.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/examgate/audit"
	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/metrics"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
)

// DefaultMaxRequestBytes caps request bodies when Config leaves it unset.
const DefaultMaxRequestBytes = 2 << 20

// Engine runs one request through the pipeline.
type Engine interface {
	Run(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec, policy scenario.Policy) (*pipeline.Result, error)
}

// TraceStore persists trace records and feedback.
type TraceStore interface {
	RecordProcessing(ctx context.Context, t audit.Trace) error
	Complete(ctx context.Context, traceID string, result *pipeline.Result, latency time.Duration) error
	Fail(ctx context.Context, traceID string, info audit.ErrorInfo, latency time.Duration) error
	AddFeedback(ctx context.Context, f audit.Feedback) error
	Get(ctx context.Context, traceID string) (*audit.Trace, error)
}

// Catalog lists the loaded scenarios.
type Catalog interface {
	scenario.Provider
	IDs() []string
}

// KnowledgeStatus reports knowledge registry and mapping state for /health.
type KnowledgeStatus interface {
	Info() knowledge.RegistryInfo
	ScenarioIDs() []string
}

// Config holds the values the gateway reports and enforces.
type Config struct {
	Env               string
	MaxRequestBytes   int64
	UpstreamEnabled   bool
	BaseURLConfigured bool
	FallbackToOffline bool
}

// Server serves the gateway API.
type Server struct {
	cfg        Config
	scenarios  Catalog
	overrides  scenario.OverrideProvider
	engine     Engine
	store      TraceStore
	bus        *stream.Bus
	streams    *stream.Handler
	validators *validators
	knowledge  KnowledgeStatus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	// Background runs outlive their request but not the server.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOverrides sets the runtime scenario overrides.
func WithOverrides(o scenario.OverrideProvider) Option {
	return func(s *Server) {
		if o != nil {
			s.overrides = o
		}
	}
}

// WithKnowledge reports knowledge state on /health.
func WithKnowledge(k KnowledgeStatus) Option {
	return func(s *Server) {
		s.knowledge = k
	}
}

// WithMetrics records request metrics and serves /metrics. Without it
// /metrics answers 404.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a server.
func New(cfg Config, scenarios Catalog, engine Engine, store TraceStore, bus *stream.Bus, opts ...Option) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	s := &Server{
		cfg:        cfg,
		scenarios:  scenarios,
		overrides:  scenario.NoOverrides{},
		engine:     engine,
		store:      store,
		bus:        bus,
		validators: newValidators(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streams = stream.NewHandler(bus, s.logger, stream.WithOnConnect(func(string) {
		if s.metrics != nil {
			s.metrics.StreamConnected()
		}
	}))
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// RegisterHTTPHandlers registers the gateway endpoints on mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/infer", s.handleInfer)
	mux.HandleFunc("GET /v1/infer/stream/{trace_id}", s.handleStream)
	mux.HandleFunc("GET /v1/traces/{trace_id}", s.handleTrace)
	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the full gateway handler with trace ids and request
// metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)
	return s.instrument(mux)
}

// Drain waits for background runs to finish. When ctx ends first the
// remaining runs are cancelled and Drain returns ctx's error once they
// have stopped.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		return ctx.Err()
	}
}

type traceKey struct{}

// traceIDFrom returns the trace id instrument attached to ctx.
func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := normalizeTraceID(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = newTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), traceKey{}, traceID))
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			route := r.Pattern
			if idx := strings.IndexByte(route, ' '); idx >= 0 {
				route = route[idx+1:]
			}
			s.metrics.ObserveHTTP(route, r.Method, rec.status)
		}
	})
}

// statusRecorder captures the response status. It keeps Flush and Unwrap
// reachable so event streams work through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

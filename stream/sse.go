package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/examgate/pipeline"
)

// ClientRetryMS is the reconnect hint sent to SSE clients.
const ClientRetryMS = 3000

// sseWriteTimeout bounds a single write to a slow client.
const sseWriteTimeout = 5 * time.Second

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("stream sink closed")

// SSESink writes events to an HTTP response in Server-Sent Events format.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	closed  bool
	eventID uint64
}

// NewSSESink prepares w for streaming. It fails if w cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &SSESink{w: w, rc: http.NewResponseController(w), flusher: flusher}, nil
}

// Open writes the SSE headers, the retry hint and the connected event.
func (s *SSESink) Open(traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	s.w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", ClientRetryMS); err != nil {
		return fmt.Errorf("write retry hint: %w", err)
	}
	return s.write(Event{Type: EventConnected, Data: map[string]string{"trace_id": traceID}})
}

// Send implements Sink.
func (s *SSESink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.write(ev)
}

// Close implements Sink. Writes after Close fail with ErrSinkClosed.
func (s *SSESink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// write sends one event. s.mu must be held.
func (s *SSESink) write(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	// Not every writer supports deadlines; ignore ErrNotSupported.
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))

	s.eventID++
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, s.eventID, data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	s.flusher.Flush()
	return nil
}

// Handler serves a trace's event stream over SSE.
type Handler struct {
	bus       *Bus
	logger    *slog.Logger
	onConnect func(traceID string)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOnConnect calls fn each time a connection is attached to the bus.
func WithOnConnect(fn func(traceID string)) HandlerOption {
	return func(h *Handler) {
		h.onConnect = fn
	}
}

// NewHandler creates a handler for bus.
func NewHandler(bus *Bus, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{bus: bus, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve streams traceID until the trace ends, the connection is swept or
// the client goes away. Errors returned before anything was written leave
// the response untouched for the caller to report.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, traceID string) error {
	if !h.bus.CanAccept() {
		return pipeline.NewError(pipeline.CodeCapacityExceeded, "stream connection limit reached")
	}

	sink, err := NewSSESink(w)
	if err != nil {
		return pipeline.WrapError(pipeline.CodeInternal, "streaming not supported", err)
	}
	if err := sink.Open(traceID); err != nil {
		h.logger.Debug("Client disconnected during connect", "trace_id", traceID, "error", err)
		return nil
	}

	sub, err := h.bus.Subscribe(traceID, sink)
	if err != nil {
		_ = sink.Send(NewError(traceID, string(pipeline.CodeOf(err)), pipeline.MessageOf(err), nil))
		return nil
	}
	// The response must not be released while the delivery goroutine can
	// still write to it.
	defer func() {
		h.bus.Unsubscribe(sub)
		<-sub.Done()
	}()
	if h.onConnect != nil {
		h.onConnect(traceID)
	}

	heartbeat := time.NewTicker(h.bus.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-sub.Done():
			return nil
		case <-r.Context().Done():
			return nil
		case <-heartbeat.C:
			if err := sub.Heartbeat(); err != nil {
				h.logger.Debug("Client disconnected during heartbeat", "trace_id", traceID, "error", err)
				return nil
			}
		}
	}
}

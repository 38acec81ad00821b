package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/examgate/pipeline"
)

const maxTraceIDLength = 128

type envelope struct {
	Success   bool       `json:"success"`
	TraceID   string     `json:"trace_id"`
	Timestamp string     `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// normalizeTraceID returns the trimmed caller trace id, or "" when it is
// blank or too long.
func normalizeTraceID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxTraceIDLength {
		return ""
	}
	return id
}

func newTraceID() string {
	return "trc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code pipeline.Code) int {
	switch code {
	case pipeline.CodeInvalidInput:
		return http.StatusBadRequest
	case pipeline.CodeForbidden:
		return http.StatusForbidden
	case pipeline.CodeScenarioNotFound, pipeline.CodeNotFound:
		return http.StatusNotFound
	case pipeline.CodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case pipeline.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case pipeline.CodeUpstreamError, pipeline.CodeWorkflowNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Server) writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	s.writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		TraceID:   traceIDFrom(r.Context()),
		Timestamp: s.timestamp(),
		Data:      data,
	})
}

// writeError writes err's code, message and details with the status its
// code maps to.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := pipeline.CodeOf(err)
	s.writeJSON(w, statusFor(code), envelope{
		TraceID:   traceIDFrom(r.Context()),
		Timestamp: s.timestamp(),
		Error: &errorBody{
			Code:    string(code),
			Message: pipeline.MessageOf(err),
			Details: pipeline.DetailsOf(err),
		},
	})
}

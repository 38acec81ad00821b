package audit

import (
	"encoding/json"
	"time"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Trace statuses.
const (
	StatusProcessing       = "processing"
	StatusCompleted        = "completed"
	StatusError            = "error"
	StatusFeedbackReceived = "feedback_received"
)

// Feedback labels accepted by AddFeedback.
var FeedbackLabels = []string{"correct", "partially_correct", "incorrect", "irrelevant"}

// ValidLabel reports whether label is a known feedback label.
func ValidLabel(label string) bool {
	for _, l := range FeedbackLabels {
		if l == label {
			return true
		}
	}
	return false
}

// RequestMeta summarizes the request that opened a trace.
type RequestMeta struct {
	Stream          bool   `json:"stream"`
	QualityTier     string `json:"quality_tier"`
	LatencyBudgetMS int    `json:"latency_budget_ms"`
	HasImages       bool   `json:"has_images"`
	HasText         bool   `json:"has_text"`
}

// ErrorInfo is the failure stored for a trace that ended in error.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Trace is the stored record of one request.
type Trace struct {
	TraceID     string           `json:"trace_id"`
	ScenarioID  string           `json:"scenario_id,omitempty"`
	TenantID    string           `json:"tenant_id,omitempty"`
	ClientIP    string           `json:"client_ip,omitempty"`
	Status      string           `json:"status"`
	RequestMeta *RequestMeta     `json:"request_meta,omitempty"`
	Policy      *scenario.Policy `json:"policy,omitempty"`
	Result      *pipeline.Result `json:"result,omitempty"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	LatencyMS   int64            `json:"latency_ms,omitempty"`
	Feedback    []Feedback       `json:"feedback_events,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Feedback is an operator judgement of a trace's answer.
type Feedback struct {
	TraceID    string         `json:"-"`
	ScenarioID string         `json:"-"`
	TenantID   string         `json:"-"`
	Label      string         `json:"label"`
	Score      *float64       `json:"score,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Operator   map[string]any `json:"operator,omitempty"`
	At         time.Time      `json:"at"`
}

// RetrievalEntry is one stored retrieval plan or outcome record.
type RetrievalEntry struct {
	TraceID   string          `json:"trace_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

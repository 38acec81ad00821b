// Package pipeline defines the request, classification and result documents
// shared by every stage of the inference gateway.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Classification sources.
const (
	SourceForced           = "forced"
	SourceProfileHeuristic = "profile_heuristic"
	SourceHeuristic        = "heuristic"
	SourceHeuristicImages  = "heuristic_images"
	SourceRemoteClassifier = "remote_classifier"
)

// SubTypeUnknown is the sub-type assigned when nothing matches.
const SubTypeUnknown = "unknown"

// StatusCompleted marks a finished PipelineResult.
const StatusCompleted = "completed"

// Request is the ExecutionRequest accepted by the gateway.
type Request struct {
	ScenarioID string         `json:"scenario_id"`
	Input      Input          `json:"input"`
	Options    Options        `json:"options"`
	Context    RequestContext `json:"context"`
}

// Input carries the question payload.
type Input struct {
	Text        string   `json:"text,omitempty"`
	Images      []Image  `json:"images,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// NormalizedText returns the trimmed, lower-cased question text.
func (in Input) NormalizedText() string {
	return strings.ToLower(strings.TrimSpace(in.Text))
}

// HasText reports whether the input carries non-blank text.
func (in Input) HasText() bool {
	return strings.TrimSpace(in.Text) != ""
}

// HasImages reports whether at least one image is attached.
func (in Input) HasImages() bool {
	return len(in.Images) > 0
}

// Image is an image reference. On the wire it is either a bare URL string or
// an object describing an uploaded file.
type Image struct {
	Type           string `json:"type,omitempty"`
	TransferMethod string `json:"transfer_method,omitempty"`
	URL            string `json:"url,omitempty"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
}

// UnmarshalJSON accepts either a string or an object.
func (img *Image) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*img = Image{URL: strings.TrimSpace(s)}
		return nil
	}

	var raw struct {
		Type           string `json:"type"`
		TransferMethod string `json:"transfer_method"`
		URL            string `json:"url"`
		UploadFileID   string `json:"upload_file_id"`
		FileID         string `json:"file_id"`
		ID             string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("image must be a string or object: %w", err)
	}

	fileID := raw.UploadFileID
	if fileID == "" {
		fileID = raw.FileID
	}
	if fileID == "" {
		fileID = raw.ID
	}
	*img = Image{
		Type:           strings.TrimSpace(raw.Type),
		TransferMethod: strings.TrimSpace(raw.TransferMethod),
		URL:            strings.TrimSpace(raw.URL),
		UploadFileID:   strings.TrimSpace(fileID),
	}
	return nil
}

// Options are caller-selected execution options.
type Options struct {
	QualityTier     string `json:"quality_tier,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
	LatencyBudgetMS int    `json:"latency_budget_ms,omitempty"`
	ForceSubType    string `json:"force_sub_type,omitempty"`
	ResponseFormat  string `json:"response_format,omitempty"`
}

// RequestContext identifies the caller.
type RequestContext struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// Classification is the ClassificationResult of a request.
type Classification struct {
	SubType    string  `json:"sub_type"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// KBHit is a knowledge-base chunk reported by a workflow run.
type KBHit struct {
	KBID      string  `json:"kb_id"`
	KBVersion string  `json:"kb_version,omitempty"`
	ChunkID   string  `json:"chunk_id,omitempty"`
	Score     float64 `json:"score"`
	Source    string  `json:"source,omitempty"`
}

// RawResult is what a WorkflowProvider returns before output validation.
// Evidence and Confidence are left untyped because upstream workflows are
// free to emit anything there.
type RawResult struct {
	SubType      string
	Answer       string
	Evidence     any
	Confidence   any
	KBHits       []KBHit
	KBHitsSource string
	ModelPath    []string
	Outputs      map[string]any
	Latency      time.Duration
	TokenIn      int
	TokenOut     int
}

// Result is the PipelineResult returned to callers.
type Result struct {
	TraceID    string         `json:"trace_id"`
	ScenarioID string         `json:"scenario_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	SubType    string         `json:"sub_type"`
	Status     string         `json:"status"`
	Classifier Classification `json:"classifier"`
	Result     Answer         `json:"result"`
	Metrics    Metrics        `json:"metrics"`
	Debug      Debug          `json:"debug"`
}

// Answer is the validated answer payload.
type Answer struct {
	Answer     string   `json:"answer"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
}

// Metrics are per-result measurements.
type Metrics struct {
	LatencyMS int64 `json:"latency_ms"`
	TokenIn   int   `json:"token_in"`
	TokenOut  int   `json:"token_out"`
}

// Debug is diagnostic metadata attached to a result.
type Debug struct {
	Provider         string            `json:"provider,omitempty"`
	ModelPath        []string          `json:"model_path,omitempty"`
	KBHits           []KBHit           `json:"kb_hits,omitempty"`
	KBHitsSource     string            `json:"kb_hits_source,omitempty"`
	Route            *Route            `json:"route,omitempty"`
	OutputValidation *ValidationInfo   `json:"output_validation,omitempty"`
	KBPlanActualDiff *KBDiff           `json:"kb_plan_actual_diff,omitempty"`
	FallbackReason   string            `json:"fallback_reason,omitempty"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	Passes           int               `json:"passes,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Route records how a pass was routed.
type Route struct {
	SubType    string            `json:"sub_type"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	RetryIndex int               `json:"retry_index"`
	Classifier Classification    `json:"classifier"`
	Knowledge  *KnowledgeSummary `json:"knowledge,omitempty"`
}

// KnowledgeSummary is the slice of a knowledge plan surfaced in debug output.
type KnowledgeSummary struct {
	Enabled      bool     `json:"enabled"`
	Mode         string   `json:"mode"`
	KBIDs        []string `json:"kb_ids"`
	RequestedIDs []string `json:"requested_kb_ids,omitempty"`
	DroppedIDs   []string `json:"dropped_kb_ids,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// ValidationInfo describes the constraint rule a result passed.
type ValidationInfo struct {
	OK                 bool     `json:"ok"`
	Mode               string   `json:"mode"`
	MinEvidence        int      `json:"min_evidence"`
	RequireEvidence    bool     `json:"require_evidence"`
	JSONRequiredFields []string `json:"json_required_fields,omitempty"`
}

// KBDiff compares planned knowledge bases with the ones a run actually hit.
// Match is nil when the reported hits are just the plan echoed back.
type KBDiff struct {
	PlannedKBIDs            []string `json:"planned_kb_ids"`
	ActualKBIDs             []string `json:"actual_kb_ids"`
	KBHitsSource            string   `json:"kb_hits_source,omitempty"`
	ActualIsPlannedFallback bool     `json:"actual_is_planned_fallback"`
	PlannedButNotHit        []string `json:"planned_but_not_hit"`
	HitButNotPlanned        []string `json:"hit_but_not_planned"`
	Match                   *bool    `json:"match"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Result.Evidence = cloneStrings(r.Result.Evidence)
	out.Debug.ModelPath = cloneStrings(r.Debug.ModelPath)
	out.Debug.ValidationErrors = cloneStrings(r.Debug.ValidationErrors)
	if r.Debug.KBHits != nil {
		out.Debug.KBHits = append([]KBHit(nil), r.Debug.KBHits...)
	}
	if r.Debug.Route != nil {
		route := *r.Debug.Route
		if route.Knowledge != nil {
			ks := *route.Knowledge
			ks.KBIDs = cloneStrings(ks.KBIDs)
			ks.RequestedIDs = cloneStrings(ks.RequestedIDs)
			ks.DroppedIDs = cloneStrings(ks.DroppedIDs)
			route.Knowledge = &ks
		}
		out.Debug.Route = &route
	}
	if r.Debug.OutputValidation != nil {
		v := *r.Debug.OutputValidation
		v.JSONRequiredFields = cloneStrings(v.JSONRequiredFields)
		out.Debug.OutputValidation = &v
	}
	if r.Debug.KBPlanActualDiff != nil {
		d := *r.Debug.KBPlanActualDiff
		d.PlannedKBIDs = cloneStrings(d.PlannedKBIDs)
		d.ActualKBIDs = cloneStrings(d.ActualKBIDs)
		d.PlannedButNotHit = cloneStrings(d.PlannedButNotHit)
		d.HitButNotPlanned = cloneStrings(d.HitButNotPlanned)
		if d.Match != nil {
			m := *d.Match
			d.Match = &m
		}
		out.Debug.KBPlanActualDiff = &d
	}
	if r.Debug.Extra != nil {
		out.Debug.Extra = make(map[string]string, len(r.Debug.Extra))
		for k, v := range r.Debug.Extra {
			out.Debug.Extra[k] = v
		}
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

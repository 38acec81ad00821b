package orchestrator

import (
	"context"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/router"
	"github.com/c360studio/examgate/scenario"
)

// Retrieval record events.
const (
	EventRetrievalPlan    = "retrieval_plan"
	EventRetrievalOutcome = "retrieval_outcome"
)

// RetrievalLogger persists retrieval records. *audit.Store satisfies it.
type RetrievalLogger interface {
	AppendRetrieval(ctx context.Context, traceID, event string, record any) error
}

// RetrievalPlanRecord describes the knowledge a pass is about to use.
type RetrievalPlanRecord struct {
	Event           string                     `json:"event"`
	TraceID         string                     `json:"trace_id"`
	ScenarioID      string                     `json:"scenario_id"`
	ScenarioVersion string                     `json:"scenario_version,omitempty"`
	Env             string                     `json:"env"`
	TenantID        string                     `json:"tenant_id,omitempty"`
	SubType         string                     `json:"sub_type"`
	RetryIndex      int                        `json:"retry_index"`
	WorkflowID      string                     `json:"workflow_id,omitempty"`
	SubTypeProfile  *scenario.Profile          `json:"sub_type_profile"`
	PromptPlan      router.PromptPlan          `json:"prompt_plan"`
	RetryMode       string                     `json:"retry_mode"`
	Provider        string                     `json:"provider"`
	Mode            string                     `json:"mode"`
	KBItems         []knowledge.PlanItem       `json:"kb_items"`
	RequestedKBIDs  []string                   `json:"requested_kb_ids"`
	DroppedKBIDs    []string                   `json:"dropped_kb_ids"`
	TopK            int                        `json:"top_k"`
	Rerank          bool                       `json:"rerank"`
	MaxContextChars int                        `json:"max_context_chars"`
	KBRegistry      knowledge.RegistryInfo     `json:"kb_registry"`
	KBMapping       knowledge.EffectiveMapping `json:"kb_mapping"`
}

// RetrievalOutcomeRecord compares a pass's plan with its reported hits.
type RetrievalOutcomeRecord struct {
	Event      string `json:"event"`
	TraceID    string `json:"trace_id"`
	ScenarioID string `json:"scenario_id"`
	Env        string `json:"env"`
	TenantID   string `json:"tenant_id,omitempty"`
	SubType    string `json:"sub_type"`
	RetryIndex int    `json:"retry_index"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Provider   string `json:"provider"`
	*pipeline.KBDiff
}

// shouldLogPlan reports whether a pass's plan is worth recording.
func shouldLogPlan(plan knowledge.Plan) bool {
	return plan.Enabled || len(plan.RequestedOrPlanned()) > 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Package scenario holds scenario specifications and the providers that
// load them.
//
// A scenario binds a question domain to upstream workflows, sub-type
// profiles, knowledge and quality policies, output constraints and a
// latency budget. Specs are read-only once handed to a request; callers
// that need to change one work on a Clone.
package scenario

import (
	"encoding/json"
	"sort"
)

// Provider kinds for WorkflowBinding.Provider.
const (
	ProviderRemote  = "remote"
	ProviderOffline = "offline"
)

// Knowledge policy modes.
const (
	KnowledgeOff         = "off"
	KnowledgeAlways      = "always"
	KnowledgeConditional = "conditional"
)

// Retry modes.
const (
	RetrySameWorkflow     = "same_workflow"
	RetryFallbackWorkflow = "fallback_workflow"
)

// Spec is a ScenarioSpec.
type Spec struct {
	ScenarioID        string             `json:"scenario_id" yaml:"scenario_id"`
	Version           string             `json:"version,omitempty" yaml:"version,omitempty"`
	Name              string             `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	WorkflowBinding   WorkflowBinding    `json:"workflow_binding" yaml:"workflow_binding"`
	SubTypeProfiles   map[string]Profile `json:"sub_type_profiles,omitempty" yaml:"sub_type_profiles,omitempty"`
	ProfileOrder      []string           `json:"profile_order,omitempty" yaml:"profile_order,omitempty"`
	WorkflowPrompts   map[string]string  `json:"workflow_prompts,omitempty" yaml:"workflow_prompts,omitempty"`
	KnowledgePolicy   KnowledgePolicy    `json:"knowledge_policy" yaml:"knowledge_policy"`
	QualityPolicy     QualityPolicy      `json:"quality_policy" yaml:"quality_policy"`
	OutputConstraints OutputConstraints  `json:"output_constraints" yaml:"output_constraints"`
	LatencyBudget     LatencyBudget      `json:"latency_budget" yaml:"latency_budget"`
	InputSchema       InputSchema        `json:"input_schema" yaml:"input_schema"`
}

// IsEnabled reports whether the scenario accepts traffic. Scenarios without
// an explicit flag are enabled.
func (s *Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Profile returns the sub-type profile for subType.
func (s *Spec) Profile(subType string) (Profile, bool) {
	if subType == "" {
		return Profile{}, false
	}
	p, ok := s.SubTypeProfiles[subType]
	return p, ok
}

// SubTypes returns the profiled sub-types. Those listed in ProfileOrder come
// first, in that order; the rest follow sorted.
func (s *Spec) SubTypes() []string {
	out := make([]string, 0, len(s.SubTypeProfiles))
	seen := make(map[string]bool, len(s.SubTypeProfiles))
	for _, st := range s.ProfileOrder {
		if _, ok := s.SubTypeProfiles[st]; ok && !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	rest := make([]string, 0, len(s.SubTypeProfiles)-len(out))
	for st := range s.SubTypeProfiles {
		if !seen[st] {
			rest = append(rest, st)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Clone returns a deep copy of the spec.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic("scenario: marshal spec: " + err.Error())
	}
	var out Spec
	if err := json.Unmarshal(data, &out); err != nil {
		panic("scenario: unmarshal spec: " + err.Error())
	}
	return &out
}

// WorkflowBinding names the workflows a scenario executes.
type WorkflowBinding struct {
	Provider           string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	WorkflowID         string            `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	FallbackWorkflowID string            `json:"fallback_workflow_id,omitempty" yaml:"fallback_workflow_id,omitempty"`
	SubTypeRoutes      map[string]string `json:"sub_type_routes,omitempty" yaml:"sub_type_routes,omitempty"`
}

// IsRemote reports whether the primary provider is the remote executor.
func (b WorkflowBinding) IsRemote() bool {
	return b.Provider == ProviderRemote
}

// Profile describes one sub-type of a scenario.
type Profile struct {
	DisplayName      string           `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	WorkflowID       string           `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	ClassifierHints  ClassifierHints  `json:"classifier_hints" yaml:"classifier_hints"`
	WorkflowGuidance WorkflowGuidance `json:"workflow_guidance" yaml:"workflow_guidance"`
}

// ClassifierHints feed the profile keyword heuristic.
type ClassifierHints struct {
	Keywords         []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	RequireImages    bool     `json:"require_images,omitempty" yaml:"require_images,omitempty"`
	PreferImages     bool     `json:"prefer_images,omitempty" yaml:"prefer_images,omitempty"`
	ImageOnlyDefault bool     `json:"image_only_default,omitempty" yaml:"image_only_default,omitempty"`
}

// WorkflowGuidance is prompt guidance forwarded to the workflow.
type WorkflowGuidance struct {
	SolvingSteps      []string `json:"solving_steps,omitempty" yaml:"solving_steps,omitempty"`
	PromptFocus       []string `json:"prompt_focus,omitempty" yaml:"prompt_focus,omitempty"`
	AnswerConstraints []string `json:"answer_constraints,omitempty" yaml:"answer_constraints,omitempty"`
}

// KnowledgePolicy controls knowledge-base selection. A nil Enabled means
// enabled; an explicit false disables the policy regardless of mode.
type KnowledgePolicy struct {
	Enabled         *bool               `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode            string              `json:"mode,omitempty" yaml:"mode,omitempty"`
	DefaultKBIDs    []string            `json:"default_kb_ids,omitempty" yaml:"default_kb_ids,omitempty"`
	SubTypeKBMap    map[string][]string `json:"sub_type_kb_map,omitempty" yaml:"sub_type_kb_map,omitempty"`
	TopK            *int                `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Rerank          *bool               `json:"rerank,omitempty" yaml:"rerank,omitempty"`
	MaxContextChars *int                `json:"max_context_chars,omitempty" yaml:"max_context_chars,omitempty"`
}

// Active reports whether the policy selects knowledge at all.
func (p KnowledgePolicy) Active() bool {
	if p.Enabled != nil && !*p.Enabled {
		return false
	}
	return p.Mode != "" && p.Mode != KnowledgeOff
}

// QualityPolicy sets confidence and retry behavior.
type QualityPolicy struct {
	ConfidenceThreshold    float64                    `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MaxRetries             *int                       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	StrictOutputValidation bool                       `json:"strict_output_validation,omitempty" yaml:"strict_output_validation,omitempty"`
	ValidationRetryOnFail  *bool                      `json:"validation_retry_on_fail,omitempty" yaml:"validation_retry_on_fail,omitempty"`
	QualityTiers           map[string]TierPolicy      `json:"quality_tiers,omitempty" yaml:"quality_tiers,omitempty"`
	SubTypeOverrides       map[string]QualityOverride `json:"sub_type_overrides,omitempty" yaml:"sub_type_overrides,omitempty"`
}

// TierPolicy is the quality configuration of one tier.
type TierPolicy struct {
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MaxRetries          *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// QualityOverride adjusts the retry policy of one sub-type.
type QualityOverride struct {
	ConfidenceThreshold   *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MaxRetries            *int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryMode             string   `json:"retry_mode,omitempty" yaml:"retry_mode,omitempty"`
	RetryOnValidationFail *bool    `json:"retry_on_validation_fail,omitempty" yaml:"retry_on_validation_fail,omitempty"`
}

// OutputConstraints holds the default constraint rule and per-sub-type rules.
type OutputConstraints struct {
	Defaults     *ConstraintRule           `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	SubTypeRules map[string]ConstraintRule `json:"sub_type_rules,omitempty" yaml:"sub_type_rules,omitempty"`
}

// ConstraintRule is a declarative output contract. Unset fields inherit
// from the scenario defaults and then from the built-in defaults.
type ConstraintRule struct {
	Mode                string            `json:"mode,omitempty" yaml:"mode,omitempty"`
	MinEvidence         *int              `json:"min_evidence,omitempty" yaml:"min_evidence,omitempty"`
	RequireEvidence     *bool             `json:"require_evidence,omitempty" yaml:"require_evidence,omitempty"`
	EnforceSubTypeMatch *bool             `json:"enforce_sub_type_match,omitempty" yaml:"enforce_sub_type_match,omitempty"`
	JSONRootType        string            `json:"json_root_type,omitempty" yaml:"json_root_type,omitempty"`
	JSONRequiredFields  []string          `json:"json_required_fields,omitempty" yaml:"json_required_fields,omitempty"`
	JSONArrayMinItems   map[string]int    `json:"json_array_min_items,omitempty" yaml:"json_array_min_items,omitempty"`
	JSONFieldTypes      map[string]string `json:"json_field_types,omitempty" yaml:"json_field_types,omitempty"`
}

// LatencyBudget bounds a request's wall-clock time.
type LatencyBudget struct {
	TotalMS       int            `json:"total_ms,omitempty" yaml:"total_ms,omitempty"`
	StageBudgetMS map[string]int `json:"stage_budget_ms,omitempty" yaml:"stage_budget_ms,omitempty"`
	OnTimeout     string         `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
}

// InputSchema restricts which input fields a scenario accepts.
type InputSchema struct {
	AllowText        bool     `json:"allow_text,omitempty" yaml:"allow_text,omitempty"`
	AllowImages      bool     `json:"allow_images,omitempty" yaml:"allow_images,omitempty"`
	AllowAttachments bool     `json:"allow_attachments,omitempty" yaml:"allow_attachments,omitempty"`
	RequiredFields   []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	MaxTextLength    int      `json:"max_text_length,omitempty" yaml:"max_text_length,omitempty"`
	MaxImages        int      `json:"max_images,omitempty" yaml:"max_images,omitempty"`
}

package router

import (
	"strings"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// ResolveWorkflowID returns the workflow bound to subType: the profile's
// explicit workflow, else the scenario route for the sub-type, else the
// main workflow.
func ResolveWorkflowID(spec *scenario.Spec, subType string) string {
	if spec == nil {
		return ""
	}
	if p, ok := spec.Profile(subType); ok {
		if id := strings.TrimSpace(p.WorkflowID); id != "" {
			return id
		}
	}
	if subType != "" {
		if id := strings.TrimSpace(spec.WorkflowBinding.SubTypeRoutes[subType]); id != "" {
			return id
		}
	}
	return strings.TrimSpace(spec.WorkflowBinding.WorkflowID)
}

// PromptPlan is the sub-type guidance forwarded to a workflow.
type PromptPlan struct {
	SubType           string   `json:"sub_type"`
	DisplayName       string   `json:"display_name"`
	SolvingSteps      []string `json:"solving_steps"`
	PromptFocus       []string `json:"prompt_focus"`
	AnswerConstraints []string `json:"answer_constraints"`
}

// BuildPromptPlan returns the prompt plan of subType. Without a profile the
// guidance lists are empty.
func BuildPromptPlan(spec *scenario.Spec, subType string) PromptPlan {
	name := subType
	if name == "" {
		name = pipeline.SubTypeUnknown
	}

	var (
		p  scenario.Profile
		ok bool
	)
	if spec != nil {
		p, ok = spec.Profile(subType)
	}
	if !ok {
		return PromptPlan{
			SubType:           name,
			DisplayName:       name,
			SolvingSteps:      []string{},
			PromptFocus:       []string{},
			AnswerConstraints: []string{},
		}
	}

	display := strings.TrimSpace(p.DisplayName)
	if display == "" {
		display = subType
	}
	return PromptPlan{
		SubType:           subType,
		DisplayName:       display,
		SolvingSteps:      trimmed(p.WorkflowGuidance.SolvingSteps),
		PromptFocus:       trimmed(p.WorkflowGuidance.PromptFocus),
		AnswerConstraints: trimmed(p.WorkflowGuidance.AnswerConstraints),
	}
}

func trimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

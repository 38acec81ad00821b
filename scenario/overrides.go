package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// OverrideProvider merges operator-managed overrides into a scenario before
// it is executed. Implementations must not mutate spec.
type OverrideProvider interface {
	Apply(spec *Spec) *Spec
}

// Overrides are route, profile and prompt overrides.
type Overrides struct {
	Routes          RouteOverrides             `json:"routes" yaml:"routes"`
	SubTypeProfiles map[string]ProfileOverride `json:"sub_type_profiles,omitempty" yaml:"sub_type_profiles,omitempty"`
	WorkflowPrompts map[string]string          `json:"workflow_prompts,omitempty" yaml:"workflow_prompts,omitempty"`
}

// RouteOverrides replace workflow ids. Empty values are ignored.
type RouteOverrides struct {
	MainWorkflowID     string            `json:"main_workflow_id,omitempty" yaml:"main_workflow_id,omitempty"`
	FallbackWorkflowID string            `json:"fallback_workflow_id,omitempty" yaml:"fallback_workflow_id,omitempty"`
	SubTypeRoutes      map[string]string `json:"sub_type_routes,omitempty" yaml:"sub_type_routes,omitempty"`
}

// ProfileOverride patches a sub-type profile field by field.
type ProfileOverride struct {
	DisplayName      *string           `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	WorkflowID       *string           `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	ClassifierHints  *HintsOverride    `json:"classifier_hints,omitempty" yaml:"classifier_hints,omitempty"`
	WorkflowGuidance *GuidanceOverride `json:"workflow_guidance,omitempty" yaml:"workflow_guidance,omitempty"`
}

// HintsOverride patches classifier hints. Nil fields keep the base value.
type HintsOverride struct {
	Keywords         []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	RequireImages    *bool    `json:"require_images,omitempty" yaml:"require_images,omitempty"`
	PreferImages     *bool    `json:"prefer_images,omitempty" yaml:"prefer_images,omitempty"`
	ImageOnlyDefault *bool    `json:"image_only_default,omitempty" yaml:"image_only_default,omitempty"`
}

// GuidanceOverride patches workflow guidance. Nil lists keep the base value.
type GuidanceOverride struct {
	SolvingSteps      []string `json:"solving_steps,omitempty" yaml:"solving_steps,omitempty"`
	PromptFocus       []string `json:"prompt_focus,omitempty" yaml:"prompt_focus,omitempty"`
	AnswerConstraints []string `json:"answer_constraints,omitempty" yaml:"answer_constraints,omitempty"`
}

// OverrideDocument is the on-disk override file. Global overrides apply to
// every scenario; per-scenario overrides are applied on top.
type OverrideDocument struct {
	UpdatedAt string               `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	UpdatedBy string               `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	Global    Overrides            `json:"global" yaml:"global"`
	Scenarios map[string]Overrides `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`
}

// Merge applies o to a copy of spec.
func (o Overrides) Merge(spec *Spec) *Spec {
	out := spec.Clone()

	b := &out.WorkflowBinding
	if v := strings.TrimSpace(o.Routes.MainWorkflowID); v != "" {
		b.WorkflowID = v
	}
	if v := strings.TrimSpace(o.Routes.FallbackWorkflowID); v != "" {
		b.FallbackWorkflowID = v
	}
	for subType, workflowID := range o.Routes.SubTypeRoutes {
		subType, workflowID = strings.TrimSpace(subType), strings.TrimSpace(workflowID)
		if subType == "" || workflowID == "" {
			continue
		}
		if b.SubTypeRoutes == nil {
			b.SubTypeRoutes = make(map[string]string)
		}
		b.SubTypeRoutes[subType] = workflowID
	}

	for subType, po := range o.SubTypeProfiles {
		if out.SubTypeProfiles == nil {
			out.SubTypeProfiles = make(map[string]Profile)
		}
		out.SubTypeProfiles[subType] = po.apply(out.SubTypeProfiles[subType])
	}

	for workflowID, prompt := range o.WorkflowPrompts {
		if out.WorkflowPrompts == nil {
			out.WorkflowPrompts = make(map[string]string)
		}
		out.WorkflowPrompts[workflowID] = prompt
	}
	return out
}

func (po ProfileOverride) apply(p Profile) Profile {
	if po.DisplayName != nil {
		p.DisplayName = *po.DisplayName
	}
	if po.WorkflowID != nil {
		p.WorkflowID = *po.WorkflowID
	}
	if h := po.ClassifierHints; h != nil {
		if h.Keywords != nil {
			p.ClassifierHints.Keywords = append([]string(nil), h.Keywords...)
		}
		if h.RequireImages != nil {
			p.ClassifierHints.RequireImages = *h.RequireImages
		}
		if h.PreferImages != nil {
			p.ClassifierHints.PreferImages = *h.PreferImages
		}
		if h.ImageOnlyDefault != nil {
			p.ClassifierHints.ImageOnlyDefault = *h.ImageOnlyDefault
		}
	}
	if g := po.WorkflowGuidance; g != nil {
		if g.SolvingSteps != nil {
			p.WorkflowGuidance.SolvingSteps = append([]string(nil), g.SolvingSteps...)
		}
		if g.PromptFocus != nil {
			p.WorkflowGuidance.PromptFocus = append([]string(nil), g.PromptFocus...)
		}
		if g.AnswerConstraints != nil {
			p.WorkflowGuidance.AnswerConstraints = append([]string(nil), g.AnswerConstraints...)
		}
	}
	return p
}

// NoOverrides returns specs unchanged.
type NoOverrides struct{}

// Apply returns spec.
func (NoOverrides) Apply(spec *Spec) *Spec { return spec }

// FileOverrides serves overrides from a JSON or YAML file.
type FileOverrides struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	doc OverrideDocument
}

// NewFileOverrides creates a provider reading path. A missing file means no
// overrides.
func NewFileOverrides(path string, logger *slog.Logger) *FileOverrides {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileOverrides{path: path, logger: logger}
}

// Load reads the override file.
func (f *FileOverrides) Load() error {
	var doc OverrideDocument
	if f.path != "" {
		if _, err := os.Stat(f.path); err == nil {
			if err := ReadDocument(f.path, &doc); err != nil {
				return fmt.Errorf("load overrides: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat overrides: %w", err)
		}
	}

	f.mu.Lock()
	f.doc = doc
	f.mu.Unlock()

	f.logger.Debug("scenario overrides loaded",
		"path", f.path,
		"scenarios", len(doc.Scenarios),
		"updated_by", doc.UpdatedBy)
	return nil
}

// Apply merges global and then per-scenario overrides into spec.
func (f *FileOverrides) Apply(spec *Spec) *Spec {
	f.mu.RLock()
	global := f.doc.Global
	perScenario, ok := f.doc.Scenarios[spec.ScenarioID]
	f.mu.RUnlock()

	out := global.Merge(spec)
	if ok {
		out = perScenario.Merge(out)
	}
	return out
}

package knowledge

import (
	"fmt"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Plan defaults.
const (
	DefaultTopK            = 5
	DefaultMaxContextChars = 12000
)

// ReasonNoActiveKB marks a plan disabled because every KB id was filtered.
const ReasonNoActiveKB = "no_active_kb"

// Plan is the knowledge plan attached to one execution pass.
type Plan struct {
	Enabled         bool       `json:"enabled"`
	Mode            string     `json:"mode"`
	KBIDs           []string   `json:"kb_ids"`
	KBItems         []PlanItem `json:"kb_items,omitempty"`
	RequestedKBIDs  []string   `json:"requested_kb_ids,omitempty"`
	DroppedKBIDs    []string   `json:"dropped_kb_ids,omitempty"`
	TopK            int        `json:"top_k"`
	Rerank          bool       `json:"rerank"`
	MaxContextChars int        `json:"max_context_chars"`
	Reason          string     `json:"reason,omitempty"`
}

// PlanItem is a KB that survived enrichment.
type PlanItem struct {
	KBID      string `json:"kb_id"`
	KBVersion string `json:"kb_version"`
	Status    string `json:"status"`
	Source    string `json:"source"`
}

// ResolvePlan selects the knowledge bases for subType. Values from the
// effective mapping take precedence over the scenario policy; a nil or not
// found mapping contributes nothing.
func ResolvePlan(spec *scenario.Spec, subType string, mapping *EffectiveMapping) Plan {
	policy := spec.KnowledgePolicy
	var layer Layer
	if mapping != nil && mapping.Found {
		layer = mapping.Layer
	}

	plan := Plan{
		Mode:            policy.Mode,
		KBIDs:           []string{},
		TopK:            firstInt(DefaultTopK, layer.TopK, policy.TopK),
		Rerank:          firstBool(false, layer.Rerank, policy.Rerank),
		MaxContextChars: firstInt(DefaultMaxContextChars, layer.MaxContextChars, policy.MaxContextChars),
	}

	if !policy.Active() {
		if plan.Mode == "" {
			plan.Mode = scenario.KnowledgeOff
		}
		return plan
	}

	plan.Enabled = true
	if policy.Mode == scenario.KnowledgeAlways {
		plan.KBIDs = append(plan.KBIDs, policy.DefaultKBIDs...)
		return plan
	}

	plan.Mode = scenario.KnowledgeConditional
	subTypeMap := policy.SubTypeKBMap
	if layer.SubTypeKBMap != nil {
		subTypeMap = layer.SubTypeKBMap
	}
	if selected := subTypeMap[subType]; len(selected) > 0 {
		plan.KBIDs = append(plan.KBIDs, selected...)
		return plan
	}

	defaults := policy.DefaultKBIDs
	if layer.DefaultKBIDs != nil {
		defaults = layer.DefaultKBIDs
	}
	plan.KBIDs = append(plan.KBIDs, defaults...)
	return plan
}

// PlannedHits returns placeholder hits for the KBs a plan intends to use.
// Providers that cannot report real retrieval hits return these.
func PlannedHits(plan Plan) []pipeline.KBHit {
	if !plan.Enabled {
		return []pipeline.KBHit{}
	}
	hits := make([]pipeline.KBHit, 0, len(plan.KBIDs))
	if len(plan.KBItems) > 0 {
		for i, item := range plan.KBItems {
			hits = append(hits, pipeline.KBHit{
				KBID:      item.KBID,
				KBVersion: orDefault(item.KBVersion, "unknown"),
				ChunkID:   fmt.Sprintf("planned_%d", i+1),
				Source:    "knowledge_plan",
			})
		}
		return hits
	}
	for i, id := range plan.KBIDs {
		hits = append(hits, pipeline.KBHit{
			KBID:      id,
			KBVersion: "unknown",
			ChunkID:   fmt.Sprintf("planned_%d", i+1),
			Source:    "knowledge_plan",
		})
	}
	return hits
}

// Summary condenses the plan for result debug output.
func (p Plan) Summary() *pipeline.KnowledgeSummary {
	return &pipeline.KnowledgeSummary{
		Enabled:      p.Enabled,
		Mode:         p.Mode,
		KBIDs:        append([]string{}, p.KBIDs...),
		RequestedIDs: append([]string(nil), p.RequestedKBIDs...),
		DroppedIDs:   append([]string(nil), p.DroppedKBIDs...),
		Reason:       p.Reason,
	}
}

// RequestedOrPlanned returns the ids requested before enrichment, or the
// planned ids when the plan was never enriched.
func (p Plan) RequestedOrPlanned() []string {
	if p.RequestedKBIDs != nil {
		return p.RequestedKBIDs
	}
	return p.KBIDs
}

func firstInt(def int, vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

func firstBool(def bool, vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

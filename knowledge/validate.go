package knowledge

import (
	"github.com/c360studio/examgate/scenario"
)

// Issue reasons.
const (
	IssueMissingKB      = "missing_kb"
	IssueKBNotActive    = "kb_not_active:"
	IssueMappingMissing = "mapping_missing_for_enabled_scenario"
)

// Issue is a mapping validation finding.
type Issue struct {
	ScenarioID string `json:"scenario_id"`
	KBID       string `json:"kb_id,omitempty"`
	Reason     string `json:"reason"`
}

// ValidateWithRegistry checks that every KB id referenced by any mapping
// layer exists in index and, unless allowInactive is set, is active.
func (m *MappingStore) ValidateWithRegistry(index map[string]Item, allowInactive bool) []Issue {
	docs := m.cache.Get().docs
	issues := []Issue{}

	for _, scenarioID := range sortedKeys(docs) {
		for _, layer := range docs[scenarioID].Layers() {
			ids := append([]string{}, layer.DefaultKBIDs...)
			for _, subType := range sortedKeys(layer.SubTypeKBMap) {
				ids = append(ids, layer.SubTypeKBMap[subType]...)
			}
			for _, id := range ids {
				item, ok := index[id]
				switch {
				case !ok:
					issues = append(issues, Issue{ScenarioID: scenarioID, KBID: id, Reason: IssueMissingKB})
				case !allowInactive && item.Status != StatusActive:
					issues = append(issues, Issue{ScenarioID: scenarioID, KBID: id, Reason: IssueKBNotActive + item.Status})
				}
			}
		}
	}
	return issues
}

// MissingMappings reports enabled scenarios whose knowledge policy is active
// but which have no mapping document.
func (m *MappingStore) MissingMappings(specs []*scenario.Spec) []Issue {
	docs := m.cache.Get().docs
	issues := []Issue{}
	for _, spec := range specs {
		if spec == nil || !spec.IsEnabled() || !spec.KnowledgePolicy.Active() {
			continue
		}
		if _, ok := docs[spec.ScenarioID]; !ok {
			issues = append(issues, Issue{ScenarioID: spec.ScenarioID, Reason: IssueMappingMissing})
		}
	}
	return issues
}

// Report is the outcome of a full knowledge configuration check.
type Report struct {
	Registry      RegistryInfo       `json:"registry"`
	MappingErrors []MappingLoadError `json:"mapping_errors"`
	Issues        []Issue            `json:"issues"`
}

// OK reports whether the check found nothing to complain about.
func (r Report) OK() bool {
	return r.Registry.LoadError == nil && len(r.MappingErrors) == 0 && len(r.Issues) == 0
}

// Check validates mappings against the registry and, when requireMappings
// is set, that every enabled knowledge-using scenario has a mapping.
func Check(reg *Registry, store *MappingStore, specs []*scenario.Spec, allowInactive, requireMappings bool) Report {
	report := Report{
		Registry:      reg.Info(),
		MappingErrors: store.LoadErrors(),
		Issues:        store.ValidateWithRegistry(reg.Index(), allowInactive),
	}
	if requireMappings {
		report.Issues = append(report.Issues, store.MissingMappings(specs)...)
	}
	return report
}

package knowledge

import (
	"github.com/c360studio/examgate/scenario"
)

// Resolver produces enriched knowledge plans from the registry and the
// mapping store. It is safe for concurrent use.
type Resolver struct {
	Registry      *Registry
	Mappings      *MappingStore
	Env           string
	AllowInactive bool
}

// Resolution is a resolved plan together with the mapping that shaped it.
type Resolution struct {
	Plan     Plan             `json:"plan"`
	Mapping  EffectiveMapping `json:"mapping"`
	Registry RegistryInfo     `json:"registry"`
}

// Resolve resolves and enriches the plan for subType under tenantID.
func (r *Resolver) Resolve(spec *scenario.Spec, subType, tenantID string) Resolution {
	mapping := EffectiveMapping{Source: MappingSourceNone}
	if r.Mappings != nil {
		mapping = r.Mappings.Effective(spec.ScenarioID, r.Env, tenantID)
	}

	plan := ResolvePlan(spec, subType, &mapping)
	res := Resolution{Mapping: mapping}
	if r.Registry != nil {
		res.Plan = r.Registry.EnrichPlan(plan, r.AllowInactive)
		res.Registry = r.Registry.Info()
	} else {
		res.Plan = Enrich(plan, nil, r.AllowInactive)
	}
	return res
}

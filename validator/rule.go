// Package validator enforces sub-type output contracts on workflow results.
package validator

import (
	"strings"

	"github.com/c360studio/examgate/scenario"
)

// Answer modes.
const (
	ModeSingleOption   = "single_option"
	ModeMultiOption    = "multi_option"
	ModeNumberOrOption = "number_or_option"
	ModeTextOrOption   = "text_or_option"
	ModeJSON           = "json"
)

// JSON root types.
const (
	RootObject = "object"
	RootArray  = "array"
)

// Rule is a fully resolved constraint rule.
type Rule struct {
	Mode                string
	MinEvidence         int
	RequireEvidence     bool
	EnforceSubTypeMatch bool
	JSONRootType        string
	JSONRequiredFields  []string
	JSONArrayMinItems   map[string]int
	JSONFieldTypes      map[string]string
}

// DefaultRule returns the built-in rule.
func DefaultRule() Rule {
	return Rule{
		Mode:                ModeTextOrOption,
		MinEvidence:         1,
		RequireEvidence:     true,
		EnforceSubTypeMatch: true,
		JSONRequiredFields:  []string{},
		JSONArrayMinItems:   map[string]int{},
		JSONFieldTypes:      map[string]string{},
	}
}

// ResolveRule resolves the constraint rule of subType. Each field comes from
// the sub-type rule, then the scenario defaults, then the built-in rule.
// Map and list fields are taken whole from the first layer that sets them.
func ResolveRule(spec *scenario.Spec, subType string) Rule {
	rule := DefaultRule()
	if spec == nil {
		return rule
	}

	layers := make([]scenario.ConstraintRule, 0, 2)
	if r, ok := spec.OutputConstraints.SubTypeRules[subType]; ok {
		layers = append(layers, r)
	}
	if spec.OutputConstraints.Defaults != nil {
		layers = append(layers, *spec.OutputConstraints.Defaults)
	}

	// Walk from lowest to highest precedence so later layers win.
	for i := len(layers) - 1; i >= 0; i-- {
		l := layers[i]
		if l.Mode != "" {
			rule.Mode = strings.TrimSpace(l.Mode)
		}
		if l.MinEvidence != nil {
			rule.MinEvidence = *l.MinEvidence
		}
		if l.RequireEvidence != nil {
			rule.RequireEvidence = *l.RequireEvidence
		}
		if l.EnforceSubTypeMatch != nil {
			rule.EnforceSubTypeMatch = *l.EnforceSubTypeMatch
		}
		if l.JSONRootType != "" {
			rule.JSONRootType = strings.TrimSpace(l.JSONRootType)
		}
		if l.JSONRequiredFields != nil {
			rule.JSONRequiredFields = nonEmpty(l.JSONRequiredFields)
		}
		if l.JSONArrayMinItems != nil {
			rule.JSONArrayMinItems = copyMap(l.JSONArrayMinItems)
		}
		if l.JSONFieldTypes != nil {
			rule.JSONFieldTypes = copyMap(l.JSONFieldTypes)
		}
	}
	return rule
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package orchestrator

import (
	"strings"

	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/provider"
)

// ComputeKBDiff compares the plan's KB ids with the ones hits came from.
// Match is left nil when the hits merely echo the plan.
func ComputeKBDiff(plan knowledge.Plan, hits []pipeline.KBHit, hitsSource string) *pipeline.KBDiff {
	planned := orderedSet(plan.KBIDs)
	actualIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		actualIDs = append(actualIDs, h.KBID)
	}
	actual := orderedSet(actualIDs)

	diff := &pipeline.KBDiff{
		PlannedKBIDs:            planned.items,
		ActualKBIDs:             actual.items,
		KBHitsSource:            hitsSource,
		ActualIsPlannedFallback: hitsSource == provider.KBHitsSourcePlanned,
		PlannedButNotHit:        planned.minus(actual),
		HitButNotPlanned:        actual.minus(planned),
	}
	if !diff.ActualIsPlannedFallback {
		match := len(diff.PlannedButNotHit) == 0 && len(diff.HitButNotPlanned) == 0
		diff.Match = &match
	}
	return diff
}

type stringSet struct {
	items []string
	index map[string]struct{}
}

// orderedSet dedupes trimmed non-empty values, keeping first-seen order.
func orderedSet(values []string) stringSet {
	s := stringSet{items: []string{}, index: make(map[string]struct{}, len(values))}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := s.index[v]; ok {
			continue
		}
		s.index[v] = struct{}{}
		s.items = append(s.items, v)
	}
	return s
}

func (s stringSet) minus(other stringSet) []string {
	out := []string{}
	for _, v := range s.items {
		if _, ok := other.index[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

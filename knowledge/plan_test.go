package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/examgate/scenario"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func conditionalSpec() *scenario.Spec {
	return &scenario.Spec{
		ScenarioID: "exam_qa",
		KnowledgePolicy: scenario.KnowledgePolicy{
			Mode:         scenario.KnowledgeConditional,
			DefaultKBIDs: []string{"kb_default"},
			SubTypeKBMap: map[string][]string{"figure_reasoning": {"kb_1"}},
		},
	}
}

func TestResolvePlan(t *testing.T) {
	t.Run("off when mode missing", func(t *testing.T) {
		plan := ResolvePlan(&scenario.Spec{}, "logic", nil)
		assert.False(t, plan.Enabled)
		assert.Equal(t, scenario.KnowledgeOff, plan.Mode)
		assert.Empty(t, plan.KBIDs)
		assert.Equal(t, DefaultTopK, plan.TopK)
		assert.Equal(t, DefaultMaxContextChars, plan.MaxContextChars)
	})

	t.Run("explicitly disabled", func(t *testing.T) {
		spec := conditionalSpec()
		spec.KnowledgePolicy.Enabled = boolPtr(false)
		assert.False(t, ResolvePlan(spec, "figure_reasoning", nil).Enabled)
	})

	t.Run("always uses scenario defaults", func(t *testing.T) {
		spec := conditionalSpec()
		spec.KnowledgePolicy.Mode = scenario.KnowledgeAlways
		mapping := &EffectiveMapping{Found: true, Layer: Layer{DefaultKBIDs: []string{"kb_mapped"}}}
		plan := ResolvePlan(spec, "logic", mapping)
		assert.True(t, plan.Enabled)
		assert.Equal(t, scenario.KnowledgeAlways, plan.Mode)
		assert.Equal(t, []string{"kb_default"}, plan.KBIDs)
	})

	t.Run("conditional sub-type hit", func(t *testing.T) {
		plan := ResolvePlan(conditionalSpec(), "figure_reasoning", nil)
		assert.True(t, plan.Enabled)
		assert.Equal(t, []string{"kb_1"}, plan.KBIDs)
	})

	t.Run("conditional falls back to defaults", func(t *testing.T) {
		plan := ResolvePlan(conditionalSpec(), "logic", nil)
		assert.Equal(t, []string{"kb_default"}, plan.KBIDs)
	})

	t.Run("mapping overrides policy", func(t *testing.T) {
		spec := conditionalSpec()
		spec.KnowledgePolicy.TopK = intPtr(3)
		mapping := &EffectiveMapping{Found: true, Layer: Layer{
			SubTypeKBMap: map[string][]string{"logic": {"kb_logic"}},
			TopK:         intPtr(8),
			Rerank:       boolPtr(true),
		}}

		plan := ResolvePlan(spec, "logic", mapping)
		assert.Equal(t, []string{"kb_logic"}, plan.KBIDs)
		assert.Equal(t, 8, plan.TopK)
		assert.True(t, plan.Rerank)

		// the mapping's sub-type map replaces the policy map as a whole
		plan = ResolvePlan(spec, "figure_reasoning", mapping)
		assert.Equal(t, []string{"kb_default"}, plan.KBIDs)
	})

	t.Run("not found mapping is ignored", func(t *testing.T) {
		mapping := &EffectiveMapping{Found: false, Layer: Layer{TopK: intPtr(1)}}
		assert.Equal(t, DefaultTopK, ResolvePlan(conditionalSpec(), "logic", mapping).TopK)
	})
}

func TestEnrich(t *testing.T) {
	index := map[string]Item{
		"kb_active":   {KBID: "kb_active", Status: StatusActive, KBVersion: "v3", Source: "vector"},
		"kb_inactive": {KBID: "kb_inactive", Status: "inactive"},
		"kb_nostatus": {KBID: "kb_nostatus"},
	}
	plan := Plan{Enabled: true, Mode: scenario.KnowledgeConditional, KBIDs: []string{"kb_active", "kb_inactive", "kb_nostatus", "kb_gone"}}

	t.Run("drops non-active", func(t *testing.T) {
		out := Enrich(plan, index, false)
		assert.True(t, out.Enabled)
		assert.Equal(t, []string{"kb_active"}, out.KBIDs)
		assert.Equal(t, []string{"kb_active", "kb_inactive", "kb_nostatus", "kb_gone"}, out.RequestedKBIDs)
		assert.Equal(t, []string{"kb_inactive", "kb_nostatus", "kb_gone"}, out.DroppedKBIDs)
		require.Len(t, out.KBItems, 1)
		assert.Equal(t, PlanItem{KBID: "kb_active", KBVersion: "v3", Status: StatusActive, Source: "vector"}, out.KBItems[0])
	})

	t.Run("allow inactive keeps everything", func(t *testing.T) {
		out := Enrich(plan, index, true)
		assert.Equal(t, plan.KBIDs, out.KBIDs)
		assert.Empty(t, out.DroppedKBIDs)
		assert.Equal(t, StatusUnknown, out.KBItems[2].Status)
		assert.Equal(t, StatusMissing, out.KBItems[3].Status)
	})

	t.Run("disabled plan passes through", func(t *testing.T) {
		out := Enrich(Plan{Mode: scenario.KnowledgeOff, KBIDs: []string{"kb_active"}}, index, false)
		assert.False(t, out.Enabled)
		assert.Empty(t, out.KBIDs)
		assert.Empty(t, out.Reason)
	})

	t.Run("input plan not mutated", func(t *testing.T) {
		in := Plan{Enabled: true, KBIDs: []string{"kb_inactive"}}
		_ = Enrich(in, index, false)
		assert.Equal(t, []string{"kb_inactive"}, in.KBIDs)
		assert.True(t, in.Enabled)
	})
}

func TestConditionalPlanWithInactiveKB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "KB_REGISTRY.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1","items":[{"kb_id":"kb_1","status":"inactive"}]}`), 0o644))

	reg := NewRegistry(path)
	require.NoError(t, reg.Load())

	r := &Resolver{Registry: reg}
	res := r.Resolve(conditionalSpec(), "figure_reasoning", "")

	assert.False(t, res.Plan.Enabled)
	assert.Equal(t, ReasonNoActiveKB, res.Plan.Reason)
	assert.Empty(t, res.Plan.KBIDs)
	assert.Equal(t, []string{"kb_1"}, res.Plan.RequestedKBIDs)
	assert.Equal(t, []string{"kb_1"}, res.Plan.DroppedKBIDs)
	assert.Equal(t, MappingSourceNone, res.Mapping.Source)
}

func TestPlannedHits(t *testing.T) {
	assert.Empty(t, PlannedHits(Plan{}))

	hits := PlannedHits(Plan{Enabled: true, KBIDs: []string{"a", "b"}})
	require.Len(t, hits, 2)
	assert.Equal(t, "planned_2", hits[1].ChunkID)
	assert.Equal(t, "unknown", hits[1].KBVersion)
	assert.Equal(t, "knowledge_plan", hits[0].Source)

	hits = PlannedHits(Plan{Enabled: true, KBIDs: []string{"a"}, KBItems: []PlanItem{{KBID: "a", KBVersion: "v2"}}})
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].KBVersion)
}

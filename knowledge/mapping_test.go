package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/examgate/scenario"
)

const examMapping = `{
  "scenario_id": "exam_qa",
  "version": "7",
  "overrides": {
    "default_kb_ids": ["kb_base"],
    "sub_type_kb_map": {"logic": ["kb_logic"], "language": ["kb_lang"]},
    "top_k": 4
  },
  "env_overrides": {
    "prod": {"sub_type_kb_map": {"logic": ["kb_logic_prod"]}, "rerank": true}
  },
  "tenant_overrides": {
    "acme": {"default_kb_ids": ["kb_acme"], "top_k": 9}
  }
}`

func newMappingStore(t *testing.T) *MappingStore {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exam.kbmap.json"), []byte(examMapping), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "more"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "more", "essay.kbmap.yaml"), []byte("scenario_id: essay\noverrides:\n  default_kb_ids: [kb_missing]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.kbmap.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "anon.kbmap.json"), []byte(`{"overrides":{}}`), 0o644))

	m := NewMappingStore(dir)
	require.NoError(t, m.Load())
	return m
}

func TestMappingStoreLoad(t *testing.T) {
	m := newMappingStore(t)
	assert.Equal(t, []string{"essay", "exam_qa"}, m.ScenarioIDs())

	errs := m.LoadErrors()
	require.Len(t, errs, 2)
	reasons := []string{errs[0].Reason, errs[1].Reason}
	assert.ElementsMatch(t, []string{"read_or_parse_error", "missing_scenario_id"}, reasons)
}

func TestEffectiveMapping(t *testing.T) {
	m := newMappingStore(t)

	t.Run("base only", func(t *testing.T) {
		eff := m.Effective("exam_qa", "dev", "")
		assert.True(t, eff.Found)
		assert.Equal(t, "7", eff.Version)
		assert.Equal(t, MappingSourceBase, eff.Source)
		assert.Equal(t, []string{"kb_base"}, eff.DefaultKBIDs)
		assert.Equal(t, 4, *eff.TopK)
		assert.Nil(t, eff.Rerank)
	})

	t.Run("env layer merges sub-type map per key", func(t *testing.T) {
		eff := m.Effective("exam_qa", "prod", "")
		assert.Equal(t, MappingSourceEnv, eff.Source)
		assert.Equal(t, map[string][]string{"logic": {"kb_logic_prod"}, "language": {"kb_lang"}}, eff.SubTypeKBMap)
		assert.True(t, *eff.Rerank)
	})

	t.Run("tenant layer wins", func(t *testing.T) {
		eff := m.Effective("exam_qa", "prod", "acme")
		assert.Equal(t, MappingSourceTenant, eff.Source)
		assert.Equal(t, []string{"kb_acme"}, eff.DefaultKBIDs)
		assert.Equal(t, 9, *eff.TopK)
		assert.True(t, *eff.Rerank)
		assert.Equal(t, []string{"kb_logic_prod"}, eff.SubTypeKBMap["logic"])
	})

	t.Run("unknown tenant falls back", func(t *testing.T) {
		eff := m.Effective("exam_qa", "dev", "nobody")
		assert.Equal(t, MappingSourceBase, eff.Source)
	})

	t.Run("no mapping", func(t *testing.T) {
		eff := m.Effective("absent", "dev", "")
		assert.False(t, eff.Found)
		assert.Equal(t, MappingSourceNone, eff.Source)
	})

	t.Run("mutation does not leak", func(t *testing.T) {
		eff := m.Effective("exam_qa", "prod", "")
		eff.SubTypeKBMap["logic"][0] = "mutated"
		raw, _ := m.Raw("exam_qa")
		raw.Overrides.DefaultKBIDs[0] = "mutated"

		again := m.Effective("exam_qa", "prod", "")
		assert.Equal(t, "kb_logic_prod", again.SubTypeKBMap["logic"][0])
		assert.Equal(t, "kb_base", again.DefaultKBIDs[0])
	})
}

func TestValidateWithRegistry(t *testing.T) {
	m := newMappingStore(t)
	index := map[string]Item{
		"kb_base":       {KBID: "kb_base", Status: StatusActive},
		"kb_logic":      {KBID: "kb_logic", Status: StatusActive},
		"kb_lang":       {KBID: "kb_lang", Status: "deprecated"},
		"kb_logic_prod": {KBID: "kb_logic_prod", Status: StatusActive},
		"kb_acme":       {KBID: "kb_acme", Status: StatusActive},
	}

	issues := m.ValidateWithRegistry(index, false)
	assert.Equal(t, []Issue{
		{ScenarioID: "essay", KBID: "kb_missing", Reason: IssueMissingKB},
		{ScenarioID: "exam_qa", KBID: "kb_lang", Reason: "kb_not_active:deprecated"},
	}, issues)

	issues = m.ValidateWithRegistry(index, true)
	assert.Equal(t, []Issue{{ScenarioID: "essay", KBID: "kb_missing", Reason: IssueMissingKB}}, issues)
}

func TestMissingMappings(t *testing.T) {
	m := newMappingStore(t)
	disabled := false
	specs := []*scenario.Spec{
		{ScenarioID: "exam_qa", KnowledgePolicy: scenario.KnowledgePolicy{Mode: scenario.KnowledgeConditional}},
		{ScenarioID: "quiz", KnowledgePolicy: scenario.KnowledgePolicy{Mode: scenario.KnowledgeAlways}},
		{ScenarioID: "paused", Enabled: &disabled, KnowledgePolicy: scenario.KnowledgePolicy{Mode: scenario.KnowledgeAlways}},
		{ScenarioID: "plain"},
	}

	assert.Equal(t, []Issue{{ScenarioID: "quiz", Reason: IssueMappingMissing}}, m.MissingMappings(specs))
}

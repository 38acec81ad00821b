package knowledge

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360studio/examgate/scenario"
)

// MappingPattern matches KB mapping documents below the mapping directory.
const MappingPattern = "**/*.kbmap.{json,yaml,yml}"

// Mapping sources reported by EffectiveMapping.
const (
	MappingSourceNone   = "none"
	MappingSourceBase   = "base_override"
	MappingSourceEnv    = "env_override"
	MappingSourceTenant = "tenant_override"
)

// Layer is one level of KB mapping overrides. Nil fields are unset.
type Layer struct {
	DefaultKBIDs    []string            `json:"default_kb_ids,omitempty" yaml:"default_kb_ids,omitempty"`
	SubTypeKBMap    map[string][]string `json:"sub_type_kb_map,omitempty" yaml:"sub_type_kb_map,omitempty"`
	TopK            *int                `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Rerank          *bool               `json:"rerank,omitempty" yaml:"rerank,omitempty"`
	MaxContextChars *int                `json:"max_context_chars,omitempty" yaml:"max_context_chars,omitempty"`
}

// IsEmpty reports whether the layer sets nothing.
func (l Layer) IsEmpty() bool {
	return l.DefaultKBIDs == nil && l.SubTypeKBMap == nil &&
		l.TopK == nil && l.Rerank == nil && l.MaxContextChars == nil
}

// Merge overlays over onto l. Lists are replaced; the sub-type map is merged
// key by key.
func (l Layer) Merge(over Layer) Layer {
	out := l.clone()
	if over.DefaultKBIDs != nil {
		out.DefaultKBIDs = append([]string{}, over.DefaultKBIDs...)
	}
	if over.SubTypeKBMap != nil {
		if out.SubTypeKBMap == nil {
			out.SubTypeKBMap = make(map[string][]string, len(over.SubTypeKBMap))
		}
		for k, v := range over.SubTypeKBMap {
			out.SubTypeKBMap[k] = append([]string{}, v...)
		}
	}
	if over.TopK != nil {
		v := *over.TopK
		out.TopK = &v
	}
	if over.Rerank != nil {
		v := *over.Rerank
		out.Rerank = &v
	}
	if over.MaxContextChars != nil {
		v := *over.MaxContextChars
		out.MaxContextChars = &v
	}
	return out
}

func (l Layer) clone() Layer {
	out := Layer{}
	if l.DefaultKBIDs != nil {
		out.DefaultKBIDs = append([]string{}, l.DefaultKBIDs...)
	}
	if l.SubTypeKBMap != nil {
		out.SubTypeKBMap = make(map[string][]string, len(l.SubTypeKBMap))
		for k, v := range l.SubTypeKBMap {
			out.SubTypeKBMap[k] = append([]string{}, v...)
		}
	}
	if l.TopK != nil {
		v := *l.TopK
		out.TopK = &v
	}
	if l.Rerank != nil {
		v := *l.Rerank
		out.Rerank = &v
	}
	if l.MaxContextChars != nil {
		v := *l.MaxContextChars
		out.MaxContextChars = &v
	}
	return out
}

// MappingDocument is one scenario's KB mapping file.
type MappingDocument struct {
	ScenarioID      string           `json:"scenario_id" yaml:"scenario_id"`
	Version         string           `json:"version,omitempty" yaml:"version,omitempty"`
	UpdatedAt       string           `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Overrides       Layer            `json:"overrides" yaml:"overrides"`
	EnvOverrides    map[string]Layer `json:"env_overrides,omitempty" yaml:"env_overrides,omitempty"`
	TenantOverrides map[string]Layer `json:"tenant_overrides,omitempty" yaml:"tenant_overrides,omitempty"`
}

// Layers returns the base layer followed by every env and tenant layer in
// key order.
func (d MappingDocument) Layers() []Layer {
	layers := []Layer{d.Overrides}
	for _, k := range sortedKeys(d.EnvOverrides) {
		layers = append(layers, d.EnvOverrides[k])
	}
	for _, k := range sortedKeys(d.TenantOverrides) {
		layers = append(layers, d.TenantOverrides[k])
	}
	return layers
}

func (d MappingDocument) clone() MappingDocument {
	out := d
	out.Overrides = d.Overrides.clone()
	if d.EnvOverrides != nil {
		out.EnvOverrides = make(map[string]Layer, len(d.EnvOverrides))
		for k, v := range d.EnvOverrides {
			out.EnvOverrides[k] = v.clone()
		}
	}
	if d.TenantOverrides != nil {
		out.TenantOverrides = make(map[string]Layer, len(d.TenantOverrides))
		for k, v := range d.TenantOverrides {
			out.TenantOverrides[k] = v.clone()
		}
	}
	return out
}

// EffectiveMapping is the merged mapping for a scenario, env and tenant.
type EffectiveMapping struct {
	Found     bool   `json:"found"`
	Version   string `json:"version,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Source    string `json:"source"`
	Layer
}

// MappingLoadError records a mapping file that could not be used.
type MappingLoadError struct {
	File    string `json:"file"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type mappingState struct {
	docs   map[string]MappingDocument
	errors []MappingLoadError
}

func cloneMappingState(s mappingState) mappingState {
	out := mappingState{docs: make(map[string]MappingDocument, len(s.docs))}
	for k, v := range s.docs {
		out.docs[k] = v.clone()
	}
	out.errors = append([]MappingLoadError(nil), s.errors...)
	return out
}

// MappingStore serves KB mapping documents from a directory.
type MappingStore struct {
	files  GlobSource
	logger *slog.Logger
	cache  *VersionedCache[mappingState]
}

// NewMappingStore creates a store for dir. Call Load before use.
func NewMappingStore(dir string, opts ...Option) *MappingStore {
	o := buildOptions(opts)
	m := &MappingStore{files: GlobSource{Dir: dir, Pattern: MappingPattern}, logger: o.logger}
	src := o.source
	if src == nil {
		src = m.files
	}
	m.cache = NewVersionedCache(src, o.interval, m.read, cloneMappingState)
	return m
}

// Load reads every mapping file. Per-file problems are collected in
// LoadErrors rather than failing the whole load.
func (m *MappingStore) Load() error {
	if err := m.cache.Load(); err != nil {
		return fmt.Errorf("load KB mappings: %w", err)
	}
	for _, e := range m.LoadErrors() {
		m.logger.Warn("KB mapping load error", "file", e.File, "reason", e.Reason, "detail", e.Message)
	}
	return nil
}

func (m *MappingStore) read() (mappingState, error) {
	state := mappingState{docs: make(map[string]MappingDocument)}
	files, err := m.files.Files()
	if err != nil {
		return state, err
	}
	sort.Strings(files)

	for _, f := range files {
		rel, _ := filepath.Rel(m.files.Dir, f)
		var doc MappingDocument
		if err := scenario.ReadDocument(f, &doc); err != nil {
			state.errors = append(state.errors, MappingLoadError{File: rel, Reason: "read_or_parse_error", Message: err.Error()})
			continue
		}
		doc.ScenarioID = strings.TrimSpace(doc.ScenarioID)
		if doc.ScenarioID == "" {
			state.errors = append(state.errors, MappingLoadError{File: rel, Reason: "missing_scenario_id"})
			continue
		}
		state.docs[doc.ScenarioID] = doc
	}
	return state, nil
}

// Raw returns the mapping document for a scenario.
func (m *MappingStore) Raw(scenarioID string) (MappingDocument, bool) {
	doc, ok := m.cache.Get().docs[scenarioID]
	return doc, ok
}

// ScenarioIDs lists scenarios that have a mapping, sorted.
func (m *MappingStore) ScenarioIDs() []string {
	return sortedKeys(m.cache.Get().docs)
}

// LoadErrors returns problems from the most recent load.
func (m *MappingStore) LoadErrors() []MappingLoadError {
	return m.cache.Snapshot().errors
}

// CacheVersion returns the load counter of the underlying cache.
func (m *MappingStore) CacheVersion() uint64 {
	return m.cache.CurrentVersion()
}

// Effective merges base < env < tenant overrides for a scenario.
func (m *MappingStore) Effective(scenarioID, env, tenantID string) EffectiveMapping {
	doc, ok := m.Raw(scenarioID)
	if !ok {
		return EffectiveMapping{Source: MappingSourceNone}
	}
	return doc.Effective(env, tenantID)
}

// Effective merges the document's layers for env and tenantID.
func (d MappingDocument) Effective(env, tenantID string) EffectiveMapping {
	envLayer := d.EnvOverrides[env]
	var tenantLayer Layer
	if tenantID != "" {
		tenantLayer = d.TenantOverrides[tenantID]
	}

	source := MappingSourceBase
	switch {
	case !tenantLayer.IsEmpty():
		source = MappingSourceTenant
	case !envLayer.IsEmpty():
		source = MappingSourceEnv
	}

	version := d.Version
	if version == "" {
		version = "0"
	}
	return EffectiveMapping{
		Found:     true,
		Version:   version,
		UpdatedAt: d.UpdatedAt,
		Source:    source,
		Layer:     d.Overrides.Merge(envLayer).Merge(tenantLayer),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

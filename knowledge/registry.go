package knowledge

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/c360studio/examgate/scenario"
)

// KB statuses.
const (
	StatusActive  = "active"
	StatusUnknown = "unknown"
	StatusMissing = "missing"
)

// Item is a KB registry entry.
type Item struct {
	KBID      string `json:"kb_id" yaml:"kb_id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	KBVersion string `json:"kb_version,omitempty" yaml:"kb_version,omitempty"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
}

// RegistryDocument is the on-disk KB registry.
type RegistryDocument struct {
	Version   string `json:"version" yaml:"version"`
	UpdatedAt string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Items     []Item `json:"items" yaml:"items"`
}

// LoadError describes why a document could not be loaded.
type LoadError struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (e *LoadError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Path)
	}
	return e.Reason
}

// RegistryInfo summarizes the loaded registry.
type RegistryInfo struct {
	Version      string     `json:"version"`
	UpdatedAt    string     `json:"updated_at,omitempty"`
	Count        int        `json:"count"`
	LoadError    *LoadError `json:"load_error"`
	CacheVersion uint64     `json:"cache_version"`
}

type registryState struct {
	version   string
	updatedAt string
	index     map[string]Item
}

func cloneRegistryState(s registryState) registryState {
	out := s
	out.index = make(map[string]Item, len(s.index))
	for k, v := range s.index {
		out.index[k] = v
	}
	return out
}

// Registry is the KB registry backed by a single JSON or YAML file.
type Registry struct {
	path     string
	logger   *slog.Logger
	failFast bool
	cache    *VersionedCache[registryState]
}

// NewRegistry creates a registry for path. Call Load before use.
func NewRegistry(path string, opts ...Option) *Registry {
	o := buildOptions(opts)
	r := &Registry{path: path, logger: o.logger, failFast: o.failFast}
	src := o.source
	if src == nil {
		src = FileSource{Path: path}
	}
	r.cache = NewVersionedCache(src, o.interval, r.read, cloneRegistryState)
	return r
}

// Load reads the registry file. Failures leave an empty registry and are
// reported through Info; with fail-fast they are also returned.
func (r *Registry) Load() error {
	err := r.cache.Load()
	if err == nil {
		return nil
	}
	r.logger.Warn("KB registry load error", "path", r.path, "error", err)
	if r.failFast {
		return fmt.Errorf("load KB registry: %w", err)
	}
	return nil
}

func (r *Registry) read() (registryState, error) {
	empty := registryState{version: "0", index: map[string]Item{}}

	var doc RegistryDocument
	if err := scenario.ReadDocument(r.path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, &LoadError{Reason: "registry_file_missing", Path: r.path}
		}
		return empty, &LoadError{Reason: "registry_parse_failed", Message: err.Error()}
	}

	state := registryState{version: doc.Version, updatedAt: doc.UpdatedAt, index: make(map[string]Item, len(doc.Items))}
	if state.version == "" {
		state.version = "0"
	}
	for _, item := range doc.Items {
		item.KBID = strings.TrimSpace(item.KBID)
		if item.KBID == "" {
			continue
		}
		state.index[item.KBID] = item
	}
	if doc.Items == nil {
		return state, &LoadError{Reason: "registry_items_missing_or_not_array"}
	}
	return state, nil
}

// Info returns registry metadata without triggering a reload.
func (r *Registry) Info() RegistryInfo {
	state := r.cache.Snapshot()
	info := RegistryInfo{
		Version:      state.version,
		UpdatedAt:    state.updatedAt,
		Count:        len(state.index),
		CacheVersion: r.cache.CurrentVersion(),
	}
	var le *LoadError
	if errors.As(r.cache.LoadError(), &le) {
		info.LoadError = le
	}
	return info
}

// Index returns a copy of the registry keyed by KB id.
func (r *Registry) Index() map[string]Item {
	return r.cache.Get().index
}

// Item looks up a single entry.
func (r *Registry) Item(kbID string) (Item, bool) {
	item, ok := r.Index()[kbID]
	return item, ok
}

// EnrichPlan filters plan.KBIDs down to active registry entries. Unless
// allowInactive is set, inactive, unknown and missing ids are dropped; an
// enabled plan left with nothing is disabled with reason no_active_kb.
func (r *Registry) EnrichPlan(plan Plan, allowInactive bool) Plan {
	return Enrich(plan, r.Index(), allowInactive)
}

// Enrich is EnrichPlan against an explicit index.
func Enrich(plan Plan, index map[string]Item, allowInactive bool) Plan {
	if !plan.Enabled {
		out := plan
		out.KBIDs = []string{}
		out.KBItems = nil
		return out
	}

	requested := append([]string{}, plan.KBIDs...)
	dropped := []string{}
	items := []PlanItem{}

	for _, id := range plan.KBIDs {
		item, ok := index[id]
		status := StatusMissing
		if ok {
			status = item.Status
			if status == "" {
				status = StatusUnknown
			}
		}
		if !allowInactive && status != StatusActive {
			dropped = append(dropped, id)
			continue
		}
		items = append(items, PlanItem{
			KBID:      id,
			KBVersion: orDefault(item.KBVersion, "unknown"),
			Status:    status,
			Source:    orDefault(item.Source, "unknown"),
		})
	}

	out := plan
	out.RequestedKBIDs = requested
	out.DroppedKBIDs = dropped
	out.KBItems = items
	out.KBIDs = make([]string, 0, len(items))
	for _, it := range items {
		out.KBIDs = append(out.KBIDs, it.KBID)
	}
	if len(items) == 0 {
		out.Enabled = false
		out.Reason = ReasonNoActiveKB
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// FilePattern matches scenario documents below the registry directory.
const FilePattern = "**/*.scenario.{json,yaml,yml}"

// Provider resolves scenarios by id. Returned specs are copies.
type Provider interface {
	Get(id string) (*Spec, bool)
}

// Registry is a directory-backed scenario provider.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	scenarios map[string]*Spec
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry rooted at dir. Call Load before use.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:       dir,
		logger:    slog.Default(),
		scenarios: make(map[string]*Spec),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the registry contents with the documents found on disk.
// A missing directory yields an empty registry. Files whose base name
// starts with an underscore are skipped, as are documents without an id.
func (r *Registry) Load() error {
	loaded := make(map[string]*Spec)

	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		r.logger.Warn("scenario directory missing", "dir", r.dir)
		r.swap(loaded)
		return nil
	}

	matches, err := doublestar.Glob(os.DirFS(r.dir), FilePattern)
	if err != nil {
		return fmt.Errorf("glob scenarios: %w", err)
	}
	sort.Strings(matches)

	for _, rel := range matches {
		if strings.HasPrefix(path.Base(rel), "_") {
			continue
		}
		full := filepath.Join(r.dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("load scenario: read %s: %w", full, err)
		}
		var spec Spec
		if err := DecodeDocument(full, data, &spec); err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}
		if len(spec.ProfileOrder) == 0 {
			spec.ProfileOrder = mappingKeys(data, "sub_type_profiles")
		}
		spec.ScenarioID = strings.TrimSpace(spec.ScenarioID)
		if spec.ScenarioID == "" {
			r.logger.Warn("scenario without scenario_id skipped", "file", rel)
			continue
		}
		if _, dup := loaded[spec.ScenarioID]; dup {
			r.logger.Warn("duplicate scenario id, later file wins", "scenario_id", spec.ScenarioID, "file", rel)
		}
		loaded[spec.ScenarioID] = &spec
	}

	r.swap(loaded)
	r.logger.Info("scenarios loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

func (r *Registry) swap(next map[string]*Spec) {
	r.mu.Lock()
	r.scenarios = next
	r.mu.Unlock()
}

// Get returns a copy of the scenario with the given id.
func (r *Registry) Get(id string) (*Spec, bool) {
	r.mu.RLock()
	spec, ok := r.scenarios[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return spec.Clone(), true
}

// IDs returns the loaded scenario ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.scenarios))
	for id := range r.scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of loaded scenarios.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scenarios)
}

// Static is an in-memory provider, mostly useful in tests.
type Static map[string]*Spec

// Get returns a copy of the scenario.
func (s Static) Get(id string) (*Spec, bool) {
	spec, ok := s[id]
	if !ok {
		return nil, false
	}
	return spec.Clone(), true
}

// IDs returns the scenario ids in sorted order.
func (s Static) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "examgate.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/examgate"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes environment overrides (EXAMGATE_UPSTREAM_BASE_URL...)
	EnvPrefix = "EXAMGATE"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger   *slog.Logger
	explicit string
	lookup   func(string) (string, bool)
	userDir  string
	workDir  string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile adds an explicit config file above the project file.
// Unlike the implicit layers it must exist.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) {
		l.explicit = path
	}
}

// WithEnvLookup replaces os.LookupEnv. Used by tests.
func WithEnvLookup(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		if lookup != nil {
			l.lookup = lookup
		}
	}
}

// WithDirs overrides the home and working directories searched for
// user and project config.
func WithDirs(home, workDir string) LoaderOption {
	return func(l *Loader) {
		l.userDir = filepath.Join(home, UserConfigDir)
		l.workDir = workDir
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, lookup: os.LookupEnv}
	if home, err := os.UserHomeDir(); err == nil {
		l.userDir = filepath.Join(home, UserConfigDir)
	}
	if cwd, err := os.Getwd(); err == nil {
		l.workDir = cwd
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/examgate/config.yaml)
// 3. Project config (examgate.yaml in current or parent directories)
// 4. Explicit --config file
// 5. Environment variables (EXAMGATE_*)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if l.userDir != "" {
		userConfigPath := filepath.Join(l.userDir, UserConfigFile)
		if err := decodeFile(userConfigPath, config); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := decodeFile(projectConfigPath, config); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if l.explicit != "" {
		if err := decodeFile(l.explicit, config); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", l.explicit))
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// findProjectConfig searches for examgate.yaml in the working directory and
// its parents
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}
	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// envBindings maps a config key to the legacy variable names accepted
// alongside EXAMGATE_<KEY>.
var envBindings = map[string][]string{
	"server.addr":                      nil,
	"server.env":                       {"APP_ENV"},
	"server.max_request_bytes":         {"MAX_REQUEST_BYTES"},
	"scenarios.dir":                    nil,
	"scenarios.overrides_file":         nil,
	"knowledge.registry_path":          nil,
	"knowledge.mapping_dir":            nil,
	"knowledge.reload_interval":        nil,
	"knowledge.allow_inactive":         {"KB_ALLOW_INACTIVE"},
	"knowledge.watch":                  nil,
	"knowledge.fail_fast":              {"KB_MAPPING_FAIL_FAST"},
	"knowledge.require_mappings":       {"KB_MAPPING_REQUIRE_ENABLED_SCENARIOS"},
	"upstream.base_url":                {"DIFY_BASE_URL"},
	"upstream.api_key":                 {"DIFY_API_KEY"},
	"upstream.workflow_keys":           {"DIFY_API_KEYS_BY_WORKFLOW_ID"},
	"upstream.timeout":                 nil,
	"upstream.disable_timeout":         {"DIFY_DISABLE_TIMEOUT"},
	"upstream.fallback_to_offline":     nil,
	"classifier.mode":                  {"EXAM_SUBTYPE_CLASSIFIER_MODE"},
	"classifier.api_key":               {"DIFY_SUBTYPE_CLASSIFIER_API_KEY"},
	"classifier.workflow_id":           nil,
	"classifier.timeout":               nil,
	"classifier.reclassify_on_retry":   {"EXAM_RECLASSIFY_ON_RETRY"},
	"classifier.image_only_sub_type":   {"EXAM_IMAGE_ONLY_DEFAULT_SUBTYPE"},
	"classifier.image_only_confidence": {"EXAM_IMAGE_ONLY_CONFIDENCE"},
	"stream.heartbeat":                 nil,
	"stream.client_ttl":                nil,
	"stream.max_connections":           {"SSE_MAX_CONNECTIONS"},
	"stream.nats_url":                  {"NATS_URL"},
	"audit.path":                       nil,
	"audit.retention":                  nil,
	"offline.stage_delay":              nil,
	"metrics.enabled":                  {"ENABLE_METRICS"},
}

// applyEnv overlays environment variables through viper. Only variables
// that are actually set override the file layers.
func (l *Loader) applyEnv(c *Config) {
	v := viper.New()
	for key, legacy := range envBindings {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, legacy...)
		for _, name := range names {
			if value, ok := l.lookup(name); ok {
				v.Set(key, value)
				break
			}
		}
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("server.addr", &c.Server.Addr)
	str("server.env", &c.Server.Env)
	if v.IsSet("server.max_request_bytes") {
		c.Server.MaxRequestBytes = v.GetInt64("server.max_request_bytes")
	}
	str("scenarios.dir", &c.Scenarios.Dir)
	str("scenarios.overrides_file", &c.Scenarios.OverridesFile)
	str("knowledge.registry_path", &c.Knowledge.RegistryPath)
	str("knowledge.mapping_dir", &c.Knowledge.MappingDir)
	if v.IsSet("knowledge.reload_interval") {
		c.Knowledge.ReloadInterval = v.GetDuration("knowledge.reload_interval")
	}
	boolean("knowledge.allow_inactive", &c.Knowledge.AllowInactive)
	boolean("knowledge.watch", &c.Knowledge.Watch)
	boolean("knowledge.fail_fast", &c.Knowledge.FailFast)
	boolean("knowledge.require_mappings", &c.Knowledge.RequireMappings)
	str("upstream.base_url", &c.Upstream.BaseURL)
	str("upstream.api_key", &c.Upstream.APIKey)
	if v.IsSet("upstream.workflow_keys") {
		keys := map[string]string{}
		if err := json.Unmarshal([]byte(v.GetString("upstream.workflow_keys")), &keys); err != nil {
			l.logger.Warn("Ignoring malformed workflow key map", slog.String("error", err.Error()))
		} else {
			c.Upstream.WorkflowKeys = keys
		}
	}
	if v.IsSet("upstream.timeout") {
		c.Upstream.Timeout = v.GetDuration("upstream.timeout")
	}
	boolean("upstream.disable_timeout", &c.Upstream.DisableTimeout)
	boolean("upstream.fallback_to_offline", &c.Upstream.FallbackToOffline)
	str("classifier.mode", &c.Classifier.Mode)
	c.Classifier.Mode = strings.ToLower(strings.TrimSpace(c.Classifier.Mode))
	str("classifier.api_key", &c.Classifier.APIKey)
	str("classifier.workflow_id", &c.Classifier.WorkflowID)
	if v.IsSet("classifier.timeout") {
		c.Classifier.Timeout = v.GetDuration("classifier.timeout")
	}
	boolean("classifier.reclassify_on_retry", &c.Classifier.ReclassifyOnRetry)
	str("classifier.image_only_sub_type", &c.Classifier.ImageOnlySubType)
	if v.IsSet("classifier.image_only_confidence") {
		c.Classifier.ImageOnlyConfidence = v.GetFloat64("classifier.image_only_confidence")
	}
	if v.IsSet("stream.heartbeat") {
		c.Stream.Heartbeat = v.GetDuration("stream.heartbeat")
	}
	if v.IsSet("stream.client_ttl") {
		c.Stream.ClientTTL = v.GetDuration("stream.client_ttl")
	}
	if v.IsSet("stream.max_connections") {
		c.Stream.MaxConnections = v.GetInt("stream.max_connections")
	}
	str("stream.nats_url", &c.Stream.NATSURL)
	str("audit.path", &c.Audit.Path)
	if v.IsSet("audit.retention") {
		c.Audit.Retention = v.GetDuration("audit.retention")
	}
	if v.IsSet("offline.stage_delay") {
		c.Offline.StageDelay = v.GetDuration("offline.stage_delay")
	}
	boolean("metrics.enabled", &c.Metrics.Enabled)
}

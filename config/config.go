// Package config provides configuration loading and management for the
// examgate gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/examgate/provider"
	"github.com/c360studio/examgate/upstream"
	"gopkg.in/yaml.v3"
)

// Classifier modes.
const (
	ClassifierHeuristic = "heuristic"
	ClassifierRemote    = "remote"
)

// Config represents the complete gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scenarios  ScenariosConfig  `yaml:"scenarios"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Stream     StreamConfig     `yaml:"stream"`
	Audit      AuditConfig      `yaml:"audit"`
	Offline    OfflineConfig    `yaml:"offline"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8080)
	Addr string `yaml:"addr"`
	// Env selects the KB mapping environment layer (dev, staging, prod...)
	Env string `yaml:"env"`
	// ReadTimeout bounds reading a request including its body
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds non-streaming responses. Stream connections
	// clear it for themselves.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestBytes caps request bodies
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// ScenariosConfig locates scenario documents
type ScenariosConfig struct {
	Dir string `yaml:"dir"`
	// OverridesFile holds admin route/profile/prompt overrides (optional)
	OverridesFile string `yaml:"overrides_file"`
}

// KnowledgeConfig configures the KB registry and mapping store
type KnowledgeConfig struct {
	RegistryPath   string        `yaml:"registry_path"`
	MappingDir     string        `yaml:"mapping_dir"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	AllowInactive  bool          `yaml:"allow_inactive"`
	// Watch advances cache markers from filesystem events
	Watch bool `yaml:"watch"`
	// FailFast refuses to start when the registry is unusable or the
	// mapping check reports issues
	FailFast bool `yaml:"fail_fast"`
	// RequireMappings reports enabled knowledge scenarios without a mapping
	RequireMappings bool `yaml:"require_mappings"`
}

// UpstreamConfig configures the remote workflow executor
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// WorkflowKeys override APIKey per workflow id
	WorkflowKeys      map[string]string      `yaml:"workflow_keys"`
	Timeout           time.Duration          `yaml:"timeout"`
	DisableTimeout    bool                   `yaml:"disable_timeout"`
	FallbackToOffline bool                   `yaml:"fallback_to_offline"`
	Retry             upstream.RetryConfig   `yaml:"retry"`
	Breaker           provider.BreakerConfig `yaml:"breaker"`
}

// Configured reports whether remote workflows can be called.
func (u UpstreamConfig) Configured() bool {
	return u.BaseURL != "" && (u.APIKey != "" || len(u.WorkflowKeys) > 0)
}

// ClassifierConfig configures sub-type classification
type ClassifierConfig struct {
	// Mode is heuristic or remote
	Mode string `yaml:"mode"`
	// BaseURL defaults to upstream.base_url
	BaseURL string `yaml:"base_url"`
	// APIKey defaults to upstream.api_key
	APIKey              string        `yaml:"api_key"`
	WorkflowID          string        `yaml:"workflow_id"`
	Timeout             time.Duration `yaml:"timeout"`
	ReclassifyOnRetry   bool          `yaml:"reclassify_on_retry"`
	ImageOnlySubType    string        `yaml:"image_only_sub_type"`
	ImageOnlyConfidence float64       `yaml:"image_only_confidence"`
}

// StreamConfig configures the stream bus and its NATS mirror
type StreamConfig struct {
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ClientTTL      time.Duration `yaml:"client_ttl"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	MaxConnections int           `yaml:"max_connections"`
	// NATSURL enables mirroring of stream events when set
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuditConfig configures trace persistence
type AuditConfig struct {
	Path string `yaml:"path"`
	// Retention of zero keeps records forever
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// OfflineConfig tunes the offline provider
type OfflineConfig struct {
	StageDelay time.Duration `yaml:"stage_delay"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			Env:             "dev",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestBytes: 2 << 20,
		},
		Scenarios: ScenariosConfig{
			Dir: "scenarios",
		},
		Knowledge: KnowledgeConfig{
			RegistryPath:   "data/kb/registry.json",
			MappingDir:     "data/kb/mappings",
			ReloadInterval: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:           15 * time.Second,
			FallbackToOffline: true,
			Retry:             upstream.DefaultRetryConfig(),
			Breaker:           provider.DefaultBreakerConfig(),
		},
		Classifier: ClassifierConfig{
			Mode:                ClassifierHeuristic,
			Timeout:             8 * time.Second,
			ImageOnlySubType:    "figure_reasoning",
			ImageOnlyConfidence: 0.62,
		},
		Stream: StreamConfig{
			Heartbeat:      15 * time.Second,
			ClientTTL:      120 * time.Second,
			MaxConnections: 2000,
			SubjectPrefix:  "examgate.stream",
		},
		Audit: AuditConfig{
			Path:          "data/audit/examgate.db",
			PurgeInterval: time.Hour,
		},
		Offline: OfflineConfig{
			StageDelay: provider.DefaultStageDelay,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "examgate",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Env == "" {
		return fmt.Errorf("server.env is required")
	}
	if c.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.max_request_bytes must be positive")
	}
	if c.Scenarios.Dir == "" {
		return fmt.Errorf("scenarios.dir is required")
	}
	if c.Knowledge.ReloadInterval < 0 {
		return fmt.Errorf("knowledge.reload_interval must not be negative")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative")
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		return fmt.Errorf("upstream.retry.max_attempts must be at least 1")
	}
	if c.Upstream.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("upstream.breaker.failure_threshold must not be negative")
	}
	switch c.Classifier.Mode {
	case ClassifierHeuristic:
	case ClassifierRemote:
		if c.ClassifierBaseURL() == "" {
			return fmt.Errorf("classifier.mode=remote requires classifier.base_url or upstream.base_url")
		}
	default:
		return fmt.Errorf("classifier.mode must be %q or %q, got %q", ClassifierHeuristic, ClassifierRemote, c.Classifier.Mode)
	}
	if c.Classifier.ImageOnlyConfidence < 0 || c.Classifier.ImageOnlyConfidence > 1 {
		return fmt.Errorf("classifier.image_only_confidence must be between 0 and 1")
	}
	if c.Stream.MaxConnections <= 0 {
		return fmt.Errorf("stream.max_connections must be positive")
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if c.Offline.StageDelay < 0 {
		return fmt.Errorf("offline.stage_delay must not be negative")
	}
	return nil
}

// ClassifierBaseURL returns the classifier endpoint, falling back to the
// upstream executor.
func (c *Config) ClassifierBaseURL() string {
	if c.Classifier.BaseURL != "" {
		return c.Classifier.BaseURL
	}
	return c.Upstream.BaseURL
}

// ClassifierAPIKey returns the classifier key, falling back to the
// upstream key.
func (c *Config) ClassifierAPIKey() string {
	if c.Classifier.APIKey != "" {
		return c.Classifier.APIKey
	}
	return c.Upstream.APIKey
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile decodes path onto config. Keys absent from the file keep their
// current values.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Keys may be present.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Booleans can only be switched on; use a config file
// layer to switch one off.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.Env != "" {
		c.Server.Env = other.Server.Env
	}
	if other.Server.ReadTimeout != 0 {
		c.Server.ReadTimeout = other.Server.ReadTimeout
	}
	if other.Server.WriteTimeout != 0 {
		c.Server.WriteTimeout = other.Server.WriteTimeout
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}
	if other.Server.MaxRequestBytes != 0 {
		c.Server.MaxRequestBytes = other.Server.MaxRequestBytes
	}

	// Scenarios
	if other.Scenarios.Dir != "" {
		c.Scenarios.Dir = other.Scenarios.Dir
	}
	if other.Scenarios.OverridesFile != "" {
		c.Scenarios.OverridesFile = other.Scenarios.OverridesFile
	}

	// Knowledge
	if other.Knowledge.RegistryPath != "" {
		c.Knowledge.RegistryPath = other.Knowledge.RegistryPath
	}
	if other.Knowledge.MappingDir != "" {
		c.Knowledge.MappingDir = other.Knowledge.MappingDir
	}
	if other.Knowledge.ReloadInterval != 0 {
		c.Knowledge.ReloadInterval = other.Knowledge.ReloadInterval
	}
	c.Knowledge.AllowInactive = c.Knowledge.AllowInactive || other.Knowledge.AllowInactive
	c.Knowledge.Watch = c.Knowledge.Watch || other.Knowledge.Watch
	c.Knowledge.FailFast = c.Knowledge.FailFast || other.Knowledge.FailFast
	c.Knowledge.RequireMappings = c.Knowledge.RequireMappings || other.Knowledge.RequireMappings

	// Upstream
	if other.Upstream.BaseURL != "" {
		c.Upstream.BaseURL = other.Upstream.BaseURL
	}
	if other.Upstream.APIKey != "" {
		c.Upstream.APIKey = other.Upstream.APIKey
	}
	if len(other.Upstream.WorkflowKeys) > 0 {
		if c.Upstream.WorkflowKeys == nil {
			c.Upstream.WorkflowKeys = make(map[string]string, len(other.Upstream.WorkflowKeys))
		}
		for id, key := range other.Upstream.WorkflowKeys {
			c.Upstream.WorkflowKeys[id] = key
		}
	}
	if other.Upstream.Timeout != 0 {
		c.Upstream.Timeout = other.Upstream.Timeout
	}
	c.Upstream.DisableTimeout = c.Upstream.DisableTimeout || other.Upstream.DisableTimeout

	// Classifier
	if other.Classifier.Mode != "" {
		c.Classifier.Mode = other.Classifier.Mode
	}
	if other.Classifier.BaseURL != "" {
		c.Classifier.BaseURL = other.Classifier.BaseURL
	}
	if other.Classifier.APIKey != "" {
		c.Classifier.APIKey = other.Classifier.APIKey
	}
	if other.Classifier.WorkflowID != "" {
		c.Classifier.WorkflowID = other.Classifier.WorkflowID
	}
	if other.Classifier.Timeout != 0 {
		c.Classifier.Timeout = other.Classifier.Timeout
	}
	c.Classifier.ReclassifyOnRetry = c.Classifier.ReclassifyOnRetry || other.Classifier.ReclassifyOnRetry

	// Stream
	if other.Stream.MaxConnections != 0 {
		c.Stream.MaxConnections = other.Stream.MaxConnections
	}
	if other.Stream.NATSURL != "" {
		c.Stream.NATSURL = other.Stream.NATSURL
	}

	// Audit
	if other.Audit.Path != "" {
		c.Audit.Path = other.Audit.Path
	}
}

// Package router classifies requests into sub-types and resolves the
// workflow and prompt plan bound to each sub-type.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// ForcedConfidence is reported for caller-forced sub-types.
const ForcedConfidence = 0.98

// Image-only defaults used when text is absent and no profile claims the
// request.
const (
	DefaultImageOnlySubType    = "figure_reasoning"
	DefaultImageOnlyConfidence = 0.62
)

// ExternalClassifier is an out-of-process classification capability.
type ExternalClassifier interface {
	Classify(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec) (pipeline.Classification, error)
}

// Config tunes the heuristic classifier.
type Config struct {
	ImageOnlySubType    string
	ImageOnlyConfidence float64
	// ReclassifyOnRetry disables reuse of the first pass's classification.
	ReclassifyOnRetry bool
}

// DefaultConfig returns the classifier defaults.
func DefaultConfig() Config {
	return Config{
		ImageOnlySubType:    DefaultImageOnlySubType,
		ImageOnlyConfidence: DefaultImageOnlyConfidence,
	}
}

// Classifier decides the sub-type of a request.
type Classifier struct {
	cfg      Config
	external ExternalClassifier
	logger   *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithExternal delegates classification to ext before the heuristics.
func WithExternal(ext ExternalClassifier) Option {
	return func(c *Classifier) {
		c.external = ext
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClassifier creates a classifier. Out-of-range image-only settings fall
// back to the defaults.
func NewClassifier(cfg Config, opts ...Option) *Classifier {
	cfg.ImageOnlySubType = strings.TrimSpace(cfg.ImageOnlySubType)
	if cfg.ImageOnlySubType == "" {
		cfg.ImageOnlySubType = DefaultImageOnlySubType
	}
	if cfg.ImageOnlyConfidence <= 0 {
		cfg.ImageOnlyConfidence = DefaultImageOnlyConfidence
	}
	cfg.ImageOnlyConfidence = clamp(cfg.ImageOnlyConfidence, 0.1, 0.95)

	c := &Classifier{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UsesExternal reports whether an external classifier is configured.
func (c *Classifier) UsesExternal() bool {
	return c.external != nil
}

// Delegates reports whether Classify would consult the external classifier
// for this pass.
func (c *Classifier) Delegates(req *pipeline.Request, prior *pipeline.Classification, retryIndex int) bool {
	if c.external == nil || strings.TrimSpace(req.Options.ForceSubType) != "" {
		return false
	}
	return prior == nil || retryIndex == 0 || c.cfg.ReclassifyOnRetry
}

// Classify returns the classification of req for the given pass.
//
// Order: a forced sub-type wins; on retries the prior classification is
// reused unless reclassification is enabled; then the external classifier
// (if any); then the profile keyword heuristic; then the built-in rules.
func (c *Classifier) Classify(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec, prior *pipeline.Classification, retryIndex int) pipeline.Classification {
	if forced := strings.TrimSpace(req.Options.ForceSubType); forced != "" {
		return pipeline.Classification{SubType: forced, Confidence: ForcedConfidence, Source: pipeline.SourceForced}
	}

	if prior != nil && retryIndex > 0 && !c.cfg.ReclassifyOnRetry {
		return *prior
	}

	if c.external != nil {
		cls, err := c.external.Classify(ctx, traceID, req, spec)
		if err == nil {
			return cls
		}
		c.logger.Warn("External classifier failed, using heuristic",
			"trace_id", traceID,
			"error", err)
	}

	return c.Heuristic(req.Input, spec)
}

// Heuristic classifies by scenario profiles, then by the built-in rules.
func (c *Classifier) Heuristic(in pipeline.Input, spec *scenario.Spec) pipeline.Classification {
	if cls, ok := scoreProfiles(in, spec); ok {
		return cls
	}
	return c.ruleHeuristic(in)
}

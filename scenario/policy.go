package scenario

import (
	"github.com/c360studio/examgate/pipeline"
)

// Quality tiers.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierStrict   = "strict"
)

// Defaults applied when neither request nor scenario sets a value.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultTotalLatencyMS      = 8000
	DefaultTimeoutStrategy     = "return_best_effort"
)

// Policy is the execution policy derived for one request.
type Policy struct {
	QualityTier            string         `json:"quality_tier"`
	ConfidenceThreshold    float64        `json:"confidence_threshold"`
	MaxRetries             int            `json:"max_retries"`
	StrictOutputValidation bool           `json:"strict_output_validation"`
	TotalLatencyBudgetMS   int            `json:"total_latency_budget_ms"`
	StageBudgetMS          map[string]int `json:"stage_budget_ms"`
	TimeoutStrategy        string         `json:"timeout_strategy"`
}

// DerivePolicy resolves the quality tier and latency budget for a request.
func DerivePolicy(opts pipeline.Options, spec *Spec) Policy {
	tier := resolveTier(opts.QualityTier, spec)
	selected := spec.QualityPolicy.QualityTiers[tier]

	threshold := DefaultConfidenceThreshold
	switch {
	case selected.ConfidenceThreshold > 0:
		threshold = selected.ConfidenceThreshold
	case spec.QualityPolicy.ConfidenceThreshold > 0:
		threshold = spec.QualityPolicy.ConfidenceThreshold
	}

	maxRetries := 0
	switch {
	case selected.MaxRetries != nil:
		maxRetries = *selected.MaxRetries
	case spec.QualityPolicy.MaxRetries != nil:
		maxRetries = *spec.QualityPolicy.MaxRetries
	}

	total := spec.LatencyBudget.TotalMS
	if total <= 0 {
		total = DefaultTotalLatencyMS
	}
	if opts.LatencyBudgetMS > 0 && opts.LatencyBudgetMS < total {
		total = opts.LatencyBudgetMS
	}

	strategy := spec.LatencyBudget.OnTimeout
	if strategy == "" {
		strategy = DefaultTimeoutStrategy
	}

	stages := make(map[string]int, len(spec.LatencyBudget.StageBudgetMS))
	for k, v := range spec.LatencyBudget.StageBudgetMS {
		stages[k] = v
	}

	return Policy{
		QualityTier:            tier,
		ConfidenceThreshold:    threshold,
		MaxRetries:             maxRetries,
		StrictOutputValidation: spec.QualityPolicy.StrictOutputValidation,
		TotalLatencyBudgetMS:   total,
		StageBudgetMS:          stages,
		TimeoutStrategy:        strategy,
	}
}

func resolveTier(requested string, spec *Spec) string {
	switch requested {
	case TierFast, TierBalanced, TierStrict:
		return requested
	}
	if _, ok := spec.QualityPolicy.QualityTiers[TierBalanced]; ok {
		return TierBalanced
	}
	return TierFast
}

package orchestrator

import (
	"math"
	"strings"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Low-confidence unknown boost.
const (
	unknownConfidenceCutoff = 0.6
	unknownMinThreshold     = 0.75
	unknownMinRetries       = 1
)

// RetryPolicy decides whether a pass is retried.
type RetryPolicy struct {
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
	MaxRetries            int     `json:"max_retries"`
	RetryMode             string  `json:"retry_mode"`
	RetryOnValidationFail bool    `json:"retry_on_validation_fail"`
}

// DeriveRetryPolicy combines the request policy with the sub-type's quality
// override. Unknown sub-types classified with low confidence always get at
// least one retry at a raised threshold.
func DeriveRetryPolicy(spec *scenario.Spec, policy scenario.Policy, subType string, classifierConfidence float64) RetryPolicy {
	threshold := policy.ConfidenceThreshold
	if threshold <= 0 {
		threshold = scenario.DefaultConfidenceThreshold
	}
	maxRetries := policy.MaxRetries
	mode := scenario.RetrySameWorkflow
	retryOnValidation := true
	if spec != nil && spec.QualityPolicy.ValidationRetryOnFail != nil {
		retryOnValidation = *spec.QualityPolicy.ValidationRetryOnFail
	}

	if spec != nil {
		if o, ok := spec.QualityPolicy.SubTypeOverrides[subType]; ok {
			if o.ConfidenceThreshold != nil {
				threshold = *o.ConfidenceThreshold
			}
			if o.MaxRetries != nil {
				maxRetries = *o.MaxRetries
			}
			if m := strings.TrimSpace(o.RetryMode); m != "" {
				mode = m
			}
			if o.RetryOnValidationFail != nil {
				retryOnValidation = *o.RetryOnValidationFail
			}
		}
	}

	if subType == pipeline.SubTypeUnknown && classifierConfidence < unknownConfidenceCutoff {
		maxRetries = max(maxRetries, unknownMinRetries)
		threshold = math.Max(threshold, unknownMinThreshold)
	}

	if mode != scenario.RetryFallbackWorkflow {
		mode = scenario.RetrySameWorkflow
	}
	return RetryPolicy{
		ConfidenceThreshold:   math.Max(0.1, math.Min(0.99, threshold)),
		MaxRetries:            max(0, maxRetries),
		RetryMode:             mode,
		RetryOnValidationFail: retryOnValidation,
	}
}

// ShouldRetry reports whether a pass with confidence warrants another one.
func (p RetryPolicy) ShouldRetry(confidence float64, retryIndex int) bool {
	if retryIndex >= p.MaxRetries {
		return false
	}
	return confidence < p.ConfidenceThreshold
}

package upstream

import "time"

// RetryConfig holds retry configuration for workflow runs. Retries apply to
// transient failures only and never outlive the run's timeout.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per run.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultRetryConfig returns retry defaults sized for interactive latency
// budgets.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        2 * time.Second,
	}
}

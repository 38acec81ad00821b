package provider

import (
	"sync"
	"time"
)

// CircuitState is the health of one workflow.
type CircuitState struct {
	// Available indicates if the workflow is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful run.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed run.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Zero or less disables the breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit rejects runs before a
	// trial run is let through.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker tracks consecutive failures per workflow id.
type Breaker struct {
	mu     sync.RWMutex
	cfg    BreakerConfig
	states map[string]*CircuitState
	now    func() time.Time
}

// NewBreaker creates a breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg,
		states: make(map[string]*CircuitState),
		now:    time.Now,
	}
}

// getOrCreate returns the state of name. b.mu must be held for writing.
func (b *Breaker) getOrCreate(name string) *CircuitState {
	if s, ok := b.states[name]; ok {
		return s
	}
	s := &CircuitState{Available: true}
	b.states[name] = s
	return s
}

// MarkSuccess closes the circuit of name.
func (b *Breaker) MarkSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(name)
	s.LastSuccess = b.now()
	s.FailureCount = 0
	s.Available = true
	s.CircuitOpen = false
}

// MarkFailure records a failed run of name and opens the circuit once the
// threshold is reached.
func (b *Breaker) MarkFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(name)
	s.LastFailure = b.now()
	s.FailureCount++

	if b.cfg.FailureThreshold > 0 && s.FailureCount >= b.cfg.FailureThreshold {
		s.CircuitOpen = true
		s.CircuitOpenedAt = b.now()
		s.Available = false
	}
}

// Allow reports whether a run of name may proceed. An open circuit allows
// a trial run once the recovery timeout has passed (half-open).
func (b *Breaker) Allow(name string) bool {
	b.mu.RLock()
	s, ok := b.states[name]
	if !ok {
		b.mu.RUnlock()
		return true
	}
	open, openedAt := s.CircuitOpen, s.CircuitOpenedAt
	b.mu.RUnlock()

	if !open {
		return true
	}
	return b.now().Sub(openedAt) > b.cfg.RecoveryTimeout
}

// State returns a copy of the state of name, or nil if it never ran.
func (b *Breaker) State(name string) *CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.states[name]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// States returns a copy of every tracked state.
func (b *Breaker) States() map[string]CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]CircuitState, len(b.states))
	for name, s := range b.states {
		out[name] = *s
	}
	return out
}

// Reset forgets the state of name.
func (b *Breaker) Reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, name)
}

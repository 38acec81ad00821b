// Package knowledge resolves which knowledge bases a request may use.
//
// It owns two read-mostly stores, the KB registry and the KB mapping store,
// both backed by a VersionedCache: a reload happens only once the poll
// interval has elapsed and the backing Source reports an advanced
// modification marker. Readers always receive copies.
package knowledge

import (
	"sync"
	"time"
)

// DefaultReloadInterval is the poll interval used when none is configured.
const DefaultReloadInterval = 10 * time.Second

// VersionedCache holds a value loaded from a Source and reloads it when the
// source changes.
type VersionedCache[T any] struct {
	source   Source
	load     func() (T, error)
	clone    func(T) T
	interval time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	value     T
	version   uint64
	marker    int64
	lastCheck time.Time
	loadErr   error
}

// NewVersionedCache creates a cache. load produces a fresh value; on error
// the value it returns is still installed and the error is kept for
// LoadError. clone must return a deep copy.
func NewVersionedCache[T any](src Source, interval time.Duration, load func() (T, error), clone func(T) T) *VersionedCache[T] {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	return &VersionedCache[T]{
		source:   src,
		load:     load,
		clone:    clone,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock replaces the clock used by Get. Tests use it to step time.
func (c *VersionedCache[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Load reloads unconditionally.
func (c *VersionedCache[T]) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *VersionedCache[T]) loadLocked() error {
	marker, markerErr := c.source.Marker()

	value, err := c.load()
	c.value = value
	c.version++
	c.loadErr = err
	if err == nil && markerErr == nil {
		c.marker = marker
	}
	return err
}

// CurrentVersion returns a counter that increases on every load.
func (c *VersionedCache[T]) CurrentVersion() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// LoadError returns the error of the most recent load, if any.
func (c *VersionedCache[T]) LoadError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadErr
}

// MaybeRefresh reloads when the poll interval has elapsed since the last
// check and the source marker has advanced. It reports whether a reload
// happened.
func (c *VersionedCache[T]) MaybeRefresh(now time.Time) bool {
	c.mu.RLock()
	due := now.Sub(c.lastCheck) >= c.interval
	c.mu.RUnlock()
	if !due {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastCheck) < c.interval {
		return false
	}
	c.lastCheck = now

	marker, err := c.source.Marker()
	if err != nil || marker <= c.marker {
		return false
	}
	_ = c.loadLocked()
	return true
}

// Get refreshes if due and returns a copy of the current value.
func (c *VersionedCache[T]) Get() T {
	c.mu.RLock()
	now := c.now
	c.mu.RUnlock()

	c.MaybeRefresh(now())
	return c.Snapshot()
}

// Snapshot returns a copy of the current value without refreshing.
func (c *VersionedCache[T]) Snapshot() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clone(c.value)
}

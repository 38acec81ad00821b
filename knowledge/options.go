package knowledge

import (
	"log/slog"
	"time"
)

type options struct {
	logger   *slog.Logger
	interval time.Duration
	source   Source
	failFast bool
}

// Option configures a Registry or MappingStore.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReloadInterval sets the minimum time between modification checks.
func WithReloadInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithSource replaces the default mtime-based modification marker, for
// example with a WatchSource.
func WithSource(src Source) Option {
	return func(o *options) {
		if src != nil {
			o.source = src
		}
	}
}

// WithFailFast makes Load return an error when the backing documents are
// missing or unparsable instead of logging and continuing empty.
func WithFailFast(enabled bool) Option {
	return func(o *options) {
		o.failFast = enabled
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		interval: DefaultReloadInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

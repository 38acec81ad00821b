package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/examgate/pipeline"
)

// Defaults for Config.
const (
	DefaultHeartbeat      = 15 * time.Second
	DefaultClientTTL      = 120 * time.Second
	DefaultMaxConnections = 2000
	maxSweepInterval      = 10 * time.Second

	// maxPending bounds the undelivered events of one subscriber. A
	// subscriber that falls further behind is dropped.
	maxPending = 256
)

// Config tunes a Bus.
type Config struct {
	Heartbeat time.Duration
	// ClientTTL closes connections that saw no published event for this long.
	ClientTTL time.Duration
	// MaxLifetime closes connections older than this. Defaults to 2*ClientTTL.
	MaxLifetime    time.Duration
	MaxConnections int
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ClientTTL <= 0 {
		c.ClientTTL = DefaultClientTTL
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 2 * c.ClientTTL
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	return c
}

// Sink delivers events to one connection. Each subscription calls its sink
// from a single delivery goroutine, so Send may block without holding up
// publishers.
type Sink interface {
	Send(ev Event) error
	Close()
}

// Mirror receives a copy of every published event.
type Mirror interface {
	Mirror(traceID string, ev Event)
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	TraceGroups       int   `json:"trace_groups"`
	MaxConnections    int   `json:"max_connections"`
	HeartbeatMS       int64 `json:"heartbeat_ms"`
	ClientTTLMS       int64 `json:"client_ttl_ms"`
}

type traceGroup struct {
	mu          sync.Mutex
	subs        map[*Subscription]struct{}
	latest      *Event
	terminal    bool
	started     bool
	lastPublish time.Time
	removed     bool
}

// Bus multiplexes events to subscribers per trace.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	mirror Mirror
	now    func() time.Time

	mu     sync.RWMutex
	traces map[string]*traceGroup
	active atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMirror copies every published event to m.
func WithMirror(m Mirror) Option {
	return func(b *Bus) {
		b.mirror = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates a bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		traces: make(map[string]*traceGroup),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HeartbeatInterval returns the per-connection heartbeat interval.
func (b *Bus) HeartbeatInterval() time.Duration {
	return b.cfg.Heartbeat
}

// SweepInterval returns how often Run sweeps stale connections.
func (b *Bus) SweepInterval() time.Duration {
	return min(b.cfg.Heartbeat, maxSweepInterval)
}

func (b *Bus) group(traceID string) *traceGroup {
	b.mu.RLock()
	g, ok := b.traces[traceID]
	b.mu.RUnlock()
	if ok {
		return g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok = b.traces[traceID]; ok {
		return g
	}
	g = &traceGroup{subs: make(map[*Subscription]struct{})}
	b.traces[traceID] = g
	return g
}

// lockGroup returns the live group of traceID, locked.
func (b *Bus) lockGroup(traceID string) *traceGroup {
	for {
		g := b.group(traceID)
		g.mu.Lock()
		if !g.removed {
			return g
		}
		g.mu.Unlock()
	}
}

func (b *Bus) reserve() bool {
	limit := int64(b.cfg.MaxConnections)
	for {
		n := b.active.Load()
		if n >= limit {
			return false
		}
		if b.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// CanAccept reports whether another connection fits under the ceiling.
func (b *Bus) CanAccept() bool {
	return b.active.Load() < int64(b.cfg.MaxConnections)
}

// Subscribe attaches sink to traceID and queues the latest event, if any.
// It fails with CAPACITY_EXCEEDED once the connection ceiling is reached.
// Subscribing to a finished trace delivers its terminal event and returns
// a subscription that closes once it is written.
func (b *Bus) Subscribe(traceID string, sink Sink) (*Subscription, error) {
	if !b.reserve() {
		return nil, pipeline.NewError(pipeline.CodeCapacityExceeded, "stream connection limit reached")
	}

	now := b.now()
	sub := &Subscription{
		bus:          b,
		traceID:      traceID,
		sink:         sink,
		connectedAt:  now,
		lastActivity: now,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go sub.deliver()

	g := b.lockGroup(traceID)
	defer g.mu.Unlock()

	if g.latest != nil {
		if err := sub.enqueue(*g.latest); err != nil {
			b.active.Add(-1)
			sub.close()
			return sub, nil
		}
	}
	if g.terminal {
		b.active.Add(-1)
		sub.close()
		return sub, nil
	}
	g.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches and closes sub. It is safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	g, ok := b.traces[sub.traceID]
	b.mu.RUnlock()
	if ok {
		g.mu.Lock()
		b.remove(g, sub)
		g.mu.Unlock()
	}
	sub.close()
}

// detach removes sub from g and closes it. g must be locked.
func (b *Bus) detach(g *traceGroup, sub *Subscription) {
	if b.remove(g, sub) {
		sub.close()
	}
}

// remove takes sub out of g without closing it. g must be locked.
func (b *Bus) remove(g *traceGroup, sub *Subscription) bool {
	if _, ok := g.subs[sub]; !ok {
		return false
	}
	delete(g.subs, sub)
	b.active.Add(-1)
	return true
}

// Publish records ev as the trace's latest event and queues it for every
// subscriber. It never waits on a connection: subscribers too far behind
// are dropped, as are subscribers whose sink failed. Events published
// after a terminal event are ignored until the trace is Reset.
func (b *Bus) Publish(traceID string, ev Event) {
	g := b.lockGroup(traceID)
	if g.terminal {
		g.mu.Unlock()
		b.logger.Debug("Dropping event after terminal", "trace_id", traceID, "event", ev.Type)
		return
	}

	now := b.now()
	latest := ev
	g.latest = &latest
	g.lastPublish = now
	g.terminal = ev.IsTerminal()

	for sub := range g.subs {
		sub.lastActivity = now
		if err := sub.enqueue(ev); err != nil {
			b.logger.Debug("Dropping stream subscriber", "trace_id", traceID, "error", err)
			b.detach(g, sub)
			continue
		}
		if g.terminal {
			b.detach(g, sub)
		}
	}
	g.mu.Unlock()

	if b.mirror != nil {
		b.mirror.Mirror(traceID, ev)
	}
}

// Latest returns the most recent event of traceID.
func (b *Bus) Latest(traceID string) (Event, bool) {
	b.mu.RLock()
	g, ok := b.traces[traceID]
	b.mu.RUnlock()
	if !ok {
		return Event{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest == nil {
		return Event{}, false
	}
	return *g.latest, true
}

// Reset claims traceID for a new run. A trace whose run has finished is
// forgotten, so its terminal event does not reach the new run's
// subscribers. It returns ErrTraceActive while an earlier run of the trace
// has not finished. Subscribers that attached before the first event stay
// attached.
func (b *Bus) Reset(traceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if g, ok := b.traces[traceID]; ok {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.terminal {
			if g.started || g.latest != nil {
				return ErrTraceActive
			}
			g.started = true
			g.lastPublish = now
			return nil
		}
		// Terminal groups have no subscribers left.
		g.removed = true
		b.logger.Debug("Reset finished stream trace", "trace_id", traceID)
	}
	b.traces[traceID] = &traceGroup{
		subs:        make(map[*Subscription]struct{}),
		started:     true,
		lastPublish: now,
	}
	return nil
}

// Sweep closes connections idle beyond the TTL or alive beyond the
// lifetime ceiling, and forgets idle traces nobody is watching. Stale
// connections are notified after the bus locks are released.
func (b *Bus) Sweep(now time.Time) int {
	b.mu.Lock()
	var stale []*Subscription
	for traceID, g := range b.traces {
		g.mu.Lock()
		for sub := range g.subs {
			idle := now.Sub(sub.lastActivity)
			alive := now.Sub(sub.connectedAt)
			if idle <= b.cfg.ClientTTL && alive <= b.cfg.MaxLifetime {
				continue
			}
			b.remove(g, sub)
			stale = append(stale, sub)
		}
		if len(g.subs) == 0 && now.Sub(g.lastPublish) > b.cfg.MaxLifetime {
			g.removed = true
			delete(b.traces, traceID)
		}
		g.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range stale {
		_ = sub.enqueue(NewError(sub.traceID, CodeStreamTimeout, "stream connection timeout", nil))
		sub.close()
	}
	if len(stale) > 0 {
		b.logger.Debug("Swept stale stream connections", "closed", len(stale))
	}
	return len(stale)
}

// Run sweeps periodically until ctx is done, then closes every connection.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return nil
		case <-ticker.C:
			b.Sweep(b.now())
		}
	}
}

func (b *Bus) closeAll() {
	var open []*Subscription
	b.mu.Lock()
	for _, g := range b.traces {
		g.mu.Lock()
		for sub := range g.subs {
			b.remove(g, sub)
			open = append(open, sub)
		}
		g.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range open {
		sub.close()
	}
}

// Stats returns current connection counts.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	groups := 0
	for _, g := range b.traces {
		g.mu.Lock()
		if len(g.subs) > 0 {
			groups++
		}
		g.mu.Unlock()
	}
	b.mu.RUnlock()

	return Stats{
		ActiveConnections: int(b.active.Load()),
		TraceGroups:       groups,
		MaxConnections:    b.cfg.MaxConnections,
		HeartbeatMS:       b.cfg.Heartbeat.Milliseconds(),
		ClientTTLMS:       b.cfg.ClientTTL.Milliseconds(),
	}
}

// ErrTraceActive is returned by Reset while a run of the trace is in flight.
var ErrTraceActive = errors.New("trace is still running")

// errSlowSubscriber drops a subscriber whose backlog is full.
var errSlowSubscriber = errors.New("stream subscriber too far behind")

// Subscription is one attached connection. Events are queued by the bus and
// written to the sink by the subscription's own goroutine.
type Subscription struct {
	bus          *Bus
	traceID      string
	sink         Sink
	connectedAt  time.Time
	lastActivity time.Time // guarded by the trace group's mutex

	mu      sync.Mutex
	pending []Event
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

// TraceID returns the subscribed trace.
func (s *Subscription) TraceID() string {
	return s.traceID
}

// Done is closed once the subscription is closed and every queued event
// has been handed to the sink.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Heartbeat queues a heartbeat for the connection. A connection that cannot
// take it is detached. Heartbeats do not count as activity.
func (s *Subscription) Heartbeat() error {
	if err := s.enqueue(newHeartbeat(s.traceID, s.bus.now())); err != nil {
		s.bus.Unsubscribe(s)
		return err
	}
	return nil
}

// enqueue adds ev to the backlog without blocking.
func (s *Subscription) enqueue(ev Event) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrSinkClosed
	case len(s.pending) >= maxPending:
		s.mu.Unlock()
		return errSlowSubscriber
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Events already queued are still written.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

// deliver writes queued events in order until the subscription is closed
// and drained, or the sink fails.
func (s *Subscription) deliver() {
	defer close(s.done)
	defer s.sink.Close()

	for {
		s.mu.Lock()
		batch, closing := s.pending, s.closing
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			if err := s.sink.Send(ev); err != nil {
				s.bus.logger.Debug("Stream write failed", "trace_id", s.traceID, "event", ev.Type, "error", err)
				s.mu.Lock()
				s.closing = true
				s.pending = nil
				s.mu.Unlock()
				s.bus.Unsubscribe(s)
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-s.wake
	}
}

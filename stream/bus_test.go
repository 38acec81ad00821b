package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/examgate/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closes int
	fail   bool
}

func (s *recordingSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func isClosed(sub *Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func eventuallyTypes(t *testing.T, sink *recordingSink, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := sink.types()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "want %v, got %v", want, sink.types())
}

// blockingSink holds every Send until release is closed.
type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (s *blockingSink) Send(ev Event) error {
	<-s.release
	return s.recordingSink.Send(ev)
}

func TestBus_LateSubscriberGetsSnapshot(t *testing.T) {
	bus := NewBus(Config{})
	a, b := &recordingSink{}, &recordingSink{}

	subA, err := bus.Subscribe("trc_1", a)
	require.NoError(t, err)

	bus.Publish("trc_1", NewProgress(Progress{TraceID: "trc_1", Stage: "routing", Progress: 15}))

	subB, err := bus.Subscribe("trc_1", b)
	require.NoError(t, err)
	eventuallyTypes(t, b, EventProgress)

	bus.Publish("trc_1", NewProgress(Progress{TraceID: "trc_1", Stage: "reasoning", Progress: 75}))
	assert.Equal(t, 2, bus.Stats().ActiveConnections)

	bus.Publish("trc_1", Event{Type: EventCompleted, Data: map[string]string{"trace_id": "trc_1"}})
	assert.Equal(t, 0, bus.Stats().ActiveConnections)

	waitClosed(t, subA)
	waitClosed(t, subB)
	assert.Equal(t, []string{EventProgress, EventProgress, EventCompleted}, a.types())
	assert.Equal(t, []string{EventProgress, EventProgress, EventCompleted}, b.types())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())

	// Closing again is a no-op.
	bus.Unsubscribe(subA)
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 0, bus.Stats().ActiveConnections)
}

func TestBus_TerminalIsFinal(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish("trc_1", NewError("trc_1", "UPSTREAM_ERROR", "boom", nil))
	bus.Publish("trc_1", NewProgress(Progress{Stage: "late"}))

	latest, ok := bus.Latest("trc_1")
	require.True(t, ok)
	assert.Equal(t, EventError, latest.Type)

	sink := &recordingSink{}
	sub, err := bus.Subscribe("trc_1", sink)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.Stats().ActiveConnections)
	waitClosed(t, sub)
	assert.Equal(t, []string{EventError}, sink.types())
}

func TestBus_ResetStartsFresh(t *testing.T) {
	bus := NewBus(Config{})

	// A subscriber that attaches before the run starts stays attached.
	early := &recordingSink{}
	earlySub, err := bus.Subscribe("trc_1", early)
	require.NoError(t, err)
	require.NoError(t, bus.Reset("trc_1"))
	assert.False(t, isClosed(earlySub))
	assert.Equal(t, 1, bus.Stats().ActiveConnections)

	// The trace is claimed until its run finishes.
	assert.ErrorIs(t, bus.Reset("trc_1"), ErrTraceActive)
	bus.Publish("trc_1", NewProgress(Progress{Stage: "routing"}))
	assert.ErrorIs(t, bus.Reset("trc_1"), ErrTraceActive)

	bus.Publish("trc_1", NewError("trc_1", "UPSTREAM_ERROR", "boom", nil))
	waitClosed(t, earlySub)
	eventuallyTypes(t, early, EventProgress, EventError)

	require.NoError(t, bus.Reset("trc_1"))
	_, ok := bus.Latest("trc_1")
	assert.False(t, ok)

	fresh := &recordingSink{}
	freshSub, err := bus.Subscribe("trc_1", fresh)
	require.NoError(t, err)
	bus.Publish("trc_1", NewProgress(Progress{Stage: "reasoning"}))
	latest, ok := bus.Latest("trc_1")
	require.True(t, ok)
	assert.Equal(t, EventProgress, latest.Type)
	eventuallyTypes(t, fresh, EventProgress)

	// Unsubscribing a connection of the previous run leaves the new one alone.
	bus.Unsubscribe(earlySub)
	assert.False(t, isClosed(freshSub))
	assert.Equal(t, 1, bus.Stats().ActiveConnections)

	require.NoError(t, bus.Reset("unknown"))
	assert.ErrorIs(t, bus.Reset("unknown"), ErrTraceActive)
}

func TestBus_PublishDoesNotWaitForSlowSubscriber(t *testing.T) {
	bus := NewBus(Config{})
	slow := &blockingSink{release: make(chan struct{})}
	sub, err := bus.Subscribe("trc_1", slow)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		bus.Publish("trc_1", NewProgress(Progress{Stage: "reasoning", Progress: i}))
	}
	bus.Publish("trc_1", Event{Type: EventCompleted, Data: map[string]string{"trace_id": "trc_1"}})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, isClosed(sub))

	close(slow.release)
	waitClosed(t, sub)
	types := slow.types()
	require.Len(t, types, 6)
	assert.Equal(t, EventCompleted, types[5])
}

func TestBus_SlowSubscriberIsDroppedWhenBacklogFills(t *testing.T) {
	bus := NewBus(Config{})
	slow := &blockingSink{release: make(chan struct{})}
	sub, err := bus.Subscribe("trc_1", slow)
	require.NoError(t, err)

	// The delivery goroutine is stuck on its first batch, so the backlog
	// fills within a bounded number of publishes.
	for i := 0; i < 4*maxPending && bus.Stats().ActiveConnections > 0; i++ {
		bus.Publish("trc_1", NewProgress(Progress{Stage: "reasoning"}))
	}
	assert.Equal(t, 0, bus.Stats().ActiveConnections)

	close(slow.release)
	waitClosed(t, sub)
}

func TestBus_SweepDoesNotBlockOtherTraces(t *testing.T) {
	now := time.Unix(1_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	bus := NewBus(Config{ClientTTL: time.Minute}, WithClock(clock))

	stalled := &blockingSink{release: make(chan struct{})}
	stalledSub, err := bus.Subscribe("stalled", stalled)
	require.NoError(t, err)
	other := &recordingSink{}
	_, err = bus.Subscribe("other", other)
	require.NoError(t, err)

	swept := make(chan int, 1)
	go func() { swept <- bus.Sweep(clock().Add(2 * time.Minute)) }()

	start := time.Now()
	bus.Publish("other", NewProgress(Progress{Stage: "routing"}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case n := <-swept:
		assert.GreaterOrEqual(t, n, 1)
	case <-time.After(time.Second):
		t.Fatal("sweep waited on a stalled connection")
	}

	close(stalled.release)
	waitClosed(t, stalledSub)
	types := stalled.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventError, types[len(types)-1])
}

func TestBus_Capacity(t *testing.T) {
	bus := NewBus(Config{MaxConnections: 1})
	sub, err := bus.Subscribe("a", &recordingSink{})
	require.NoError(t, err)
	assert.False(t, bus.CanAccept())

	_, err = bus.Subscribe("b", &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeCapacityExceeded, pipeline.CodeOf(err))

	bus.Unsubscribe(sub)
	assert.True(t, bus.CanAccept())
	_, err = bus.Subscribe("b", &recordingSink{})
	assert.NoError(t, err)
}

func TestBus_FailedSinkIsDropped(t *testing.T) {
	bus := NewBus(Config{})
	good, bad := &recordingSink{}, &recordingSink{fail: true}
	_, err := bus.Subscribe("t", good)
	require.NoError(t, err)
	badSub, err := bus.Subscribe("t", bad)
	require.NoError(t, err)

	bus.Publish("t", NewProgress(Progress{Stage: "routing"}))
	waitClosed(t, badSub)
	assert.Equal(t, 1, bus.Stats().ActiveConnections)
	eventuallyTypes(t, good, EventProgress)
}

func TestBus_Sweep(t *testing.T) {
	now := time.Unix(1_000, 0)
	clock := func() time.Time { return now }
	bus := NewBus(Config{ClientTTL: time.Minute}, WithClock(clock))

	idle := &recordingSink{}
	idleSub, err := bus.Subscribe("idle", idle)
	require.NoError(t, err)

	busy := &recordingSink{}
	busySub, err := bus.Subscribe("busy", busy)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	bus.Publish("busy", NewProgress(Progress{Stage: "reasoning"}))

	assert.Equal(t, 1, bus.Sweep(now.Add(15*time.Second)))
	waitClosed(t, idleSub)
	assert.False(t, isClosed(busySub))
	require.Len(t, idle.types(), 1)
	payload := idle.events[0].Data.(ErrorPayload)
	assert.Equal(t, CodeStreamTimeout, payload.Code)
	assert.Equal(t, "idle", payload.TraceID)

	// Lifetime ceiling applies even to active connections.
	now = now.Add(75 * time.Second)
	bus.Publish("busy", NewProgress(Progress{Stage: "postprocess"}))
	assert.Equal(t, 1, bus.Sweep(now.Add(time.Second)))
	waitClosed(t, busySub)

	// Unwatched traces are eventually forgotten.
	bus.Sweep(now.Add(10 * time.Minute))
	_, ok := bus.Latest("busy")
	assert.False(t, ok)
}

func TestBus_Stats(t *testing.T) {
	bus := NewBus(Config{})
	_, _ = bus.Subscribe("a", &recordingSink{})
	_, _ = bus.Subscribe("a", &recordingSink{})
	_, _ = bus.Subscribe("b", &recordingSink{})

	assert.Equal(t, Stats{
		ActiveConnections: 3,
		TraceGroups:       2,
		MaxConnections:    DefaultMaxConnections,
		HeartbeatMS:       15000,
		ClientTTLMS:       120000,
	}, bus.Stats())
	assert.Equal(t, 10*time.Second, bus.SweepInterval())
}

type mirrorRecorder struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	err      error
}

func (m *mirrorRecorder) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, data)
	return m.err
}

func TestNATSMirror(t *testing.T) {
	pub := &mirrorRecorder{}
	mirror := NewNATSMirror(pub, "gate.events.", nil)
	bus := NewBus(Config{}, WithMirror(mirror))

	bus.Publish("trc.a b", NewProgress(Progress{TraceID: "trc.a b", Stage: "routing", Progress: 15}))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "gate.events.trc_a_b", pub.subjects[0])

	var msg MirroredEvent
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "trc.a b", msg.TraceID)
	assert.Equal(t, EventProgress, msg.Event)
	assert.JSONEq(t, `{"trace_id":"trc.a b","stage":"routing","progress":15}`, string(msg.Data))

	pub.err = errors.New("nats down")
	assert.NotPanics(t, func() { bus.Publish("x", NewProgress(Progress{})) })
	assert.Equal(t, DefaultSubjectPrefix+".x", NewNATSMirror(pub, "", nil).Subject("x"))
}

func readEvents(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var types []string
	for len(types) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	return types
}

func TestHandler_Serve(t *testing.T) {
	bus := NewBus(Config{Heartbeat: time.Hour})
	handler := NewHandler(bus, nil)
	bus.Publish("trc_1", NewProgress(Progress{TraceID: "trc_1", Stage: "routing", Progress: 15}))

	served := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- handler.Serve(w, r, "trc_1")
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "retry: 3000\n", first)

	assert.Equal(t, []string{EventConnected, EventProgress}, readEvents(t, reader, 2))

	bus.Publish("trc_1", Event{Type: EventCompleted, Data: map[string]string{"trace_id": "trc_1"}})
	assert.Equal(t, []string{EventCompleted}, readEvents(t, reader, 1))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after terminal event")
	}
}

func TestHandler_CapacityExceeded(t *testing.T) {
	bus := NewBus(Config{MaxConnections: 1})
	_, err := bus.Subscribe("other", &recordingSink{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
	err = NewHandler(bus, nil).Serve(rec, req, "trc_1")
	assert.Equal(t, pipeline.CodeCapacityExceeded, pipeline.CodeOf(err))
	assert.Empty(t, rec.Body.String())
}

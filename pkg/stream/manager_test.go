package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wg-telemetry/pkg/protocol"
	"github.com/wg-telemetry/pkg/scheduler"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/types"
)

const (
	tick    = 5 * time.Second
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

const dump = "wg0\tpriv\tpubA\t51820\toff\n" +
	"wg0\tpeer1\t(none)\t203.0.113.5:51820\t10.0.0.2/32\t1700000000\t1\t2\toff\n"

// recorder is an Emitter that stores events and can be told to fail.
type recorder struct {
	mu     sync.Mutex
	events []Event
	failOn func(n int) error // n is the 1-based index of the send
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != nil {
		if err := r.failOn(len(r.events) + 1); err != nil {
			return err
		}
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type countingMetrics struct {
	mu     sync.Mutex
	opened map[Kind]int
	closed map[Reason]int
	events map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{opened: map[Kind]int{}, closed: map[Reason]int{}, events: map[string]int{}}
}

func (m *countingMetrics) SubscriptionOpened(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened[kind]++
}

func (m *countingMetrics) SubscriptionClosed(_ Kind, reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[reason]++
}

func (m *countingMetrics) EventEmitted(_ Kind, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event]++
}

func (m *countingMetrics) closedCount(r Reason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[r]
}

type fixture struct {
	store   *snapshot.Store
	pool    *scheduler.Pool
	clock   *clock.Mock
	manager *Manager
	metrics *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := snapshot.NewStore()
	store.Publish(protocol.ParseDump(dump))
	mock := clock.NewMock()
	pool := scheduler.NewPool(scheduler.Options{Workers: 2, Clock: mock})
	m := newCountingMetrics()
	mgr := NewManager(store, pool, Options{TickInterval: tick, Metrics: m})
	t.Cleanup(func() {
		mgr.Close()
		_ = pool.Shutdown(context.Background())
	})
	return &fixture{store: store, pool: pool, clock: mock, manager: mgr, metrics: m}
}

// advanceUntil moves the clock one tick at a time until cond holds.
func (f *fixture) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		f.clock.Add(tick)
		return cond()
	}, waitFor, poll)
}

func TestSubscribeKnownNetwork(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	sub := f.manager.SubscribeNetwork("pubA", rec)

	require.Equal(t, 1, rec.Len(), "initial emission is synchronous")
	ev := rec.Events()[0]
	assert.Equal(t, EventNetworkInfoUpdate, ev.Name)
	assert.Equal(t, ContentTypeJSON, ev.ContentType)
	n, ok := ev.Data.(*types.NetworkSnapshot)
	require.True(t, ok)
	assert.Equal(t, "wg0", n.InterfaceName)

	assert.Equal(t, StateStreaming, sub.State())
	assert.Equal(t, KindNetwork, sub.Kind())
	assert.Equal(t, "pubA", sub.Key())
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, f.manager.Active())
	assert.Equal(t, 1, f.pool.Scheduled())

	got, ok := f.manager.Get(sub.ID())
	assert.True(t, ok)
	assert.Same(t, sub, got)
}

func TestSubscribeKnownPeer(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	f.manager.SubscribePeer("peer1", rec)

	ev := rec.Events()[0]
	assert.Equal(t, EventClientInfoUpdate, ev.Name)
	p, ok := ev.Data.(*types.PeerSnapshot)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2/32", p.AllowedIPs)
}

func TestUnknownKeyEmitsNotFoundAndKeepsStreaming(t *testing.T) {
	f := newFixture(t)
	netRec, peerRec := &recorder{}, &recorder{}

	netSub := f.manager.SubscribeNetwork("nope", netRec)
	peerSub := f.manager.SubscribePeer("nope", peerRec)

	require.Equal(t, 1, netRec.Len())
	assert.Equal(t, Event{Name: EventError, Data: "Network not found", ContentType: ContentTypeText}, netRec.Events()[0])
	assert.True(t, netRec.Events()[0].NotFound())
	require.Equal(t, 1, peerRec.Len())
	assert.Equal(t, "Client not found", peerRec.Events()[0].Data)

	assert.Equal(t, StateStreaming, netSub.State())
	assert.Equal(t, StateStreaming, peerSub.State())

	// not-found keeps being reported on every tick
	f.advanceUntil(t, func() bool { return netRec.Len() >= 3 })
	for _, ev := range netRec.Events() {
		assert.Equal(t, EventError, ev.Name)
	}
	assert.Equal(t, StateStreaming, netSub.State())
}

func TestTickReflectsLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.manager.SubscribeNetwork("pubB", rec)
	require.Equal(t, EventError, rec.Events()[0].Name)

	f.store.Publish(protocol.ParseDump("wg1\tpriv\tpubB\t51821\toff\n"))

	f.advanceUntil(t, func() bool {
		evs := rec.Events()
		return evs[len(evs)-1].Name == EventNetworkInfoUpdate
	})
}

func TestDisconnectDuringTickEndsOnlyThatSubscription(t *testing.T) {
	f := newFixture(t)
	gone := &recorder{failOn: func(n int) error {
		if n >= 2 {
			return ErrClientGone
		}
		return nil
	}}
	healthy := &recorder{}

	goneSub := f.manager.SubscribeNetwork("pubA", gone)
	healthySub := f.manager.SubscribeNetwork("pubA", healthy)
	require.Equal(t, 2, f.pool.Scheduled())

	f.advanceUntil(t, func() bool { return goneSub.State() == StateCompleted })

	<-goneSub.Done()
	assert.Equal(t, ReasonDisconnect, goneSub.Reason())
	assert.NoError(t, goneSub.Err())
	assert.Equal(t, 1, f.metrics.closedCount(ReasonDisconnect))
	assert.Equal(t, 1, f.pool.Scheduled(), "task of the gone subscription is cancelled")

	before := healthy.Len()
	f.advanceUntil(t, func() bool { return healthy.Len() > before+1 })
	assert.Equal(t, StateStreaming, healthySub.State())
	assert.Equal(t, 1, gone.Len())
}

func TestBrokenPipeIsDisconnect(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{failOn: func(int) error { return errors.New("write tcp 10.0.0.1:8080: broken pipe") }}

	sub := f.manager.SubscribeNetwork("pubA", rec)

	assert.Equal(t, StateCompleted, sub.State())
	assert.Equal(t, ReasonDisconnect, sub.Reason())
	assert.Equal(t, 0, f.pool.Scheduled(), "nothing is scheduled when the first send fails")
	assert.Equal(t, 0, f.manager.Active())
}

func TestTransportErrorFailsSubscription(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("encoder exploded")
	rec := &recorder{failOn: func(n int) error {
		if n >= 2 {
			return boom
		}
		return nil
	}}

	sub := f.manager.SubscribePeer("peer1", rec)
	f.advanceUntil(t, func() bool { return sub.State() == StateFailed })

	assert.Equal(t, ReasonTransportError, sub.Reason())
	assert.ErrorIs(t, sub.Err(), boom)
	assert.Equal(t, 0, f.pool.Scheduled())
}

func TestPanicInTickFailsSubscription(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{failOn: func(n int) error {
		if n >= 2 {
			panic("emitter bug")
		}
		return nil
	}}
	other := &recorder{}

	sub := f.manager.SubscribeNetwork("pubA", rec)
	otherSub := f.manager.SubscribeNetwork("pubA", other)
	f.advanceUntil(t, func() bool { return sub.State() == StateFailed })

	assert.Equal(t, ReasonFault, sub.Reason())
	assert.Error(t, sub.Err())
	assert.Equal(t, StateStreaming, otherSub.State())
}

func TestUnsubscribeAndTimeoutAreIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	sub := f.manager.SubscribeNetwork("pubA", rec)

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub.Timeout()
	sub.Fail(errors.New("late"))

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, StateCompleted, sub.State())
	assert.Equal(t, ReasonCancelled, sub.Reason())
	assert.NoError(t, sub.Err())
	assert.Equal(t, 1, f.metrics.closedCount(ReasonCancelled))
	assert.Equal(t, 0, f.metrics.closedCount(ReasonTimeout))
	assert.Equal(t, 0, f.manager.Active())

	// no further emissions after cancellation
	f.clock.Add(10 * tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.Len())
}

func TestTimeoutCompletes(t *testing.T) {
	f := newFixture(t)
	sub := f.manager.SubscribeNetwork("pubA", &recorder{})

	sub.Timeout()
	assert.Equal(t, StateCompleted, sub.State())
	assert.Equal(t, ReasonTimeout, sub.Reason())
	assert.Equal(t, 0, f.pool.Scheduled())
}

func TestFailWithDisconnectCompletes(t *testing.T) {
	f := newFixture(t)
	sub := f.manager.SubscribeNetwork("pubA", &recorder{})

	sub.Fail(context.Canceled)
	assert.Equal(t, StateCompleted, sub.State())
	assert.Equal(t, ReasonDisconnect, sub.Reason())
}

func TestCloseEndsAllAndRejectsNew(t *testing.T) {
	f := newFixture(t)
	a := f.manager.SubscribeNetwork("pubA", &recorder{})
	b := f.manager.SubscribePeer("peer1", &recorder{})

	f.manager.Close()

	for _, s := range []*Subscription{a, b} {
		assert.Equal(t, StateCompleted, s.State())
		assert.Equal(t, ReasonShutdown, s.Reason())
	}
	assert.Equal(t, 0, f.manager.Active())
	assert.Equal(t, 0, f.pool.Scheduled())

	rec := &recorder{}
	late := f.manager.SubscribeNetwork("pubA", rec)
	assert.Equal(t, StateCompleted, late.State())
	assert.Equal(t, 0, rec.Len())
}

func TestNilEmitterFails(t *testing.T) {
	f := newFixture(t)
	sub := f.manager.SubscribeNetwork("pubA", nil)
	assert.Equal(t, StateFailed, sub.State())
	assert.ErrorIs(t, sub.Err(), errNilEmitter)
}

func TestMetricsCountEvents(t *testing.T) {
	f := newFixture(t)
	f.manager.SubscribeNetwork("pubA", &recorder{})
	f.manager.SubscribeNetwork("missing", &recorder{})

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, 2, f.metrics.opened[KindNetwork])
	assert.Equal(t, 1, f.metrics.events[EventNetworkInfoUpdate])
	assert.Equal(t, 1, f.metrics.events[EventError])
}

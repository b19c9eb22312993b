package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/scheduler"
	"github.com/wg-telemetry/pkg/snapshot"
)

// DefaultTickInterval is the time between periodic emissions.
const DefaultTickInterval = 5 * time.Second

// Snapshots is the read side of the snapshot store.
type Snapshots interface {
	Current() *snapshot.ConnectionData
}

// Metrics receives subscription lifecycle notifications.
type Metrics interface {
	SubscriptionOpened(kind Kind)
	SubscriptionClosed(kind Kind, reason Reason)
	EventEmitted(kind Kind, event string)
}

// Options configures a Manager.
type Options struct {
	TickInterval time.Duration
	Metrics      Metrics
}

// Manager multiplexes snapshot reads over any number of subscriptions using a
// shared scheduler.Pool.
type Manager struct {
	snapshots Snapshots
	pool      *scheduler.Pool
	opts      Options

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewManager returns a Manager reading from snapshots and ticking on pool.
func NewManager(snapshots Snapshots, pool *scheduler.Pool, opts Options) *Manager {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	return &Manager{
		snapshots: snapshots,
		pool:      pool,
		opts:      opts,
		subs:      make(map[string]*Subscription),
	}
}

// SubscribeNetwork follows the network with the given public key.
func (m *Manager) SubscribeNetwork(publicKey string, emitter Emitter) *Subscription {
	return m.Subscribe(KindNetwork, publicKey, emitter)
}

// SubscribePeer follows the peer with the given public key.
func (m *Manager) SubscribePeer(publicKey string, emitter Emitter) *Subscription {
	return m.Subscribe(KindPeer, publicKey, emitter)
}

// Subscribe emits the current state of key once, synchronously, and then
// schedules a periodic re-read. The returned Subscription may already be
// terminal if the first emission failed.
func (m *Manager) Subscribe(kind Kind, key string, emitter Emitter) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		kind:    kind,
		key:     key,
		emitter: emitter,
		manager: m,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))

	if !m.register(s) {
		s.finish(StateCompleted, ReasonShutdown, nil)
		return s
	}
	logging.Logf("[stream] subscription opened (id=%s kind=%s key=%s)", s.id, kind, key)

	if err := s.emit(true); err != nil {
		s.handleSendError(err)
		return s
	}
	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateStreaming)) {
		return s
	}

	task, err := m.pool.ScheduleAtFixedRate(m.opts.TickInterval, m.opts.TickInterval, s.tick)
	if err != nil {
		logging.Errorf("[stream] cannot schedule subscription (id=%s err=%v)", s.id, err)
		s.finish(StateFailed, ReasonFault, err)
		return s
	}
	s.attach(task)
	return s
}

// Active returns the number of non-terminal subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Get returns an active subscription by id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok
}

// Close ends every active subscription and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.finish(StateCompleted, ReasonShutdown, nil)
	}
	logging.Logf("[stream] manager closed (ended=%d)", len(subs))
}

func (m *Manager) register(s *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.subs[s.id] = s
	if m.opts.Metrics != nil {
		m.opts.Metrics.SubscriptionOpened(s.kind)
	}
	return true
}

func (m *Manager) unregister(s *Subscription, reason Reason) {
	m.mu.Lock()
	_, ok := m.subs[s.id]
	delete(m.subs, s.id)
	m.mu.Unlock()
	if ok && m.opts.Metrics != nil {
		m.opts.Metrics.SubscriptionClosed(s.kind, reason)
	}
}

var errNilEmitter = errors.New("stream: nil emitter")

package stream

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/scheduler"
)

// State is the lifecycle state of a Subscription.
// Opening -> Streaming -> Completed | Failed; both terminal states are final.
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reason records why a subscription ended.
type Reason string

const (
	ReasonDisconnect     Reason = "disconnect"
	ReasonTransportError Reason = "transport_error"
	ReasonFault          Reason = "fault"
	ReasonTimeout        Reason = "timeout"
	ReasonCancelled      Reason = "cancelled"
	ReasonShutdown       Reason = "shutdown"
)

// Subscription is one client's request for updates about a network or peer.
// It owns its periodic task and cancels it exactly once when it ends.
type Subscription struct {
	id      string
	kind    Kind
	key     string
	emitter Emitter
	manager *Manager

	state  atomic.Int32
	events atomic.Int64

	mu     sync.Mutex
	task   *scheduler.Task
	err    error
	reason Reason

	finishOnce sync.Once
	done       chan struct{}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Kind returns what the subscription follows.
func (s *Subscription) Kind() Kind { return s.kind }

// Key returns the looked-up public key.
func (s *Subscription) Key() string { return s.key }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Events returns the number of events delivered so far.
func (s *Subscription) Events() int64 {
	return s.events.Load()
}

// Done is closed when the subscription reaches a terminal state.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that failed the subscription, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason returns why the subscription ended, or "" while it is active.
func (s *Subscription) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Unsubscribe ends the subscription on behalf of the caller.
func (s *Subscription) Unsubscribe() {
	s.finish(StateCompleted, ReasonCancelled, nil)
}

// Timeout ends the subscription because its lifetime elapsed.
func (s *Subscription) Timeout() {
	logging.Logf("[stream] subscription lifetime elapsed (id=%s kind=%s key=%s)", s.id, s.kind, s.key)
	s.finish(StateCompleted, ReasonTimeout, nil)
}

// Fail ends the subscription with an error reported by the transport.
// Disconnect errors complete it cleanly instead.
func (s *Subscription) Fail(err error) {
	if err == nil {
		s.Unsubscribe()
		return
	}
	s.handleSendError(err)
}

func (s *Subscription) attach(t *scheduler.Task) {
	s.mu.Lock()
	if !s.State().Terminal() {
		s.task = t
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// ended while the task was being scheduled
	t.Cancel()
}

// tick runs on a pool worker. The pool never runs it concurrently with itself.
func (s *Subscription) tick() {
	if s.State().Terminal() {
		return
	}

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = s.emit(false)
	})
	if r := pc.Recovered(); r != nil {
		logging.Errorf("[stream] unexpected fault in tick (id=%s kind=%s key=%s err=%v)", s.id, s.kind, s.key, r.AsError())
		s.finish(StateFailed, ReasonFault, r.AsError())
		return
	}
	if err != nil {
		s.handleSendError(err)
	}
}

// emit reads the current snapshot and sends either the update or the
// not-found event.
func (s *Subscription) emit(initial bool) error {
	if s.emitter == nil {
		return errNilEmitter
	}

	data := s.manager.snapshots.Current()
	var ev Event
	switch s.kind {
	case KindNetwork:
		if n := data.NetworkByPublicKey(s.key); n != nil {
			ev = Event{Name: s.kind.UpdateEvent(), Data: n, ContentType: ContentTypeJSON}
		}
	case KindPeer:
		if p := data.PeerByPublicKey(s.key); p != nil {
			ev = Event{Name: s.kind.UpdateEvent(), Data: p, ContentType: ContentTypeJSON}
		}
	default:
		return fmt.Errorf("stream: unsupported kind %v", s.kind)
	}
	if ev.Name == "" {
		ev = Event{Name: EventError, Data: s.kind.NotFoundMessage(), ContentType: ContentTypeText}
		if initial {
			logging.Warnf("[stream] %s not found (id=%s key=%s)", s.kind, s.id, s.key)
		}
	}

	if err := s.emitter.Send(ev); err != nil {
		return err
	}
	s.events.Add(1)
	if m := s.manager.opts.Metrics; m != nil {
		m.EventEmitted(s.kind, ev.Name)
	}
	return nil
}

func (s *Subscription) handleSendError(err error) {
	if IsDisconnect(err) {
		logging.Debugf("[stream] client disconnected (id=%s kind=%s key=%s)", s.id, s.kind, s.key)
		s.finish(StateCompleted, ReasonDisconnect, nil)
		return
	}
	logging.Errorf("[stream] send failed (id=%s kind=%s key=%s err=%v)", s.id, s.kind, s.key, err)
	s.finish(StateFailed, ReasonTransportError, err)
}

// finish moves the subscription to a terminal state and cancels its task.
// Only the first call has any effect.
func (s *Subscription) finish(state State, reason Reason, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.reason = reason
		s.state.Store(int32(state))
		task := s.task
		s.mu.Unlock()

		if task != nil {
			task.Cancel()
		}
		s.manager.unregister(s, reason)
		close(s.done)

		logging.Logf("[stream] subscription ended (id=%s kind=%s key=%s state=%s reason=%s events=%d)",
			s.id, s.kind, s.key, state, reason, s.events.Load())
	})
}

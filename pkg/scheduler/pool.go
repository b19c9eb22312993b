package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/wg-telemetry/pkg/logging"
)

// DefaultWorkers is the worker count used when Options.Workers is not set.
const DefaultWorkers = 2

// ErrPoolClosed is returned when scheduling on a pool that has been shut down.
var ErrPoolClosed = errors.New("scheduler: pool closed")

// Options configures a Pool.
type Options struct {
	Workers int
	Clock   clock.Clock
	// OnPanic is called with the recovered panic of a task run. The task stays scheduled.
	OnPanic func(t *Task, err error)
}

// Pool runs periodic tasks on a fixed number of worker goroutines. The number
// of goroutines does not depend on the number of scheduled tasks.
//
// A task is removed from the queue while it runs and requeued afterwards, so
// a task never runs concurrently with itself. Runs that fall behind their
// schedule execute back to back.
type Pool struct {
	clock   clock.Clock
	workers int
	onPanic func(*Task, error)

	mu     sync.Mutex
	queue  taskQueue
	closed bool
	nextID uint64

	active atomic.Int64
	wake   chan struct{}
	ready  chan *Task
	stop   chan struct{}
	wg     conc.WaitGroup
}

// NewPool starts a pool with opts.Workers workers.
func NewPool(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	p := &Pool{
		clock:   opts.Clock,
		workers: opts.Workers,
		onPanic: opts.OnPanic,
		wake:    make(chan struct{}, 1),
		ready:   make(chan *Task),
		stop:    make(chan struct{}),
	}
	if p.onPanic == nil {
		p.onPanic = func(t *Task, err error) {
			logging.Errorf("[scheduler] task panicked (task=%d err=%v)", t.id, err)
		}
	}

	p.wg.Go(p.dispatch)
	for i := 0; i < p.workers; i++ {
		p.wg.Go(p.work)
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Scheduled returns the number of tasks that have not been cancelled.
func (p *Pool) Scheduled() int {
	return int(p.active.Load())
}

// ScheduleAtFixedRate runs fn first after initialDelay and then every period.
func (p *Pool) ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) (*Task, error) {
	if period <= 0 {
		return nil, fmt.Errorf("scheduler: period must be positive, got %v", period)
	}
	if fn == nil {
		return nil, errors.New("scheduler: nil task func")
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.nextID++
	t := &Task{
		id:     p.nextID,
		pool:   p,
		fn:     fn,
		period: period,
		next:   p.clock.Now().Add(initialDelay),
		index:  -1,
	}
	heap.Push(&p.queue, t)
	p.mu.Unlock()

	p.active.Add(1)
	p.signal()
	return t, nil
}

// Shutdown cancels every task and waits for in-flight runs to finish or for
// ctx to expire, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := make([]*Task, len(p.queue))
	copy(pending, p.queue)
	p.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for workers: %w", ctx.Err())
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch hands due tasks to workers, sleeping until the earliest deadline.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}

		t := p.queue[0]
		now := p.clock.Now()
		if !t.next.After(now) {
			heap.Pop(&p.queue)
			p.mu.Unlock()
			select {
			case p.ready <- t:
			case <-p.stop:
				return
			}
			continue
		}
		next := t.next
		p.mu.Unlock()

		timer := p.clock.Timer(next.Sub(now))
		// the clock may have moved between reading now and arming the timer
		if !p.clock.Now().Before(next) {
			timer.Stop()
			continue
		}
		select {
		case <-timer.C:
		case <-p.wake:
			timer.Stop()
		case <-p.stop:
			timer.Stop()
			return
		}
	}
}

func (p *Pool) work() {
	for {
		select {
		case t := <-p.ready:
			p.run(t)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) run(t *Task) {
	if t.cancelled.Load() {
		return
	}

	var pc panics.Catcher
	pc.Try(t.fn)
	t.runs.Add(1)
	if r := pc.Recovered(); r != nil {
		p.onPanic(t, r.AsError())
	}

	p.mu.Lock()
	if t.cancelled.Load() || p.closed {
		p.mu.Unlock()
		return
	}
	t.next = t.next.Add(t.period)
	heap.Push(&p.queue, t)
	p.mu.Unlock()
	p.signal()
}

// Task is a periodic task owned by a Pool.
type Task struct {
	id     uint64
	pool   *Pool
	fn     func()
	period time.Duration

	// guarded by pool.mu
	next  time.Time
	index int

	cancelled atomic.Bool
	runs      atomic.Int64
}

// ID returns the pool-unique task id.
func (t *Task) ID() uint64 {
	return t.id
}

// Runs returns how many times the task has run.
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Cancel prevents future runs. A run already in progress completes. Cancel
// returns true only for the call that actually cancelled the task.
func (t *Task) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	p := t.pool
	p.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&p.queue, t.index)
	}
	p.mu.Unlock()
	p.active.Add(-1)
	p.signal()
	return true
}

// taskQueue is a min-heap of tasks ordered by next run time.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].id < q[j].id
	}
	return q[i].next.Before(q[j].next)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/panics"

	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/protocol"
	"github.com/wg-telemetry/pkg/snapshot"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultShutdownGrace = 5 * time.Second
)

// ErrForcedStop is returned by Stop when the in-flight poll had to be cancelled.
var ErrForcedStop = errors.New("refresh: in-flight poll cancelled after grace period")

// Options configures a Refresher.
type Options struct {
	Interval      time.Duration
	Timeout       time.Duration // per poll
	ShutdownGrace time.Duration
	Clock         clock.Clock
	// OnRefresh is called after every cycle with the published data (nil on failure).
	OnRefresh func(data *snapshot.ConnectionData, err error, took time.Duration)
}

// Refresher polls a Source on a fixed interval and publishes parsed results
// into a Store. A failed cycle leaves the current snapshot in place.
type Refresher struct {
	store  *snapshot.Store
	source Source
	opts   Options

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// cancels in-flight polls when the grace period runs out
	forceCtx    context.Context
	forceCancel context.CancelFunc
}

// New creates a Refresher. Zero options take the package defaults.
func New(store *snapshot.Store, source Source, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	forceCtx, forceCancel := context.WithCancel(context.Background())
	return &Refresher{
		store:       store,
		source:      source,
		opts:        opts,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		forceCtx:    forceCtx,
		forceCancel: forceCancel,
	}
}

// Start runs one poll synchronously so the cache is warm, then starts the
// periodic loop. A failing first poll is logged but does not fail Start.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("refresh: already started")
	}
	r.started = true
	r.mu.Unlock()

	logging.Logf("[refresh] starting (interval=%v timeout=%v)", r.opts.Interval, r.opts.Timeout)
	if err := r.RefreshOnce(ctx); err != nil {
		logging.Warnf("[refresh] initial poll failed, serving empty snapshot until next cycle (err=%v)", err)
	}

	ticker := r.opts.Clock.Ticker(r.opts.Interval)
	go r.loop(ticker)
	return nil
}

func (r *Refresher) loop(ticker *clock.Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// errors are logged inside; the loop never stops on a bad cycle
			_ = r.RefreshOnce(r.forceCtx)
		}
	}
}

// RefreshOnce polls, parses and publishes. On failure the store is untouched.
func (r *Refresher) RefreshOnce(ctx context.Context) (err error) {
	start := r.opts.Clock.Now()
	var data *snapshot.ConnectionData
	defer func() {
		if r.opts.OnRefresh != nil {
			r.opts.OnRefresh(data, err, r.opts.Clock.Since(start))
		}
	}()

	var pc panics.Catcher
	pc.Try(func() {
		data, err = r.poll(ctx)
	})
	if rec := pc.Recovered(); rec != nil {
		data = nil
		err = fmt.Errorf("refresh: unexpected fault: %w", rec.AsError())
		logging.Errorf("[refresh] unexpected fault during poll (err=%v)", rec.AsError())
		return err
	}
	if err != nil {
		data = nil
		var pollErr *PollError
		if errors.As(err, &pollErr) {
			logging.Errorf("[refresh] poll command failed (command=%q exit=%d stderr=%q)", pollErr.Command, pollErr.ExitCode, pollErr.Stderr)
		} else {
			logging.Errorf("[refresh] poll failed (err=%v)", err)
		}
		return err
	}

	r.store.Publish(data)
	logging.Debugf("[refresh] snapshot published (networks=%d peers=%d generation=%d)", data.NetworkCount(), data.PeerCount(), r.store.Generation())
	return nil
}

func (r *Refresher) poll(ctx context.Context) (*snapshot.ConnectionData, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	out, err := r.source.Dump(pollCtx)
	if err != nil {
		return nil, err
	}
	return protocol.ParseDump(out), nil
}

// Stop halts the periodic loop. An in-flight poll gets ShutdownGrace to
// finish before its context is cancelled, in which case ErrForcedStop is
// returned. Stop is safe to call more than once and before Start.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	if !started {
		r.forceCancel()
		return nil
	}

	grace := time.NewTimer(r.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-r.done:
		r.forceCancel()
		logging.Logf("[refresh] stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
		r.forceCancel()
		return fmt.Errorf("refresh: stop: %w", ctx.Err())
	}

	r.forceCancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("refresh: stop: %w", ctx.Err())
	}
	logging.Warnf("[refresh] stopped after cancelling in-flight poll")
	return ErrForcedStop
}

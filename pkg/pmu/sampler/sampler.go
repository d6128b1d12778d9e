// Package sampler runs the Sampling Loop (spec.md §4.7): roughly once a
// second it asks the Aggregator for a fresh Snapshot and pushes it onto a
// bounded ring, optionally publishing it to shared memory along the way.
// The ticker-plus-select shape follows the teacher's collection loop
// (cmd/main.go's ticker/signal select), generalized from a fixed
// time.Ticker to a monotonically-advanced next-tick so a slow iteration
// doesn't accumulate drift against wall-clock seconds.
package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ringbuffer"
)

// Collector is anything that can produce one Snapshot per tick. An
// *aggregator.Aggregator satisfies this.
type Collector interface {
	Collect(ctx context.Context) (pmu.Snapshot, error)
}

// Publisher receives every snapshot the loop produces, in order. The
// shared-memory writer implements this; callers that don't need shared
// memory IPC pass nil.
type Publisher interface {
	Publish(pmu.Snapshot) error
}

// Ring is a thread-safe bounded history of recent Snapshots, newest at
// index 0, wrapping pkg/pmu/ringbuffer.RingBuffer with the mutex its
// doc comment calls for since the HTTP layer reads concurrently with
// the sampler's writes.
type Ring struct {
	mu  sync.RWMutex
	buf *ringbuffer.RingBuffer[pmu.Snapshot]
}

// NewRing allocates a Ring with the given capacity (spec.md §2, "~30
// entries").
func NewRing(capacity int) (*Ring, error) {
	buf, err := ringbuffer.New[pmu.Snapshot](capacity)
	if err != nil {
		return nil, err
	}
	return &Ring{buf: buf}, nil
}

func (r *Ring) push(s pmu.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Push(s)
}

// NthFromNewest returns the snapshot n ticks behind the newest one (0 =
// the newest itself).
func (r *Ring) NthFromNewest(n int) (pmu.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.NthFromNewest(n)
}

// Len reports how many snapshots are currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Len()
}

// Loop owns the sampling goroutine. Start it with Run; Stop requests a
// clean exit within one tick.
type Loop struct {
	collector Collector
	publisher Publisher
	ring      *Ring
	interval  time.Duration
	logger    logr.Logger

	exit atomic.Bool
	done chan struct{}
}

// New constructs a Loop. publisher may be nil.
func New(collector Collector, publisher Publisher, ring *Ring, interval time.Duration, logger logr.Logger) *Loop {
	return &Loop{
		collector: collector,
		publisher: publisher,
		ring:      ring,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Run blocks, ticking at l.interval until ctx is cancelled or Stop is
// called, whichever comes first. The next tick time is advanced by
// exactly l.interval each iteration rather than reset from "now", so a
// slow Collect doesn't push later ticks later still (spec.md §4.7
// "drift-free").
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	next := time.Now().Add(l.interval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if l.exit.Load() {
			return
		}

		l.tick(ctx)

		next = next.Add(l.interval)
		d := time.Until(next)
		if d < 0 {
			// fell behind by more than one interval; resync instead of
			// firing a burst of already-late ticks.
			next = time.Now().Add(l.interval)
			d = l.interval
		}
		timer.Reset(d)
	}
}

func (l *Loop) tick(ctx context.Context) {
	snap, err := l.collector.Collect(ctx)
	if err != nil {
		l.logger.Error(err, "sampling tick failed")
		return
	}
	snap.Timestamp = time.Now()
	snap.DispatchedAt = time.Now()

	l.ring.push(snap)

	if l.publisher != nil {
		if err := l.publisher.Publish(snap); err != nil {
			l.logger.Error(err, "shared-memory publish failed")
		}
	}
}

// Stop requests the loop exit after completing any in-flight iteration,
// within one tick (spec.md §4.7 cancellation). It does not block; wait
// on Done to observe the loop having actually exited.
func (l *Loop) Stop() {
	l.exit.Store(true)
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

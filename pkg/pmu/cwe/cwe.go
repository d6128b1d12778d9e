// Package cwe implements the Counter-Width Extender: it turns a narrow
// (24/32/48-bit) free-running hardware counter into a monotonic 64-bit
// value by polling it faster than it can wrap (spec.md §4.3).
package cwe

import (
	"context"
	"sync"
	"time"
)

// RawReader reads the current raw value of the underlying narrow counter.
// Implementations are the uncore PMU programmers' counter-value
// RegisterHandle reads, masked to Width bits.
type RawReader func() (uint64, error)

// Extender owns a background watchdog goroutine that keeps Extended()
// current. Width is the bit width of the underlying counter (typically 24,
// 32, or 48); Delay is how often the watchdog polls (spec.md §4.3: "5000ms
// for 48-bit, 1000ms for 24/32-bit" — narrower counters wrap sooner at
// memory-bandwidth rates and need to be polled more often).
type Extender struct {
	read  RawReader
	width uint
	delay time.Duration

	mu       sync.Mutex
	lastRaw  uint64
	extended uint64
	primed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Extender and starts its watchdog goroutine. The caller
// must call Close to stop the goroutine.
func New(read RawReader, width uint, delay time.Duration) *Extender {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Extender{read: read, width: width, delay: delay, cancel: cancel, done: make(chan struct{})}
	go e.watchdog(ctx)
	return e
}

func (e *Extender) watchdog(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.poll()
		}
	}
}

// poll reads the raw counter and folds it into the extended accumulator,
// returning the updated 64-bit value. Also callable directly by Extended
// so a reader never sees a value staler than one Delay interval.
func (e *Extender) poll() (uint64, error) {
	raw, err := e.read()
	if err != nil {
		return 0, err
	}

	mask := uint64(1)<<e.width - 1
	raw &= mask

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.lastRaw = raw
		e.primed = true
		return e.extended, nil
	}
	// modular delta: handles both the in-range advance and the wrap case
	// in one expression, since (raw-lastRaw) mod 2^width is exactly the
	// number of counts since the last poll either way.
	delta := (raw - e.lastRaw) & mask
	e.extended += delta
	e.lastRaw = raw
	return e.extended, nil
}

// Extended reads the underlying counter and returns the updated monotonic
// 64-bit view. The background watchdog calls the same code path on its
// own schedule so the extended value stays current even between on-demand
// reads; either path advancing the counter is safe since both hold mu.
func (e *Extender) Extended() (uint64, error) {
	return e.poll()
}

// Close stops the watchdog goroutine and waits for it to exit.
func (e *Extender) Close() {
	e.cancel()
	<-e.done
}

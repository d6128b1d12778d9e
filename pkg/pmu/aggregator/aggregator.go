// Package aggregator implements the parallel topology-tree visitor that
// produces one pmu.Snapshot per tick (spec.md §4.6). Per-thread and
// per-socket samples are dispatched across a bounded worker pool pinned
// to the thread/socket they read, mirroring the controller's fan-out
// pattern for independent, context-cancellable work
// (internal/kubernetes/agent/controller.go's syncCache in the teacher).
// xPI link reads are sequential per socket, issued from each socket's
// reference core, since the underlying registers are read through one
// shared uncore box per link and don't parallelize usefully.
package aggregator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/engine"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/topology"
)

// defaultWorkers caps the fan-out pool so a 4096-thread topology doesn't
// spawn one goroutine per thread all contending on the same register
// bus (spec.md §4.6, "~64 workers").
const defaultWorkers = 64

// XPIReader samples every inter-socket link visible from the given
// socket's reference core. It is called sequentially, once per socket,
// since all links on a socket are read through that socket's reference
// thread (spec.md §4.6).
type XPIReader func(socketID int) ([]pmu.XPILinkState, error)

// Aggregator runs one parallel sweep of a Tree per Collect call.
type Aggregator struct {
	tree    *topology.Tree
	eng     *engine.Engine
	readXPI XPIReader
	workers int
}

// New constructs an Aggregator. readXPI may be nil, in which case
// Collect leaves every socket's XPILinks empty (no xPI topology on this
// platform, e.g. single-socket).
func New(tree *topology.Tree, eng *engine.Engine, readXPI XPIReader) *Aggregator {
	return &Aggregator{tree: tree, eng: eng, readXPI: readXPI, workers: defaultWorkers}
}

// WithWorkers overrides the worker pool size, mainly for tests that want
// deterministic scheduling with a small topology.
func (a *Aggregator) WithWorkers(n int) *Aggregator {
	if n > 0 {
		a.workers = n
	}
	return a
}

// Collect runs one full sweep: every online thread's core counters and
// every socket's uncore counters are sampled concurrently, pinned to the
// CPU they describe; xPI links are then read sequentially per socket.
// Collect cancels the remaining fan-out and returns the first error if
// any non-retryable sample fails (spec.md §7: retryable TransientIo
// errors are swallowed per-thread/per-socket, not surfaced here, since
// engine.SampleSocket already does that).
func (a *Aggregator) Collect(ctx context.Context) (pmu.Snapshot, error) {
	threads := make([]pmu.BasicCounterState, len(a.tree.Threads))
	sockets := make([]pmu.UncoreCounterState, len(a.tree.Sockets))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for ti := range a.tree.Threads {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			bc, err := a.sampleThread(ti)
			if err != nil {
				return err
			}
			threads[ti] = bc
			return nil
		})
	}

	for si := range a.tree.Sockets {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			uc, err := a.eng.SampleSocket(a.tree.Sockets[si].ID)
			if err != nil {
				return err
			}
			sockets[si] = uc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return pmu.Snapshot{}, err
	}

	var sys pmu.SystemCounterState
	for _, t := range threads {
		sys.BasicCounterState.Add(t)
	}
	for _, s := range sockets {
		sys.UncoreCounterState.Add(s)
	}

	socketCores := make([]pmu.BasicCounterState, len(a.tree.Sockets))
	for si, socket := range a.tree.Sockets {
		var agg pmu.BasicCounterState
		for _, ci := range socket.CoreIndices {
			for _, ti := range a.tree.Cores[ci].ThreadIndices {
				agg.Add(threads[ti])
			}
		}
		socketCores[si] = agg
	}

	var links [][]pmu.XPILinkState
	if a.readXPI != nil {
		links = make([][]pmu.XPILinkState, len(a.tree.Sockets))
		for si, s := range a.tree.Sockets {
			l, err := a.readXPI(s.ID)
			if err != nil {
				return pmu.Snapshot{}, err
			}
			links[si] = l
		}
	}
	sys.XPILinks = links

	return pmu.Snapshot{
		Threads:     threads,
		Sockets:     sockets,
		SocketCores: socketCores,
		System:      sys,
	}, nil
}

// sampleThread pins the calling goroutine's OS thread to the hyperthread
// being sampled before reading its MSRs, matching the RAL's affinity
// contract (ral.Pin must be held for the duration of any MSR read that
// relies on rdmsr-on-current-cpu semantics rather than /dev/cpu/N/msr's
// pread offset addressing). The engine's corepmu handles already open a
// stable per-cpu fd, so pinning here is a defensive no-op on Linux where
// /dev/cpu/N/msr addressing makes it unnecessary, kept symmetric with
// the topology enumerator's own Pin usage.
func (a *Aggregator) sampleThread(threadIdx int) (pmu.BasicCounterState, error) {
	th := a.tree.Threads[threadIdx]
	if !th.Online {
		return pmu.BasicCounterState{}, nil
	}
	pin, err := ral.Pin(th.OSID)
	if err == nil {
		defer pin.Close()
	}
	bc, err := a.eng.SampleCore(threadIdx)
	if err != nil && errors.Retryable(err) {
		return pmu.BasicCounterState{}, nil
	}
	return bc, err
}

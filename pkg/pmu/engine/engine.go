// Package engine implements the Counter Engine: program/sample_core/
// sample_socket/sample_system/cleanup (spec.md §4.5), orchestrating the
// per-thread corepmu.Programmer and per-socket uncorepmu.Box instances a
// Topology Tree describes. Register resolution for a specific processor
// model (which box lives at which PCI/MMIO/MSR address) is supplied by
// the caller via MSROpener/UncoreBoxOpener — spec.md §1 treats per-model
// identification tables as opaque configuration data the core consumes,
// not logic this package implements.
package engine

import (
	"sync"

	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/corepmu"
	"github.com/opcm/opcmd/pkg/pmu/eventdb"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/topology"
	"github.com/opcm/opcmd/pkg/pmu/uncorepmu"
)

// Mode selects how general-purpose counters are chosen (spec.md §4.5).
type Mode int

const (
	ModeDefaultEvents Mode = iota
	ModeCustomCoreEvents
	ModeExtendedCustomCoreEvents
	ModeRawPmuConfigs
)

// Params carries the mode-specific programming inputs.
type Params struct {
	CustomCoreEvents []eventdb.Event
	RawPmuConfigs    map[string][]uncorepmu.CounterConfig // keyed by unit name, RawPmuConfigs mode
}

// MSROpener opens (or returns a cached) per-thread MSR handle for the
// given OS CPU id.
type MSROpener func(osID int) (ral.RegisterHandle, error)

// UncoreBoxOpener returns the uncore PMU boxes present on the given
// socket, already resolved to RegisterHandles.
type UncoreBoxOpener func(socketID int) ([]*uncorepmu.Box, error)

type engineState int

const (
	stateUninitialized engineState = iota
	stateProgrammed
)

// Engine is the single owner of a host's PMU programming. Exactly one
// Engine should be programmed at a time on a host; the Instance Lock
// enforces that across process boundaries.
type Engine struct {
	tree      *topology.Tree
	openMSR   MSROpener
	openBoxes UncoreBoxOpener
	lock      *ral.InstanceLock
	events    *eventdb.DB
	copt      corepmu.Options

	mu          sync.Mutex
	state       engineState
	coreProgs   map[int]*corepmu.Programmer // thread index -> programmer
	socketBoxes map[int][]*uncorepmu.Box
}

// New constructs an Engine. The Engine does not take ownership of tree;
// it must outlive the Engine.
func New(tree *topology.Tree, openMSR MSROpener, openBoxes UncoreBoxOpener, lock *ral.InstanceLock, events *eventdb.DB, copt corepmu.Options) *Engine {
	return &Engine{
		tree: tree, openMSR: openMSR, openBoxes: openBoxes,
		lock: lock, events: events, copt: copt,
	}
}

// Program acquires the Instance Lock exclusively and programs every
// online thread's core PMU and every socket's uncore boxes. Idempotent:
// calling Program again while already programmed re-runs the sequence.
func (e *Engine) Program(mode Mode, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.lock.Acquire(ral.LockExclusive); err != nil {
		return err
	}

	e.coreProgs = make(map[int]*corepmu.Programmer)
	e.socketBoxes = make(map[int][]*uncorepmu.Box)

	events, err := e.coreEventsForMode(mode, params)
	if err != nil {
		e.lock.Release()
		return err
	}

	for _, ti := range e.tree.OnlineThreads() {
		th := e.tree.Threads[ti]
		msr, err := e.openMSR(th.OSID)
		if err != nil {
			e.lock.Release()
			return err
		}
		p := corepmu.New(msr, e.copt)
		if err := p.Program(events); err != nil {
			e.lock.Release()
			return err
		}
		e.coreProgs[ti] = p
	}

	for _, s := range e.tree.Sockets {
		boxes, err := e.openBoxes(s.ID)
		if err != nil {
			e.lock.Release()
			return err
		}
		for _, b := range boxes {
			cfgs, filterVals := e.uncoreConfigFor(b, mode, params)
			if err := b.Program(cfgs, filterVals); err != nil {
				e.lock.Release()
				return err
			}
		}
		e.socketBoxes[s.ID] = boxes
	}

	e.state = stateProgrammed
	return nil
}

func (e *Engine) coreEventsForMode(mode Mode, params Params) ([]eventdb.Event, error) {
	switch mode {
	case ModeDefaultEvents:
		return nil, nil // fixed counters only: no general-purpose events are programmed, and the eventdb.DB passed to New is not consulted
	case ModeCustomCoreEvents, ModeExtendedCustomCoreEvents:
		return params.CustomCoreEvents, nil
	case ModeRawPmuConfigs:
		return nil, nil
	default:
		return nil, errors.Configuration("unknown program mode")
	}
}

func (e *Engine) uncoreConfigFor(b *uncorepmu.Box, mode Mode, params Params) ([]uncorepmu.CounterConfig, [2]uint64) {
	if mode == ModeRawPmuConfigs {
		if cfgs, ok := params.RawPmuConfigs[string(b.Role)]; ok {
			return cfgs, [2]uint64{}
		}
	}
	return uncorepmu.DefaultEvents(b.Role), [2]uint64{}
}

// SampleCore reads the programmed core PMU for one thread (spec.md §4.5
// sample_core). Returns a zero BasicCounterState, no error, if the thread
// is offline (spec.md §7 Offline: "per-thread reads of that core yield
// zeros, aggregation continues").
func (e *Engine) SampleCore(threadIdx int) (pmu.BasicCounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	th := e.tree.Threads[threadIdx]
	if !th.Online {
		return pmu.BasicCounterState{}, nil
	}
	p, ok := e.coreProgs[threadIdx]
	if !ok {
		return pmu.BasicCounterState{}, errors.Configuration("sample_core requested before program()")
	}
	return p.Sample()
}

// SampleSocket reads every uncore box on a socket and rolls the results
// into one UncoreCounterState (spec.md §4.5 sample_socket).
func (e *Engine) SampleSocket(socketID int) (pmu.UncoreCounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out pmu.UncoreCounterState
	for _, b := range e.socketBoxes[socketID] {
		raw, err := b.Sample()
		if err != nil {
			if errors.Retryable(err) {
				continue // box transiently unavailable this tick; spec.md §7 TransientIo
			}
			return pmu.UncoreCounterState{}, err
		}
		b.ApplyTo(raw, &out)
		if b.Role == uncorepmu.RoleIMC {
			var channelBytes uint64
			for _, v := range raw {
				channelBytes += v * 64
			}
			out.MemChannelCounters = append(out.MemChannelCounters, channelBytes)
		}
	}
	if err := e.samplePackageState(socketID, &out); err != nil {
		if errors.Retryable(err) {
			return out, nil
		}
		return pmu.UncoreCounterState{}, err
	}
	return out, nil
}

// SampleXPILinks reads every xPI/UPI box on a socket and reports one
// XPILinkState per box, in the Incoming/Outgoing/TxL0Cycles counter
// order uncorepmu.DefaultEvents(RoleXPI) programs them in. It is the
// aggregator.XPIReader this engine backs: the aggregator calls it once
// per socket, sequentially, from that socket's reference thread.
func (e *Engine) SampleXPILinks(socketID int) ([]pmu.XPILinkState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var links []pmu.XPILinkState
	for _, b := range e.socketBoxes[socketID] {
		if b.Role != uncorepmu.RoleXPI {
			continue
		}
		raw, err := b.Sample()
		if err != nil {
			if errors.Retryable(err) {
				continue
			}
			return nil, err
		}
		var l pmu.XPILinkState
		if len(raw) > 0 {
			l.IncomingDataPackets = raw[0]
		}
		if len(raw) > 1 {
			l.OutgoingFlits = raw[1]
		}
		if len(raw) > 2 {
			l.TxL0Cycles = raw[2]
		}
		links = append(links, l)
	}
	return links, nil
}

// SampleSystem sequentially samples every thread and socket and rolls
// them into one SystemCounterState (spec.md §4.5 sample_system). Callers
// needing the parallel, per-thread/per-socket breakdown of a Snapshot
// should use pkg/pmu/aggregator instead; this is the simple sequential
// path for one-shot callers.
func (e *Engine) SampleSystem() (pmu.SystemCounterState, error) {
	var sys pmu.SystemCounterState
	for ti := range e.tree.Threads {
		bc, err := e.SampleCore(ti)
		if err != nil {
			return pmu.SystemCounterState{}, err
		}
		sys.BasicCounterState.Add(bc)
	}
	for _, s := range e.tree.Sockets {
		uc, err := e.SampleSocket(s.ID)
		if err != nil {
			return pmu.SystemCounterState{}, err
		}
		sys.UncoreCounterState.Add(uc)
	}
	return sys, nil
}

// Cleanup freezes every programmed PMU, clears control registers, and
// releases the Instance Lock (spec.md §4.5 cleanup()).
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateProgrammed {
		return nil
	}

	var firstErr error
	for _, p := range e.coreProgs {
		if err := p.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, boxes := range e.socketBoxes {
		for _, b := range boxes {
			if err := b.Cleanup(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	e.coreProgs = nil
	e.socketBoxes = nil
	e.state = stateUninitialized
	if err := e.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

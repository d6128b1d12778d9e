// Package corepmu programs and reads the per-thread fixed and
// general-purpose counters of the core PMU (spec.md §4.4 "Core PMU").
package corepmu

import (
	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/eventdb"
	"github.com/opcm/opcmd/pkg/pmu/ral"
)

// Options carries the platform workarounds spec.md §4.4 lists. They are
// decided once per process (from CPUID and platform probes) and applied
// uniformly to every thread's Programmer.
type Options struct {
	// VirtualizedGuest clamps general-purpose counters to 3 unless
	// AllowAllGPCounters overrides it (PCM_NO_AWS_WORKAROUND=1).
	VirtualizedGuest   bool
	AllowAllGPCounters bool
	// TSXForceAbortClaims4th is true when CPUID indicates MSR_TSX_FORCE_ABORT
	// must be cleared before the 4th general counter becomes usable.
	TSXForceAbortClaims4th bool
	// TopDownLevel1Available enables programming the four top-down events
	// as a second group on the same counters when both CPUID and the
	// kernel's perf subsystem advertise support.
	TopDownLevel1Available bool
}

func (o Options) maxGPCounters() int {
	if o.VirtualizedGuest && !o.AllowAllGPCounters {
		return 3
	}
	return maxGeneralPurposeCounters
}

// state is the PMU owner state machine spec.md §4.5 names.
type state int

const (
	stateUninitialized state = iota
	stateProgrammed
)

// Programmer owns one thread's core PMU programming. It is not safe for
// concurrent use by more than one goroutine at a time; the Aggregator
// pins exactly one worker to the owning thread for the duration of a
// sample.
type Programmer struct {
	msr  ral.RegisterHandle
	opts Options

	state         state
	numGPInUse    int
	events        []eventdb.Event
	topDownActive bool
}

// New wraps an already-open MsrHandle for one thread. The handle's
// lifetime is owned by the caller (the topology HyperThread), not by the
// Programmer.
func New(msr ral.RegisterHandle, opts Options) *Programmer {
	return &Programmer{msr: msr, opts: opts}
}

// Program runs the freeze→reset→configure→unfreeze sequence (spec.md
// §4.4) for the three fixed counters plus up to opts.maxGPCounters()
// general-purpose counters selected from events. Idempotent: calling
// Program while already programmed re-runs the sequence with the new
// event list.
func (p *Programmer) Program(events []eventdb.Event) error {
	maxGP := p.opts.maxGPCounters()
	if len(events) > maxGP {
		return errors.Configuration("requested general-purpose counters exceed hardware capacity")
	}

	if p.opts.TSXForceAbortClaims4th && len(events) == maxGeneralPurposeCounters {
		clear, err := p.msr.Read64(msrTSXForceAbort)
		if err != nil {
			return err
		}
		if clear&1 != 0 {
			return errors.Configuration("4th general-purpose counter unusable: MSR_TSX_FORCE_ABORT set")
		}
	}

	// freeze: disable every counter through PERF_GLOBAL_CTRL
	if err := p.msr.Write64(msrPerfGlobalCtrl, 0); err != nil {
		return err
	}

	// configure fixed counters: instructions retired, unhalted cycles,
	// unhalted ref cycles, all counting OS+USR.
	fixedCtrl := uint64(0)
	for i := 0; i < 3; i++ {
		fixedCtrl |= uint64(fixedCtrOSUsrEnable) << (4 * i)
	}
	topDown := p.opts.TopDownLevel1Available
	if topDown {
		// FIXED_CTR3 (SLOTS) shares the same per-counter enable nibble
		// layout; enabling it also turns on the hardware's level-1
		// top-down fraction reporting into IA32_PERF_METRICS (spec.md
		// §4.4 "program the four top-down events as a second counter
		// group").
		fixedCtrl |= uint64(fixedCtrOSUsrEnable) << (4 * 3)
	}
	if err := p.msr.Write64(msrFixedCtrCtrl, fixedCtrl); err != nil {
		return err
	}

	// configure general-purpose counters
	for i, ev := range events {
		sel := uint64(ev.Event) | uint64(ev.UMask)<<8 | evtSelUsr | evtSelOS | evtSelEn
		if ev.Edge {
			sel |= evtSelEdge
		}
		if ev.Invert {
			sel |= evtSelInv
		}
		sel |= uint64(ev.CMask) << evtSelCMaskShift
		if err := p.msr.Write64(msrPerfEvtSel0+int64(i), sel); err != nil {
			return err
		}
	}
	// disable any higher-indexed counter left over from a previous Program
	for i := len(events); i < maxGeneralPurposeCounters; i++ {
		if err := p.msr.Write64(msrPerfEvtSel0+int64(i), 0); err != nil {
			return err
		}
	}

	// reset counters
	for i := range events {
		if err := p.msr.Write64(msrPMC0+int64(i), 0); err != nil {
			return err
		}
	}
	if err := p.msr.Write64(msrFixedCtr0, 0); err != nil {
		return err
	}
	if err := p.msr.Write64(msrFixedCtr1, 0); err != nil {
		return err
	}
	if err := p.msr.Write64(msrFixedCtr2, 0); err != nil {
		return err
	}
	if topDown {
		if err := p.msr.Write64(msrFixedCtr3, 0); err != nil {
			return err
		}
		if err := p.msr.Write64(msrPerfMetrics, 0); err != nil {
			return err
		}
	}
	if err := p.msr.Write64(msrPerfGlobalOvfCtrl, ^uint64(0)); err != nil {
		return err
	}

	// unfreeze: enable exactly the programmed counters.
	enableMask := uint64(0b111) << 32 // 3 fixed counters
	if topDown {
		enableMask |= 1 << 35 // FIXED_CTR3 (SLOTS)
	}
	for i := range events {
		enableMask |= 1 << uint(i)
	}
	if err := p.msr.Write64(msrPerfGlobalCtrl, enableMask); err != nil {
		return err
	}

	p.events = events
	p.numGPInUse = len(events)
	p.topDownActive = topDown
	p.state = stateProgrammed
	return nil
}

// Cleanup freezes the PMU and clears every control register this
// Programmer touched (spec.md §4.5 cleanup()).
func (p *Programmer) Cleanup() error {
	if p.state != stateProgrammed {
		return nil
	}
	if err := p.msr.Write64(msrPerfGlobalCtrl, 0); err != nil {
		return err
	}
	if err := p.msr.Write64(msrFixedCtrCtrl, 0); err != nil {
		return err
	}
	for i := 0; i < maxGeneralPurposeCounters; i++ {
		if err := p.msr.Write64(msrPerfEvtSel0+int64(i), 0); err != nil {
			return err
		}
	}
	p.state = stateUninitialized
	p.events = nil
	p.numGPInUse = 0
	p.topDownActive = false
	return nil
}

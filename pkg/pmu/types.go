package pmu

import "time"

// MaxCState is the highest C-state residency slot tracked per spec.md §3's
// BasicCounterState / UncoreCounterState residency arrays.
const MaxCState = 10

// TopDownLevel1 holds the level-1 top-down slot breakdown (spec.md
// glossary): issued slots split into frontend-bound, bad-speculation,
// backend-bound, and retiring.
type TopDownLevel1 struct {
	Frontend      uint64
	BadSpeculation uint64
	Backend       uint64
	Retiring      uint64
}

// BasicCounterState is the per-thread counter accumulator from spec.md §3.
// Every field except L3Occupancy (a snapshot) and ThermalHeadroom (an
// instantaneous reading) is a 64-bit unsigned monotonic sum; overflow is a bug, not a
// wraparound, which is why the Counter-Width Extender exists for anything
// narrower than 64 bits before it reaches this struct.
type BasicCounterState struct {
	InstructionsRetired  uint64
	UnhaltedCycles       uint64
	UnhaltedRefCycles    uint64
	GeneralPurpose       [4]uint64 // up to 4 programmable-event totals
	L3Occupancy          uint64    // snapshot, not a monotonic sum
	InvariantTSC         uint64
	CStateResidency      [MaxCState]uint64
	ThermalHeadroom      int32 // Kelvin below throttling threshold
	SMICount             uint64
	TopDown              TopDownLevel1
}

// Add accumulates src into the receiver (used when rolling threads up into
// a socket, and sockets up into the system total).
func (b *BasicCounterState) Add(src BasicCounterState) {
	b.InstructionsRetired += src.InstructionsRetired
	b.UnhaltedCycles += src.UnhaltedCycles
	b.UnhaltedRefCycles += src.UnhaltedRefCycles
	for i := range b.GeneralPurpose {
		b.GeneralPurpose[i] += src.GeneralPurpose[i]
	}
	b.L3Occupancy += src.L3Occupancy
	b.InvariantTSC += src.InvariantTSC
	for i := range b.CStateResidency {
		b.CStateResidency[i] += src.CStateResidency[i]
	}
	b.SMICount += src.SMICount
	b.TopDown.Frontend += src.TopDown.Frontend
	b.TopDown.BadSpeculation += src.TopDown.BadSpeculation
	b.TopDown.Backend += src.TopDown.Backend
	b.TopDown.Retiring += src.TopDown.Retiring
}

// Sub returns a-b, used to compute per-interval deltas between two
// Snapshots of the same monotonic counters (spec.md §4.5 sample_*).
func (a BasicCounterState) Sub(b BasicCounterState) BasicCounterState {
	out := a
	out.InstructionsRetired = satSub(a.InstructionsRetired, b.InstructionsRetired)
	out.UnhaltedCycles = satSub(a.UnhaltedCycles, b.UnhaltedCycles)
	out.UnhaltedRefCycles = satSub(a.UnhaltedRefCycles, b.UnhaltedRefCycles)
	for i := range out.GeneralPurpose {
		out.GeneralPurpose[i] = satSub(a.GeneralPurpose[i], b.GeneralPurpose[i])
	}
	out.InvariantTSC = satSub(a.InvariantTSC, b.InvariantTSC)
	for i := range out.CStateResidency {
		out.CStateResidency[i] = satSub(a.CStateResidency[i], b.CStateResidency[i])
	}
	out.SMICount = satSub(a.SMICount, b.SMICount)
	out.TopDown.Frontend = satSub(a.TopDown.Frontend, b.TopDown.Frontend)
	out.TopDown.BadSpeculation = satSub(a.TopDown.BadSpeculation, b.TopDown.BadSpeculation)
	out.TopDown.Backend = satSub(a.TopDown.Backend, b.TopDown.Backend)
	out.TopDown.Retiring = satSub(a.TopDown.Retiring, b.TopDown.Retiring)
	return out
}

// satSub returns a-b, saturating at 0 instead of wrapping. A monotonic
// counter going backwards between two samples of the same thread means the
// core was offlined and came back, not that time ran in reverse.
func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// UncoreCounterState is the per-socket uncore accumulator from spec.md §3.
type UncoreCounterState struct {
	DRAMBytesRead     uint64
	DRAMBytesWritten  uint64
	PMMBytesRead      uint64
	PMMBytesWritten   uint64
	EDCBytes          uint64
	IORequestBytes    uint64
	PackageEnergyUJ   uint64 // micro-joules
	DRAMEnergyUJ      uint64
	PackageCState     [MaxCState]uint64
	TorOccupancy      uint64
	TorInserts        uint64
	UncoreClocks      uint64
	CHARequests       uint64
	MemChannelCounters []uint64 // free-running per-channel memory counters
}

func (u *UncoreCounterState) Add(src UncoreCounterState) {
	u.DRAMBytesRead += src.DRAMBytesRead
	u.DRAMBytesWritten += src.DRAMBytesWritten
	u.PMMBytesRead += src.PMMBytesRead
	u.PMMBytesWritten += src.PMMBytesWritten
	u.EDCBytes += src.EDCBytes
	u.IORequestBytes += src.IORequestBytes
	u.PackageEnergyUJ += src.PackageEnergyUJ
	u.DRAMEnergyUJ += src.DRAMEnergyUJ
	for i := range u.PackageCState {
		u.PackageCState[i] += src.PackageCState[i]
	}
	u.TorOccupancy += src.TorOccupancy
	u.TorInserts += src.TorInserts
	u.UncoreClocks += src.UncoreClocks
	u.CHARequests += src.CHARequests
	if len(u.MemChannelCounters) < len(src.MemChannelCounters) {
		grown := make([]uint64, len(src.MemChannelCounters))
		copy(grown, u.MemChannelCounters)
		u.MemChannelCounters = grown
	}
	for i, v := range src.MemChannelCounters {
		u.MemChannelCounters[i] += v
	}
}

func (a UncoreCounterState) Sub(b UncoreCounterState) UncoreCounterState {
	out := a
	out.DRAMBytesRead = satSub(a.DRAMBytesRead, b.DRAMBytesRead)
	out.DRAMBytesWritten = satSub(a.DRAMBytesWritten, b.DRAMBytesWritten)
	out.PMMBytesRead = satSub(a.PMMBytesRead, b.PMMBytesRead)
	out.PMMBytesWritten = satSub(a.PMMBytesWritten, b.PMMBytesWritten)
	out.EDCBytes = satSub(a.EDCBytes, b.EDCBytes)
	out.IORequestBytes = satSub(a.IORequestBytes, b.IORequestBytes)
	out.PackageEnergyUJ = satSub(a.PackageEnergyUJ, b.PackageEnergyUJ)
	out.DRAMEnergyUJ = satSub(a.DRAMEnergyUJ, b.DRAMEnergyUJ)
	for i := range out.PackageCState {
		out.PackageCState[i] = satSub(a.PackageCState[i], b.PackageCState[i])
	}
	out.TorOccupancy = satSub(a.TorOccupancy, b.TorOccupancy)
	out.TorInserts = satSub(a.TorInserts, b.TorInserts)
	out.UncoreClocks = satSub(a.UncoreClocks, b.UncoreClocks)
	out.CHARequests = satSub(a.CHARequests, b.CHARequests)
	n := len(a.MemChannelCounters)
	out.MemChannelCounters = make([]uint64, n)
	for i := 0; i < n; i++ {
		var bv uint64
		if i < len(b.MemChannelCounters) {
			bv = b.MemChannelCounters[i]
		}
		out.MemChannelCounters[i] = satSub(a.MemChannelCounters[i], bv)
	}
	return out
}

// XPILinkState is one inter-socket link's traffic counters (spec.md §3,
// indexed [socket][link] in SystemCounterState).
type XPILinkState struct {
	IncomingDataPackets uint64
	OutgoingFlits       uint64
	TxL0Cycles          uint64
}

// SystemCounterState is the union of all BasicCounterState +
// UncoreCounterState totals, plus per-link xPI traffic (spec.md §3).
type SystemCounterState struct {
	BasicCounterState
	UncoreCounterState
	XPILinks [][]XPILinkState // [socket][link]
}

// Snapshot is a self-consistent capture of all programmed counters at one
// instant (spec.md §3).
type Snapshot struct {
	Timestamp   time.Time
	DispatchedAt time.Time // monotonic steady-clock dispatch time
	Threads     []BasicCounterState // indexed by OS thread id
	Sockets     []UncoreCounterState
	SocketCores []BasicCounterState // core counters rolled up per socket, the "Core Counters Aggregate Socket" view
	System      SystemCounterState
}

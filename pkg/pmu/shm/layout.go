// Package shm implements the Shared-Memory IPC layer (spec.md §4.9):
// the daemon publishes the latest Snapshot into a region other
// processes can read lock-free, fenced by a TSC-stamped begin/end pair
// (daemon/common.h and daemon/daemon.cpp in original_source/ name this
// SharedPCMState/SharedPCMCounters; this package is a Go-native
// reimplementation of that layout, read and written by
// pkg/pmu/shmclient rather than a C client, so field layout follows
// encoding/binary's packed rules instead of the C compiler's struct
// alignment).
package shm

import "encoding/binary"

// Size limits carried over from the original layout (daemon/common.h),
// bounding the shared region to a fixed size regardless of how many
// cores/sockets/channels/links a given host actually has, so the
// region's byte size never changes across a daemon restart with a
// different topology.
const (
	MaxCPUCores          = 4096
	MaxSockets           = 256
	MaxMemoryIMCChannels = 12
	QPIMaxLinks          = MaxSockets * 4
	VersionSize          = 12
)

// Version is written into every SharedPCMState's Version field so
// clients can detect a layout change before trusting the rest of the
// region.
const Version = "3.0.0"

// CoreCounter is one logical CPU's published metrics (PCMCoreCounter in
// original_source/daemon/common.h), trimmed to the fields that map onto a
// BasicCounterState. countersFromSnapshot leaves SocketID and
// L3CacheMisses zero.
type CoreCounter struct {
	CoreID              uint64
	SocketID            int32
	_                   int32 // pad to keep every field 8-byte aligned within the array
	InstructionsRetired uint64
	UnhaltedCycles      uint64
	InstructionsPerCycle float64
	L3CacheMisses       uint64
	ThermalHeadroomK    int32
	_                   int32
}

// System carries the topology summary every consumer reads first to
// know how many of the MaxCPUCores/MaxSockets slots are valid
// (PCMSystem in original_source/).
type System struct {
	NumOfCores             uint32
	NumOfOnlineCores       uint32
	NumOfSockets           uint32
	NumOfOnlineSockets     uint32
	NumOfQPILinksPerSocket uint32
	_                      uint32
}

// MemoryChannelCounter is one DRAM channel's throughput
// (PCMMemoryChannelCounter).
type MemoryChannelCounter struct {
	ReadBytesPerSec  float32
	WriteBytesPerSec float32
	TotalBytesPerSec float32
	_                float32
}

// MemorySocketCounter is one socket's memory counters
// (PCMMemorySocketCounter).
type MemorySocketCounter struct {
	SocketID      uint64
	Channels      [MaxMemoryIMCChannels]MemoryChannelCounter
	NumOfChannels uint32
	_             uint32
	ReadBytesPerSec  float64
	WriteBytesPerSec float64
	DRAMEnergyJ      float64
}

// Memory is the system-wide memory section (PCMMemory).
type Memory struct {
	Sockets [MaxSockets]MemorySocketCounter
}

// QPILinkCounter is one inter-socket link's traffic (PCMQPILinkCounter).
type QPILinkCounter struct {
	Bytes uint64
}

// QPISocketCounter is one socket's set of links (PCMQPISocketCounter).
type QPISocketCounter struct {
	SocketID uint64
	Links    [QPIMaxLinks]QPILinkCounter
	Total    uint64
}

// QPI is the system-wide xPI section (PCMQPI).
type QPI struct {
	Incoming [MaxSockets]QPISocketCounter
	Outgoing [MaxSockets]QPISocketCounter
}

// Counters is the full published counter tree (SharedPCMCounters).
type Counters struct {
	System  System
	Cores   [MaxCPUCores]CoreCounter
	Memory  Memory
	QPI     QPI
}

// State is the top-level shared region (SharedPCMState). Field order
// matters: it is the order the writer publishes fields in, and the
// order spec.md §4.7 step 4 requires (LastUpdateTscBegin first,
// LastUpdateTscEnd last).
type State struct {
	LastUpdateTscBegin uint64
	Version            [VersionSize]byte
	PollMs             uint32
	_                  uint32
	Counters           Counters
	TimestampNanos     uint64
	CyclesToGetState   uint64
	LastUpdateTscEnd   uint64
}

// Layout offsets are computed from encoding/binary's packed field
// sizes (binary.Size ignores Go's own struct alignment padding, which
// is exactly the on-wire layout Write/Read use) rather than
// unsafe.Sizeof/Offsetof, which report Go's in-memory layout and would
// disagree with it the moment a field boundary isn't naturally
// 8-byte-aligned.
var (
	tscBeginSize = binary.Size(uint64(0))
	versionSize  = binary.Size([VersionSize]byte{})
	pollMsSize   = binary.Size(uint32(0)) * 2 // PollMs plus its padding word
	countersSize = binary.Size(Counters{})
	tailSize     = binary.Size(uint64(0)) * 2 // TimestampNanos, CyclesToGetState

	tscBeginOffset = 0
	versionOffset  = tscBeginOffset + tscBeginSize
	countersOffset = versionOffset + versionSize + pollMsSize
	tscEndOffset   = countersOffset + countersSize + tailSize
	stateSize      = tscEndOffset + binary.Size(uint64(0))
)

// Size, VersionOffset, TscBeginOffset, TscEndOffset, and CountersSize
// expose this package's packed layout to pkg/pmu/shmclient, which mmaps
// the same region read-only and must decode it field-for-field in the
// same order Writer.Publish wrote it.
func Size() int             { return stateSize }
func VersionOffset() int    { return versionOffset }
func TscBeginOffset() int   { return tscBeginOffset }
func TscEndOffset() int     { return tscEndOffset }
func CountersOffset() int   { return countersOffset }
func CountersSize() int     { return countersSize }

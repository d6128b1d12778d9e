// Package uncorepmu programs the generic uncore PMU "box" shape shared by
// every server uncore unit — IMC, CHA, M2M, M3UPI, UPI/QPI, PCU, Ubox, IIO
// (spec.md §4.4 "Uncore PMUs"). All of these units expose the same
// unit-control/counter-control/counter-value register shape; they differ
// only in how their RegisterHandles are addressed (MSR, PCI config, or
// MMIO — spec.md §9 "Polymorphism over PMU variants"), which is already
// resolved by the time a Box is constructed.
package uncorepmu

import (
	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ral"
)

// unit control bits, common to every box generation this daemon targets.
const (
	unitCtlFreezeEnable = 1 << 0 // FRZ_EN
	unitCtlFreeze       = 1 << 8 // FRZ
	unitCtlResetCounters = 1 << 1 // RST_COUNTERS (box-relative meaning varies; spec treats as opaque bit)
)

// Role names the default event-selection role a box plays (spec.md §4.4
// table): which of the box's ≤4 counters gets which canned event when the
// caller doesn't supply RawPmuConfigs.
type Role string

const (
	RoleIMC  Role = "imc"
	RoleM2M  Role = "m2m"
	RoleXPI  Role = "xpi"
	RolePCU  Role = "pcu"
	RoleCHA  Role = "cha"
)

// CounterConfig is one counter's raw event-select payload. Fields are
// opaque bit patterns assembled by the caller from the role's default
// table or from RawPmuConfigs — the box itself only knows how to freeze,
// write, and unfreeze.
type CounterConfig struct {
	Select uint64
}

// Box is one uncore PMU unit: up to 4 general counters, an optional fixed
// counter, and up to 2 filter registers, all addressed through
// RegisterHandles whose concrete backend (MSR/PCI/MMIO) this package never
// inspects (spec.md §3 UncorePmu).
type Box struct {
	Role  Role
	Width uint8 // counter bit width, for callers wiring a cwe.Extender on top

	unitCtl       ral.RegisterHandle
	counterCtl    []ral.RegisterHandle
	counterValue  []ral.RegisterHandle
	fixedCtl      ral.RegisterHandle
	fixedValue    ral.RegisterHandle
	filter        [2]ral.RegisterHandle

	programmed bool
}

// New constructs a Box from already-resolved RegisterHandles. len(counterCtl)
// must equal len(counterValue) and be ≤4 (spec.md §3 UncorePmu invariant).
func New(role Role, width uint8, unitCtl ral.RegisterHandle, counterCtl, counterValue []ral.RegisterHandle, fixedCtl, fixedValue ral.RegisterHandle) (*Box, error) {
	if len(counterCtl) != len(counterValue) {
		return nil, errors.Configuration("uncore box: counter_control/counter_value length mismatch")
	}
	if len(counterCtl) > 4 {
		return nil, errors.Configuration("uncore box: more than 4 counters requested")
	}
	return &Box{
		Role: role, Width: width,
		unitCtl: unitCtl, counterCtl: counterCtl, counterValue: counterValue,
		fixedCtl: fixedCtl, fixedValue: fixedValue,
	}, nil
}

// SetFilter installs an opcode/thread/NUMA filter register at index 0 or 1
// (spec.md §3 "filter[0..1]").
func (b *Box) SetFilter(index int, h ral.RegisterHandle) error {
	if index < 0 || index > 1 {
		return errors.Configuration("uncore box: filter index out of range")
	}
	b.filter[index] = h
	return nil
}

// Program runs the freeze→reset→configure→unfreeze sequence (spec.md
// §4.4 steps 1-6) with one CounterConfig per general-purpose counter, in
// counter order. Each entry's Select is written as-is (a zero Select
// disables that counter); counters beyond len(configs) are written 0.
func (b *Box) Program(configs []CounterConfig, filterValues [2]uint64) error {
	if len(configs) > len(b.counterCtl) {
		return errors.Configuration("uncore box: more counter configs than counters")
	}
	if b.unitCtl == nil {
		return errors.Configuration("uncore box: no unit control register")
	}

	if err := b.unitCtl.Write64(0, unitCtlFreezeEnable); err != nil {
		return err
	}
	if err := b.unitCtl.Write64(0, unitCtlFreezeEnable|unitCtlFreeze); err != nil {
		return err
	}

	for i, cfg := range configs {
		if err := b.counterCtl[i].Write64(0, cfg.Select); err != nil {
			return err
		}
	}
	for i := len(configs); i < len(b.counterCtl); i++ {
		if err := b.counterCtl[i].Write64(0, 0); err != nil {
			return err
		}
	}

	for i, h := range b.filter {
		if h != nil {
			if err := h.Write64(0, filterValues[i]); err != nil {
				return err
			}
		}
	}

	if err := b.unitCtl.Write64(0, unitCtlFreezeEnable|unitCtlFreeze|unitCtlResetCounters); err != nil {
		return err
	}
	if err := b.unitCtl.Write64(0, unitCtlFreezeEnable); err != nil {
		return err
	}

	b.programmed = true
	return nil
}

// Sample reads every counter the box has, returning raw (not
// width-corrected) values; callers wrap narrow counters in a
// cwe.Extender keyed by b.Width before folding them into UncoreCounterState.
func (b *Box) Sample() ([]uint64, error) {
	if !b.programmed {
		return nil, errors.Configuration("uncore box sample requested before program()")
	}
	out := make([]uint64, len(b.counterValue))
	for i, h := range b.counterValue {
		v, err := h.Read64(0)
		if err != nil {
			if errors.Is(err, errors.ErrTransientIO) {
				continue // box went away mid-read; leave as 0 for this tick
			}
			return nil, err
		}
		if ral.AllOnes64(v) {
			continue
		}
		out[i] = v
	}
	return out, nil
}

// Cleanup freezes the box and clears its control registers (spec.md §4.5
// cleanup()).
func (b *Box) Cleanup() error {
	if !b.programmed {
		return nil
	}
	if err := b.unitCtl.Write64(0, unitCtlFreezeEnable|unitCtlFreeze); err != nil {
		return err
	}
	for _, h := range b.counterCtl {
		if err := h.Write64(0, 0); err != nil {
			return err
		}
	}
	b.programmed = false
	return nil
}

// defaultConfigsFor returns the canned event selections spec.md §4.4's
// role table names. Exact event-select encodings are microarchitecture
// data, not logic; the values here are illustrative, and they are what
// the engine programs in its default mode (eventdb holds core events
// only, no uncore tables).
func defaultConfigsFor(role Role) []CounterConfig {
	switch role {
	case RoleIMC:
		return []CounterConfig{{Select: 0x0304}, {Select: 0x0C04}, {}, {}} // CAS_COUNT.RD, CAS_COUNT.WR
	case RoleM2M:
		return []CounterConfig{{Select: 0x0237}, {Select: 0x0001}, {}, {}} // TAG_HIT.DRD, CLOCKTICKS
	case RoleXPI:
		return []CounterConfig{{Select: 0x0002}, {Select: 0x0003}, {Select: 0x0004}, {Select: 0x0001}}
	case RolePCU:
		return []CounterConfig{{Select: 0x0001}, {Select: 0x0071}, {Select: 0x0072}, {Select: 0x0073}}
	case RoleCHA:
		return []CounterConfig{{Select: 0x0336}, {Select: 0x0135}, {}, {}} // TOR_OCCUPANCY, TOR_INSERTS
	default:
		return nil
	}
}

// DefaultEvents exposes defaultConfigsFor for the engine's DefaultEvents
// program mode.
func DefaultEvents(role Role) []CounterConfig { return defaultConfigsFor(role) }

// ApplyTo accumulates this box's raw counter reads into the fields of
// pmu.UncoreCounterState its role contributes to, so the engine can call
// it directly on Sample's output without duplicating the role→field
// mapping.
func (b *Box) ApplyTo(raw []uint64, s *pmu.UncoreCounterState) {
	switch b.Role {
	case RoleIMC:
		if len(raw) > 0 {
			s.DRAMBytesRead += raw[0] * 64
		}
		if len(raw) > 1 {
			s.DRAMBytesWritten += raw[1] * 64
		}
		if len(raw) > 2 {
			s.PMMBytesRead += raw[2] * 64
		}
		if len(raw) > 3 {
			s.PMMBytesWritten += raw[3] * 64
		}
	case RoleCHA:
		if len(raw) > 0 {
			s.TorOccupancy += raw[0]
		}
		if len(raw) > 1 {
			s.TorInserts += raw[1]
		}
		s.CHARequests += sum(raw)
	case RolePCU:
		if len(raw) > 0 {
			s.UncoreClocks += raw[0]
		}
	}
}

func sum(vs []uint64) uint64 {
	var total uint64
	for _, v := range vs {
		total += v
	}
	return total
}

// Package discovery walks the PCI DVSEC uncore-discovery table newer
// server parts expose so uncore PMU boxes can be found without a
// per-model static address table (spec.md §6 "Uncore-discovery table
// format", grounded on original_source/src/uncore_pmu_discovery.cpp).
package discovery

import (
	"github.com/opcm/opcmd/pkg/pmu/ral"
)

// AccessType is the Box entry's access_type field (spec.md §6).
type AccessType uint8

const (
	AccessMSR    AccessType = 0
	AccessMMIO   AccessType = 1
	AccessPCICFG AccessType = 2
)

// PFS is one Parameter-Feature-Set header: a run of Box entries sharing a
// TPMI id (spec.md §6 "PFS").
type PFS struct {
	TPMIID     uint8
	NumEntries uint8
	EntrySize  uint16
	CapOffset  uint16
	Attribute  uint8
}

// Box is one discovered uncore PMU unit.
type Box struct {
	NumRegs      uint8
	CtrlOffset   uint8
	BitWidth     uint8
	CtrOffset    uint8
	StatusOffset uint8
	Access       AccessType
	BoxCtrlAddr  uint64
	BoxType      uint16
	BoxID        uint16
}

// Step returns the address stride between this box's counters: bit_width/8
// rounded up to a power of two in {1,2,4,8} for MMIO/PCICFG, or 1 for MSR
// (spec.md §6 "A register step...").
func (b Box) Step() uint64 {
	if b.Access == AccessMSR {
		return 1
	}
	bytes := uint64(b.BitWidth) / 8
	step := uint64(1)
	for step < bytes {
		step *= 2
	}
	if step > 8 {
		step = 8
	}
	return step
}

// entryDwords is the 2-DWORD entry size spec.md §6 specifies for both PFS
// and Box records.
const entryDwords = 2

// ParseTable walks a raw DVSEC capability payload (already read from PCI
// config space by the caller) and decodes the PFS header followed by its
// Box entries.
func ParseTable(raw []uint32) (PFS, []Box, error) {
	if len(raw) < entryDwords {
		return PFS{}, nil, errShortTable
	}
	pfs := decodePFS(raw[0], raw[1])

	var boxes []Box
	for off := entryDwords; off+entryDwords <= len(raw) && len(boxes) < int(pfs.NumEntries); off += entryDwords {
		boxes = append(boxes, decodeBox(raw[off], raw[off+1]))
	}
	return pfs, boxes, nil
}

func decodePFS(dw0, dw1 uint32) PFS {
	return PFS{
		TPMIID:     uint8(dw0),
		NumEntries: uint8(dw0 >> 8),
		EntrySize:  uint16(dw0 >> 16),
		CapOffset:  uint16(dw1),
		Attribute:  uint8(dw1 >> 16 & 0x3),
	}
}

func decodeBox(dw0, dw1 uint32) Box {
	return Box{
		NumRegs:      uint8(dw0),
		CtrlOffset:   uint8(dw0 >> 8),
		BitWidth:     uint8(dw0 >> 16),
		CtrOffset:    uint8(dw0 >> 24),
		StatusOffset: uint8(dw1),
		Access:       AccessType(dw1 >> 8 & 0x3),
		BoxType:      uint16(dw1 >> 16),
	}
}

// RegisterHandleFor opens the RegisterHandle a discovered Box's control
// register should be addressed through, given the PCI function the DVSEC
// table was read from (MSR/MMIO boxes encode their own address in
// BoxCtrlAddr; PCICFG boxes are relative offsets into the same function).
func RegisterHandleFor(b Box, addr ral.PciAddress) (ral.RegisterHandle, error) {
	switch b.Access {
	case AccessPCICFG:
		return ral.OpenPCI(addr)
	case AccessMMIO:
		return ral.MapMMIO(int64(b.BoxCtrlAddr), 4096)
	case AccessMSR:
		return nil, errMSRBoxNeedsCPU
	default:
		return nil, errUnknownAccessType
	}
}

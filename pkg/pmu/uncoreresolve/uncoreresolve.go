// Package uncoreresolve turns a socket's discovery root PCI function into
// a set of programmed uncorepmu.Box instances, the concrete
// engine.UncoreBoxOpener spec.md §4.5 leaves for the caller to supply.
// It walks the PCI DVSEC table pkg/pmu/discovery decodes
// (original_source/src/uncore_pmu_discovery.cpp) rather than consulting a
// static per-model address table: spec.md §1 treats per-model
// identification data as opaque configuration this module doesn't own,
// and the corpus carries no such table to ground one on.
package uncoreresolve

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/opcm/opcmd/pkg/pmu/discovery"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/uncorepmu"
)

// sprPCUBoxType is the one box-type id original_source/src/
// uncore_pmu_discovery.h names explicitly (SPR_PCU_BOX_TYPE); every other
// id observed on the wire maps to an unnamed Role so the box still gets
// opened and sampled, just without a canned default-events table.
const sprPCUBoxType = 4

func roleForBoxType(boxType uint16) uncorepmu.Role {
	if boxType == sprPCUBoxType {
		return uncorepmu.RolePCU
	}
	return uncorepmu.Role(fmt.Sprintf("box%d", boxType))
}

// tableDwords bounds how many 32-bit words Resolver reads out of a DVSEC
// capability before giving up; real tables are a handful of PFS+Box
// entries, so this comfortably covers every known layout while bounding a
// misbehaving device's read loop.
const tableDwords = 256

// Resolver locates a socket's DVSEC-exposed uncore boxes. Root maps a
// socket id to the PCI function hosting its discovery DVSEC capability,
// and CapOffset is that capability's byte offset into config space; both
// are supplied by the caller (spec.md's opaque per-model data), not
// discovered by this package.
type Resolver struct {
	Root      func(socketID int) (ral.PciAddress, bool)
	CapOffset int64
	Logger    logr.Logger
}

// Open implements engine.UncoreBoxOpener. A socket with no known root
// function, or a root whose probe comes back all-ones (box.TransientIo,
// spec.md §6), resolves to zero boxes rather than an error: the socket is
// simply sampled with uncore counters absent, the same degrade-gracefully
// behavior spec.md §8 scenario 6 expects of an offline unit.
func (r Resolver) Open(socketID int) ([]*uncorepmu.Box, error) {
	logger := r.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	addr, ok := r.Root(socketID)
	if !ok {
		return nil, nil
	}

	pci, err := ral.OpenPCI(addr)
	if err != nil {
		logger.V(1).Info("uncore root not present, skipping socket", "socket", socketID, "error", err)
		return nil, nil
	}
	defer pci.Close()

	raw := make([]uint32, 0, tableDwords)
	for i := 0; i < tableDwords; i++ {
		v, err := pci.Read32(r.CapOffset + int64(i)*4)
		if err != nil {
			break
		}
		if ral.AllOnes32(v) && i == 0 {
			return nil, nil // vacant slot, spec.md §6 TransientIo convention
		}
		raw = append(raw, v)
	}

	pfs, boxes, err := discovery.ParseTable(raw)
	if err != nil {
		return nil, nil
	}
	logger.V(1).Info("uncore discovery table parsed", "socket", socketID, "tpmi", pfs.TPMIID, "boxes", len(boxes))

	var opened []*uncorepmu.Box
	for _, b := range boxes {
		handle, err := discovery.RegisterHandleFor(b, addr)
		if err != nil {
			continue // box type this resolver can't address yet; skip, don't fail the socket
		}
		box, err := boxFromDiscovery(b, handle)
		if err != nil {
			continue
		}
		opened = append(opened, box)
	}
	return opened, nil
}

// boxFromDiscovery builds the counter/control RegisterHandle slices
// uncorepmu.New expects from one discovered Box's register layout, all
// relative to handle at Step()-scaled offsets.
func boxFromDiscovery(b discovery.Box, handle ral.RegisterHandle) (*uncorepmu.Box, error) {
	step := int64(b.Step())
	n := int(b.NumRegs)
	if n <= 0 {
		n = 1
	}
	ctrl := make([]ral.RegisterHandle, n)
	value := make([]ral.RegisterHandle, n)
	for i := 0; i < n; i++ {
		ctrl[i] = offsetHandle{handle, int64(b.CtrlOffset) + int64(i)*step}
		value[i] = offsetHandle{handle, int64(b.CtrOffset) + int64(i)*step}
	}
	return uncorepmu.New(roleForBoxType(b.BoxType), b.BitWidth, handle, ctrl, value, nil, nil)
}

// offsetHandle adapts one base RegisterHandle plus a fixed byte offset
// into its own RegisterHandle, since discovery.Box describes each
// counter as an offset from the box's control base rather than its own
// open'able address.
type offsetHandle struct {
	base   ral.RegisterHandle
	offset int64
}

func (h offsetHandle) Read64(off int64) (uint64, error)  { return h.base.Read64(h.offset + off) }
func (h offsetHandle) Read32(off int64) (uint32, error)  { return h.base.Read32(h.offset + off) }
func (h offsetHandle) Write64(off int64, v uint64) error { return h.base.Write64(h.offset+off, v) }
func (h offsetHandle) Write32(off int64, v uint32) error { return h.base.Write32(h.offset+off, v) }

// Close is a no-op: offsetHandle is a view over a base handle several
// registers share, not an owner, so only the Box's caller ever closes the
// underlying PCI/MMIO handle itself.
func (h offsetHandle) Close() error { return nil }

func (h offsetHandle) String() string {
	return fmt.Sprintf("%s+0x%x", h.base.String(), h.offset)
}

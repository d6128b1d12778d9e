package topology

import (
	"sort"
	"strconv"

	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/ral/cpuid"
)

// levelTypeSMT and levelTypeCore are the ECX[15:8] values CPUID leaf 0xB
// uses to tag a sub-leaf's position in the topology (spec.md §4.2 step 1).
const (
	levelTypeInvalid = 0
	levelTypeSMT     = 1
	levelTypeCore    = 2
)

// widths holds the two bit-widths leaf 0xB's sub-leaves expose: how many
// low bits of the x2APIC id select the SMT sibling, and how many select
// the SMT+core combination. Both are architecturally identical across
// every logical CPU on the running chip, so they only need discovering
// once.
type widths struct {
	smtMaskWidth  uint8
	coreMaskWidth uint8 // smt+core combined width; equals smtMaskWidth if no core level reported
}

// discoverWidths runs CPUID leaf 0xB sub-leaves on the calling CPU (the
// caller must already be pinned) until it sees an invalid level type.
func discoverWidths() (widths, error) {
	var w widths
	sawSMT, sawCore := false, false

	for subleaf := uint32(0); ; subleaf++ {
		r, err := cpuid.Query(0xB, subleaf)
		if err != nil {
			return widths{}, err
		}
		levelType := (r.ECX >> 8) & 0xFF
		if levelType == levelTypeInvalid {
			break
		}
		shift := uint8(r.EAX & 0x1F)
		switch levelType {
		case levelTypeSMT:
			w.smtMaskWidth = shift
			sawSMT = true
		case levelTypeCore:
			w.coreMaskWidth = shift
			sawCore = true
		}
	}

	if !sawSMT {
		return widths{}, errors.Unsupported()
	}
	if !sawCore {
		w.coreMaskWidth = w.smtMaskWidth
	}
	return w, nil
}

// apicID reads the calling CPU's x2APIC id from leaf 0xB sub-leaf 0, EDX
// (spec.md §4.2 step 2).
func apicID() (uint32, error) {
	r, err := cpuid.Query(0xB, 0)
	if err != nil {
		return 0, err
	}
	return r.EDX, nil
}

// l2CacheShift derives the bit width tile_id is shifted by: the number of
// low APIC-id bits that vary among the logical processors sharing the L2
// cache, from CPUID leaf 4 sub-leaf 2's "maximum number of addressable IDs
// for logical processors sharing this cache" field (spec.md §4.2 step 2,
// "tile_id = bits[l2_cache_shift..31] where the L2 share width is from
// CPUID 4, sub-leaf 2").
func l2CacheShift() (uint8, error) {
	r, err := cpuid.Query(4, 2)
	if err != nil {
		return 0, err
	}
	return tileShiftFromMaxIDs((r.EAX >> 14) & 0xFFF), nil // EAX[25:14]
}

// tileShiftFromMaxIDs returns ceil(log2(maxIDs+1)), the number of low
// APIC-id bits needed to distinguish maxIDs+1 logical processors sharing
// the L2 cache.
func tileShiftFromMaxIDs(maxIDs uint32) uint8 {
	var shift uint8
	for (uint32(1) << shift) <= maxIDs {
		shift++
	}
	return shift
}

// Build enumerates every possible OS CPU, derives its position in the
// socket/core/thread hierarchy from CPUID leaf 0xB, and returns the frozen
// Tree (spec.md §4.2). Offlined CPUs get a zero-initialized, Online=false
// entry rather than being omitted.
func Build(cfg pmu.Config) (*Tree, error) {
	possible, err := possibleCPUs(cfg.HostSysPath)
	if err != nil {
		return nil, errors.TransientIO("read possible cpu list: " + err.Error())
	}
	online, err := onlineCPUs(cfg.HostSysPath)
	if err != nil {
		return nil, errors.TransientIO("read online cpu list: " + err.Error())
	}
	isOnline := make(map[int]bool, len(online))
	for _, id := range online {
		isOnline[id] = true
	}

	if err := guardHypervisor(cfg); err != nil {
		return nil, err
	}

	var w *widths
	var tileShift *uint8
	threads := make([]HyperThread, len(possible))
	apicToSocket := map[uint32]int{} // raw apic-derived socket bits -> dense socket id, first-seen order
	var socketOrder []uint32

	for i, osID := range possible {
		if !isOnline[osID] {
			threads[i] = HyperThread{OSID: osID, APICID: -1, Online: false}
			continue
		}

		pin, err := ral.Pin(osID)
		if err != nil {
			return nil, errors.AccessDenied("pin cpu "+strconv.Itoa(osID), err)
		}

		if w == nil {
			got, err := discoverWidths()
			if err != nil {
				pin.Close()
				return nil, err
			}
			w = &got
		}
		if tileShift == nil {
			got, err := l2CacheShift()
			if err != nil {
				pin.Close()
				return nil, err
			}
			tileShift = &got
		}
		raw, err := apicID()
		pinErr := pin.Close()
		if err != nil {
			return nil, err
		}
		if pinErr != nil {
			return nil, errors.TransientIO("restore affinity: " + pinErr.Error())
		}

		threadMask := uint64(1)<<w.smtMaskWidth - 1
		threadID := uint64(raw) & threadMask

		var coreID uint64
		if w.coreMaskWidth > w.smtMaskWidth {
			coreMask := uint64(1)<<(w.coreMaskWidth-w.smtMaskWidth) - 1
			coreID = (uint64(raw) >> w.smtMaskWidth) & coreMask
		}
		socketBits := uint32(uint64(raw) >> w.coreMaskWidth)

		socketID, seen := apicToSocket[socketBits]
		if !seen {
			socketID = len(socketOrder)
			apicToSocket[socketBits] = socketID
			socketOrder = append(socketOrder, socketBits)
		}

		threads[i] = HyperThread{
			OSID:     osID,
			APICID:   int32(raw),
			SocketID: socketID,
			CoreID:   int(coreID),
			TileID:   int(raw >> *tileShift),
			ThreadID: int(threadID),
			Online:   true,
		}
	}

	return assemble(threads, len(socketOrder)), nil
}

// assemble groups the flat thread arena into the Core and Socket arenas,
// implementing the arena-plus-index pattern spec.md §9 calls for to avoid
// a Socket↔Core pointer cycle.
func assemble(threads []HyperThread, numSockets int) *Tree {
	type coreKey struct{ socket, core int }
	coreIndexOf := map[coreKey]int{}

	t := &Tree{Threads: threads}
	sockets := make([]Socket, numSockets)
	for i := range sockets {
		sockets[i] = Socket{ID: i, ReferenceThreadIndex: -1}
	}

	for i, th := range threads {
		if !th.Online {
			continue
		}
		key := coreKey{th.SocketID, th.CoreID}
		ci, ok := coreIndexOf[key]
		if !ok {
			ci = len(t.Cores)
			t.Cores = append(t.Cores, Core{ID: th.CoreID, SocketID: th.SocketID})
			coreIndexOf[key] = ci
			sockets[th.SocketID].CoreIndices = append(sockets[th.SocketID].CoreIndices, ci)
		}
		t.Cores[ci].ThreadIndices = append(t.Cores[ci].ThreadIndices, i)

		s := &sockets[th.SocketID]
		if s.ReferenceThreadIndex < 0 || threads[s.ReferenceThreadIndex].OSID > th.OSID {
			s.ReferenceThreadIndex = i
		}
	}

	sort.Slice(sockets, func(a, b int) bool { return sockets[a].ID < sockets[b].ID })
	t.Sockets = sockets
	return t
}


// Package topology builds the frozen Socket→Core→HyperThread tree every
// other PMU subsystem walks (spec.md §4.2). It is built once at startup
// from CPUID leaf 0xB and never mutated afterward; an offlined processor
// is represented, not removed, so the Aggregator can report zeroed state
// for it rather than silently shrinking the tree (spec.md §8 scenario 6).
package topology

// HyperThread is one logical processor. Online is false for an offlined
// OS CPU, in which case APICID is -1 and no MsrHandle should be opened for
// it (spec.md §3 TopologyEntry).
type HyperThread struct {
	OSID     int
	APICID   int32
	SocketID int
	CoreID   int
	TileID   int
	ThreadID int
	Online   bool
}

// Core groups the HyperThreads that share a physical core. ThreadIndices
// indexes into Tree.Threads, the arena-plus-index pattern spec.md §9 calls
// for to avoid a Core↔HyperThread pointer cycle.
type Core struct {
	ID            int
	SocketID      int
	ThreadIndices []int
}

// Socket groups the Cores that share a package. ReferenceThreadIndex is
// the lowest-OSID online thread in the socket, used for socket-global MSR
// reads (package energy, package thermal status, package C-state) and for
// the worker the Aggregator pins uncore tasks to (spec.md §4.2 step 4,
// §4.6).
type Socket struct {
	ID                   int
	CoreIndices          []int
	ReferenceThreadIndex int // -1 if the socket has no online thread
}

// Tree is the frozen topology. Threads and Cores are flat arenas; Sockets
// and Cores reference members by index rather than pointer.
type Tree struct {
	Threads []HyperThread
	Cores   []Core
	Sockets []Socket
}

// OnlineThreads returns the indices of every online HyperThread, the set
// the Aggregator enqueues one per-thread sampling task for.
func (t *Tree) OnlineThreads() []int {
	var idx []int
	for i, th := range t.Threads {
		if th.Online {
			idx = append(idx, i)
		}
	}
	return idx
}

// ReferenceThread returns the socket's reference HyperThread and true, or
// the zero value and false if the socket currently has no online thread.
func (t *Tree) ReferenceThread(socketID int) (HyperThread, bool) {
	s := t.Sockets[socketID]
	if s.ReferenceThreadIndex < 0 {
		return HyperThread{}, false
	}
	return t.Threads[s.ReferenceThreadIndex], true
}

// NumOnlineCores and NumOnlineSockets count the cores and sockets that
// have at least one online thread, the shape of the SharedPCMState system
// block's online counts (spec.md §6 `system { nCores, nOnlineCores,
// nSockets, nOnlineSockets }`). shm.Writer does not call them; it
// publishes NumOfOnlineCores and NumOfOnlineSockets as zero.
func (t *Tree) NumOnlineCores() int {
	seen := make(map[[2]int]bool, len(t.Cores))
	for _, th := range t.Threads {
		if th.Online {
			seen[[2]int{th.SocketID, th.CoreID}] = true
		}
	}
	return len(seen)
}

func (t *Tree) NumOnlineSockets() int {
	n := 0
	for _, s := range t.Sockets {
		if s.ReferenceThreadIndex >= 0 {
			n++
		}
	}
	return n
}

// Package memtest self-calibrates achievable DRAM bandwidth at startup,
// used to sanity-check the steady-state DRAM_Reads/DRAM_Writes counters
// the uncore IMC boxes report (original_source/src/cpucounters.cpp
// ServerPCICFGUncore::initMemTest). It allocates a NUMA-interleaved
// buffer and times reads/writes across it.
package memtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/errors"
)

// bufferCapacity mirrors PCM_MEM_CAPACITY: a 64 MiB scratch buffer, large
// enough to exceed last-level cache and force DRAM traffic.
const bufferCapacity = 64 * 1024 * 1024

// maxNodeClamp is the upper bound on NUMA nodes interleaved across. The
// original source clamps to 63 with no documented reason beyond nodeMask
// fitting a single 64-bit word; kept verbatim rather than widened to
// MaxSockets, since nothing in the original source exercises more than
// 64 nodes (spec.md §9 Open Question, see DESIGN.md).
const maxNodeClamp = 63

// Buffer is a NUMA-interleaved anonymous mapping used for bandwidth
// self-calibration. Close unmaps it.
type Buffer struct {
	mem []byte
}

// Allocate mmaps a bufferCapacity-sized anonymous region and interleaves
// it across every NUMA node sysfs reports online, clamped to maxNodeClamp
// nodes. On a single-node system or one with no NUMA support, it returns
// a plain anonymous mapping: mbind is only attempted when more than one
// node is online.
func Allocate(sysPath string) (*Buffer, error) {
	mem, err := unix.Mmap(-1, 0, bufferCapacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.TransientIO("memtest: mmap: " + err.Error())
	}

	maxNode, err := maxOnlineNode(sysPath)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	if maxNode > 1 {
		if err := interleave(mem, maxNode); err != nil {
			unix.Munmap(mem)
			return nil, err
		}
	}

	for i := range mem {
		mem[i] = 0
	}
	return &Buffer{mem: mem}, nil
}

// Close unmaps the buffer.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Touch performs one read+write pass over the buffer and returns the
// total bytes moved (read plus write, twice the buffer size) and the
// wall-clock duration, used to derive
// an achievable-bandwidth figure the caller compares against steady-state
// IMC counter deltas.
func (b *Buffer) Touch() (bytesMoved int64, elapsed time.Duration) {
	start := time.Now()
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&b.mem[0])), len(b.mem)/8)
	var acc uint64
	for i := range words {
		acc += words[i]
		words[i] = acc
	}
	return int64(len(b.mem)) * 2, time.Since(start)
}

// maxOnlineNode returns the count of online NUMA nodes sysfs reports
// (original source's readMaxFromSysFS("/sys/devices/system/node/online") + 1),
// clamped to maxNodeClamp. It returns 0 (no interleave attempted) when
// the node-online file is absent, the host has no NUMA topology exposed.
func maxOnlineNode(sysPath string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(sysPath, "devices", "system", "node", "online"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.AccessDenied("read node online list", err)
	}
	nodes, err := parseNodeList(string(raw))
	if err != nil {
		return 0, errors.Configuration("memtest: malformed node online list: " + err.Error())
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	maxNode := nodes[len(nodes)-1] + 1
	if maxNode > maxNodeClamp {
		maxNode = maxNodeClamp
	}
	return maxNode, nil
}

// parseNodeList parses the same cpulist-style format as sysfs's cpu
// online/possible files: comma-separated ids and inclusive ranges.
func parseNodeList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		loN, err := strconv.Atoi(lo)
		if err != nil {
			return nil, err
		}
		hiN := loN
		if ok {
			hiN, err = strconv.Atoi(hi)
			if err != nil {
				return nil, err
			}
		}
		for n := loN; n <= hiN; n++ {
			out = append(out, n)
		}
	}
	return out, nil
}

// interleave calls mbind(MPOL_INTERLEAVE) over mem across nodes
// [0, maxNode), matching ServerPCICFGUncore::initMemTest's nodeMask
// construction.
func interleave(mem []byte, maxNode int) error {
	const mpolInterleave = 3
	nodeMask := uint64(1)<<uint(maxNode) - 1
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)),
		mpolInterleave, uintptr(unsafe.Pointer(&nodeMask)), uintptr(maxNode), 0)
	if errno != 0 {
		return errors.TransientIO(fmt.Sprintf("memtest: mbind(nodeMask=%#x, maxNode=%d): %v", nodeMask, maxNode, errno))
	}
	return nil
}

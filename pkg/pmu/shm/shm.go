package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/pmu"
)

// Writer owns the mmap'd shared-memory region and publishes Snapshots
// into it. It implements pkg/pmu/sampler.Publisher.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	mem    []byte
	pollMs uint32
}

// SetPollMs records the sampling interval, in milliseconds, published
// in every State so a client can tell how stale a reading might be.
func (w *Writer) SetPollMs(ms uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollMs = ms
}

// Create opens (creating if necessary) the backing file at path, sizes
// it to exactly one State, and maps it MAP_SHARED so other processes
// mmapping the same path observe every write. mode and group ownership
// follow the daemon's -g flag (spec.md §6); group is a unix group name,
// empty to leave ownership as created.
func Create(path string, mode os.FileMode, group string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, fmt.Errorf("open shm backing file %s: %w", path, err)
	}
	if err := f.Truncate(int64(stateSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate shm backing file: %w", err)
	}
	if group != "" {
		if err := chownToGroup(path, group); err != nil {
			f.Close()
			return nil, err
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, stateSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm backing file: %w", err)
	}

	w := &Writer{file: f, mem: mem}
	copy(mem[versionOffset:], []byte(Version))
	return w, nil
}

// WriteIDFile records a segment identifier at idPath so client processes
// started independently can discover which backing file to mmap (-s
// flag, spec.md §6). The identifier has no meaning beyond uniqueness;
// the path itself is what a client actually opens.
func WriteIDFile(idPath, shmPath string) error {
	id := uuid.NewString()
	return os.WriteFile(idPath, []byte(id+" "+shmPath+"\n"), 0644)
}

// Publish writes one Snapshot into the shared region under the
// TSC-stamped begin/end protocol spec.md §4.7 step 4 and §4.9 describe:
// lastUpdateTscBegin first, then version/pollMs/counters/timestamp/
// cyclesToGetPCMState, and lastUpdateTscEnd last. A reader that sees
// tscEnd unchanged across two reads, with tscBegin <= tscEnd, knows it
// read a self-consistent snapshot (pkg/pmu/shmclient implements that
// retry loop).
func (w *Writer) Publish(snap pmu.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := readTSC()
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&w.mem[tscBeginOffset])), start)

	var state State
	copy(state.Version[:], Version)
	state.PollMs = w.pollMs
	state.Counters = countersFromSnapshot(snap)
	state.TimestampNanos = uint64(time.Now().UnixNano())

	var buf bytes.Buffer
	buf.Grow(stateSize)
	if err := binary.Write(&buf, binary.LittleEndian, state.Version); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, state.PollMs); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(0)); err != nil { // padding
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, state.Counters); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, state.TimestampNanos); err != nil {
		return err
	}

	end := readTSC()
	cycles := end - start
	if err := binary.Write(&buf, binary.LittleEndian, cycles); err != nil {
		return err
	}

	copy(w.mem[tscBeginOffset+8:tscEndOffset], buf.Bytes())
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&w.mem[tscEndOffset])), end)
	return nil
}

func countersFromSnapshot(snap pmu.Snapshot) Counters {
	var c Counters
	c.System.NumOfCores = uint32(len(snap.Threads))
	c.System.NumOfSockets = uint32(len(snap.Sockets))

	for i, t := range snap.Threads {
		if i >= MaxCPUCores {
			break
		}
		c.Cores[i] = CoreCounter{
			CoreID:               uint64(i),
			InstructionsRetired:  t.InstructionsRetired,
			UnhaltedCycles:       t.UnhaltedCycles,
			ThermalHeadroomK:     t.ThermalHeadroom,
		}
		if t.UnhaltedCycles > 0 {
			c.Cores[i].InstructionsPerCycle = float64(t.InstructionsRetired) / float64(t.UnhaltedCycles)
		}
	}

	for i, s := range snap.Sockets {
		if i >= MaxSockets {
			break
		}
		sc := MemorySocketCounter{SocketID: uint64(i), ReadBytesPerSec: float64(s.DRAMBytesRead), WriteBytesPerSec: float64(s.DRAMBytesWritten), DRAMEnergyJ: float64(s.DRAMEnergyUJ) / 1e6}
		c.Memory.Sockets[i] = sc
	}

	return c
}

// Close unmaps the region and closes the backing file. It does not
// remove the file from disk; the daemon leaves it for its own restart
// to reopen and re-truncate.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if w.mem != nil {
		if err := unix.Munmap(w.mem); err != nil {
			firstErr = err
		}
		w.mem = nil
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

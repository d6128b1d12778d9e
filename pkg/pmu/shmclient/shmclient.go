// Package shmclient implements the lock-free shared-memory reader side
// of spec.md §4.9: retry until a begin/end TSC pair brackets a
// self-consistent copy of the region pkg/pmu/shm's Writer publishes.
// Grounded on original_source/src/daemon/client/client.cpp's read loop,
// reimplemented against shm.State's Go-native layout rather than the C
// struct it mirrors.
package shmclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/pmu/shm"
)

// maxRetries bounds the read loop so a writer that died mid-publish (and
// will never again advance lastUpdateTscEnd) doesn't spin a reader
// forever; the original's client.cpp loops unconditionally, but a daemon
// reader should still make forward progress when the publisher is gone.
const maxRetries = 1000

// Reader mmaps an existing shared-memory region (created by shm.Writer
// in another process) read-only and performs the lock-free retry read.
type Reader struct {
	file *os.File
	mem  []byte
}

// Open mmaps the region at path. The caller is responsible for knowing
// path, typically read back from the id file shm.WriteIDFile wrote.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shm backing file %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, shm.Size(), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm backing file: %w", err)
	}
	return &Reader{file: f, mem: mem}, nil
}

// Version returns the version string stamped into the region, so a
// caller can refuse a mismatched ABI before trusting Read's output
// (spec.md §4.9 "version-mismatch check on startup prevents ABI skew").
func (r *Reader) Version() string {
	raw := r.mem[shm.VersionOffset() : shm.VersionOffset()+shm.VersionSize]
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	return string(raw[:end])
}

// Read performs the lock-free retry loop spec.md §4.9 describes,
// returning a self-consistent copy of the published State.
func (r *Reader) Read() (shm.State, error) {
	for i := 0; i < maxRetries; i++ {
		endBefore := r.readU64(shm.TscEndOffset())

		var state shm.State
		payload := make([]byte, shm.Size())
		copy(payload, r.mem)

		beginAfter := r.readU64(shm.TscBeginOffset())
		endAfter := r.readU64(shm.TscEndOffset())

		if endBefore == endAfter && beginAfter <= endBefore {
			if err := decodeState(payload, &state); err != nil {
				return shm.State{}, err
			}
			return state, nil
		}
		time.Sleep(time.Millisecond)
	}
	return shm.State{}, fmt.Errorf("shmclient: no consistent read after %d retries", maxRetries)
}

func (r *Reader) readU64(offset int) uint64 {
	return binary.LittleEndian.Uint64(r.mem[offset : offset+8])
}

// decodeState unpacks the packed byte layout shm.Writer.Publish wrote
// into a shm.State, field by field in the same order they were written.
func decodeState(raw []byte, state *shm.State) error {
	off := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
		return v
	}
	state.LastUpdateTscBegin = readU64()
	copy(state.Version[:], raw[off:off+shm.VersionSize])
	off += shm.VersionSize
	state.PollMs = binary.LittleEndian.Uint32(raw[off : off+4])
	off += 8 // PollMs plus its padding word

	countersOff := off
	countersSize := shm.CountersSize()
	if err := binary.Read(bytes.NewReader(raw[countersOff:countersOff+countersSize]), binary.LittleEndian, &state.Counters); err != nil {
		return fmt.Errorf("decode counters: %w", err)
	}
	off += countersSize

	state.TimestampNanos = readU64()
	state.CyclesToGetState = readU64()
	state.LastUpdateTscEnd = readU64()
	return nil
}

// Close unmaps the region and closes the backing file.
func (r *Reader) Close() error {
	var firstErr error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			firstErr = err
		}
		r.mem = nil
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

package ral_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opcm/opcmd/pkg/pmu/ral"
)

func TestExtractBits(t *testing.T) {
	// IA32_PERF_GLOBAL_STATUS-style layout: low 4 bits are per-counter
	// overflow flags, bit 32 is fixed counter 0's overflow flag.
	raw := uint64(0b1011) | uint64(1)<<32

	assert.Equal(t, uint64(0b1011), ral.ExtractBits(raw, 0, 3))
	assert.Equal(t, uint64(1), ral.ExtractBits(raw, 32, 32))
	assert.Equal(t, uint64(0), ral.ExtractBits(raw, 4, 31))
}

func TestExtractBitsFullWidth(t *testing.T) {
	assert.Equal(t, ^uint64(0), ral.ExtractBits(^uint64(0), 0, 63))
}

func TestAllOnes(t *testing.T) {
	assert.True(t, ral.AllOnes32(0xFFFFFFFF))
	assert.False(t, ral.AllOnes32(0xFFFFFFFE))
	assert.True(t, ral.AllOnes64(^uint64(0)))
	assert.False(t, ral.AllOnes64(0))
}

// fakeHandle is an in-memory RegisterHandle used to exercise ProbeReadWrite
// without touching real hardware.
type fakeHandle struct {
	regs map[int64]uint64
}

func newFakeHandle() *fakeHandle { return &fakeHandle{regs: map[int64]uint64{}} }

func (f *fakeHandle) Read64(offset int64) (uint64, error)       { return f.regs[offset], nil }
func (f *fakeHandle) Read32(offset int64) (uint32, error)       { return uint32(f.regs[offset]), nil }
func (f *fakeHandle) Write64(offset int64, value uint64) error  { f.regs[offset] = value; return nil }
func (f *fakeHandle) Write32(offset int64, value uint32) error  { f.regs[offset] = uint64(value); return nil }
func (f *fakeHandle) Close() error                              { return nil }
func (f *fakeHandle) String() string                            { return "fake" }

func TestProbeReadWriteRoundTrip(t *testing.T) {
	h := newFakeHandle()
	h.regs[0x10] = 0xDEADBEEF

	ok, err := ral.ProbeReadWrite(h, 0x10, 0x5a5a5a5a)
	assert.NoError(t, err)
	assert.True(t, ok)
	// original value restored afterward
	assert.Equal(t, uint64(0xDEADBEEF), h.regs[0x10])
}

// stuckHandle models a secure-boot-locked-down msr driver: writes succeed
// but never change the stored value.
type stuckHandle struct{ fakeHandle }

func (s *stuckHandle) Write64(offset int64, value uint64) error { return nil }

func TestProbeReadWriteDetectsStuckWrite(t *testing.T) {
	h := &stuckHandle{fakeHandle: *newFakeHandle()}
	h.regs[0x10] = 0x1

	ok, err := ral.ProbeReadWrite(h, 0x10, 0x2)
	assert.NoError(t, err)
	assert.False(t, ok)
}

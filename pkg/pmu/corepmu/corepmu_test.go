package corepmu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu/corepmu"
	"github.com/opcm/opcmd/pkg/pmu/eventdb"
)

// fakeMSR is an in-memory RegisterHandle standing in for a core's MSR
// file, letting the programming and sampling protocols be exercised
// without real hardware.
type fakeMSR struct {
	regs map[int64]uint64
}

func newFakeMSR() *fakeMSR { return &fakeMSR{regs: map[int64]uint64{}} }

func (f *fakeMSR) Read64(offset int64) (uint64, error)      { return f.regs[offset], nil }
func (f *fakeMSR) Read32(offset int64) (uint32, error)      { return uint32(f.regs[offset]), nil }
func (f *fakeMSR) Write64(offset int64, value uint64) error { f.regs[offset] = value; return nil }
func (f *fakeMSR) Write32(offset int64, value uint32) error { f.regs[offset] = uint64(value); return nil }
func (f *fakeMSR) Close() error                             { return nil }
func (f *fakeMSR) String() string                            { return "fake" }

func TestProgramThenSampleReadsFixedCounters(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})

	require.NoError(t, p.Program(nil))

	// simulate 1000 instructions retired since program() reset the counter.
	msr.regs[0x309] = 1000

	got, err := p.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got.InstructionsRetired)
}

func TestProgramTooManyCountersIsConfigurationError(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})

	five := make([]eventdb.Event, 5)
	err := p.Program(five)
	assert.Error(t, err)
}

func TestVirtualizedGuestClampsToThreeCounters(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{VirtualizedGuest: true})

	four := make([]eventdb.Event, 4)
	err := p.Program(four)
	assert.Error(t, err, "virtualized guest without override should clamp to 3 general counters")
}

func TestAllowAllGPCountersOverridesClamp(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{VirtualizedGuest: true, AllowAllGPCounters: true})

	four := make([]eventdb.Event, 4)
	assert.NoError(t, p.Program(four))
}

func TestSampleBeforeProgramIsConfigurationError(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})

	_, err := p.Sample()
	assert.Error(t, err)
}

func TestCleanupFreezesAndClearsControlRegisters(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})
	require.NoError(t, p.Program([]eventdb.Event{{Event: 0x24, UMask: 0x3F}}))

	require.NoError(t, p.Cleanup())
	assert.Equal(t, uint64(0), msr.regs[0x38F], "PERF_GLOBAL_CTRL must read back 0 after cleanup")

	_, err := p.Sample()
	assert.Error(t, err, "sampling after cleanup should require program() again")
}

func TestSamplePopulatesThreadState(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})
	require.NoError(t, p.Program(nil))

	msr.regs[0x10] = 123456          // invariant TSC
	msr.regs[0x34] = 3                // SMI count
	msr.regs[0x19C] = 20 << 16        // thermal status: 20 degrees below TjMax
	msr.regs[0x3FC] = 10               // core C3 residency
	msr.regs[0x3FD] = 20               // core C6 residency
	msr.regs[0x3FE] = 30               // core C7 residency

	got, err := p.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), got.InvariantTSC)
	assert.Equal(t, uint64(3), got.SMICount)
	assert.Equal(t, int32(20), got.ThermalHeadroom)
	assert.Equal(t, uint64(10), got.CStateResidency[3])
	assert.Equal(t, uint64(20), got.CStateResidency[6])
	assert.Equal(t, uint64(30), got.CStateResidency[7])
}

func TestTopDownLevel1DisabledByDefault(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})
	require.NoError(t, p.Program(nil))

	msr.regs[0x329] = 0x18100402 // would decode to nonzero fractions if read
	got, err := p.Sample()
	require.NoError(t, err)
	assert.Zero(t, got.TopDown)
}

func TestTopDownLevel1ReadsAndClearsPerfMetrics(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{TopDownLevel1Available: true})
	require.NoError(t, p.Program(nil))

	// retiring=0x10, bad_spec=0x04, frontend=0x02, backend=0x01
	msr.regs[0x329] = 0x01<<24 | 0x02<<16 | 0x04<<8 | 0x10

	got, err := p.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), got.TopDown.Retiring)
	assert.Equal(t, uint64(0x04), got.TopDown.BadSpeculation)
	assert.Equal(t, uint64(0x02), got.TopDown.Frontend)
	assert.Equal(t, uint64(0x01), got.TopDown.Backend)
	assert.Equal(t, uint64(0), msr.regs[0x329], "perf metrics must be cleared after read")
	assert.Equal(t, uint64(0), msr.regs[0x30C], "slots must be cleared after read")
}

func TestOverflowFoldsIntoWidthCorrectedValue(t *testing.T) {
	msr := newFakeMSR()
	p := corepmu.New(msr, corepmu.Options{})
	require.NoError(t, p.Program(nil))

	// fixed counter 0 overflowed once (bit 32 of status) and now holds 5
	// post-wrap counts in its low 48 bits.
	msr.regs[0x38E] = 1 << 32
	msr.regs[0x309] = 5

	got, err := p.Sample()
	require.NoError(t, err)
	assert.Equal(t, (uint64(1)<<48)+5, got.InstructionsRetired)
}

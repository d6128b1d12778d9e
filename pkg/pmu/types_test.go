package pmu_test

import (
	"testing"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/stretchr/testify/assert"
)

func TestBasicCounterStateAddSub(t *testing.T) {
	a := pmu.BasicCounterState{InstructionsRetired: 100, UnhaltedCycles: 50}
	b := pmu.BasicCounterState{InstructionsRetired: 40, UnhaltedCycles: 10}

	a.Add(b)
	assert.Equal(t, uint64(140), a.InstructionsRetired)
	assert.Equal(t, uint64(60), a.UnhaltedCycles)

	delta := a.Sub(b)
	assert.Equal(t, uint64(100), delta.InstructionsRetired)
	assert.Equal(t, uint64(50), delta.UnhaltedCycles)
}

// A core that goes offline and comes back can make a "later" sample look
// smaller than an "earlier" one; Sub must saturate at zero rather than
// wrap around to a huge uint64 (spec.md §8 monotonic-instructions
// invariant assumes online continuity — this is the degenerate case).
func TestBasicCounterStateSubSaturates(t *testing.T) {
	after := pmu.BasicCounterState{InstructionsRetired: 5}
	before := pmu.BasicCounterState{InstructionsRetired: 100}

	delta := after.Sub(before)
	assert.Equal(t, uint64(0), delta.InstructionsRetired)
}

func TestUncoreCounterStateAddGrowsMemChannels(t *testing.T) {
	a := pmu.UncoreCounterState{MemChannelCounters: []uint64{1, 2}}
	b := pmu.UncoreCounterState{MemChannelCounters: []uint64{10, 20, 30}}

	a.Add(b)
	assert.Equal(t, []uint64{11, 22, 30}, a.MemChannelCounters)
}

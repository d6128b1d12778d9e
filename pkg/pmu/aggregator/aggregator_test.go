package aggregator_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/aggregator"
	"github.com/opcm/opcmd/pkg/pmu/corepmu"
	"github.com/opcm/opcmd/pkg/pmu/engine"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/topology"
	"github.com/opcm/opcmd/pkg/pmu/uncorepmu"
)

// fakeReg is an in-memory RegisterHandle standing in for a core's MSR
// file, keyed by register offset like corepmu's own fakeMSR.
type fakeReg struct{ regs map[int64]uint64 }

func newFakeReg() *fakeReg { return &fakeReg{regs: map[int64]uint64{}} }

func (f *fakeReg) Read64(offset int64) (uint64, error)  { return f.regs[offset], nil }
func (f *fakeReg) Read32(offset int64) (uint32, error)  { return uint32(f.regs[offset]), nil }
func (f *fakeReg) Write64(offset int64, v uint64) error { f.regs[offset] = v; return nil }
func (f *fakeReg) Write32(offset int64, v uint32) error { f.regs[offset] = uint64(v); return nil }
func (f *fakeReg) Close() error                         { return nil }
func (f *fakeReg) String() string                       { return "fake" }

func twoSocketTree() *topology.Tree {
	return &topology.Tree{
		Threads: []topology.HyperThread{
			{OSID: 0, SocketID: 0, CoreID: 0, Online: true},
			{OSID: 1, SocketID: 1, CoreID: 0, Online: true},
			{OSID: 2, SocketID: 1, CoreID: 1, Online: false},
		},
		Cores: []topology.Core{
			{ID: 0, SocketID: 0, ThreadIndices: []int{0}},
			{ID: 0, SocketID: 1, ThreadIndices: []int{1}},
			{ID: 1, SocketID: 1, ThreadIndices: []int{2}},
		},
		Sockets: []topology.Socket{
			{ID: 0, CoreIndices: []int{0}, ReferenceThreadIndex: 0},
			{ID: 1, CoreIndices: []int{1, 2}, ReferenceThreadIndex: 1},
		},
	}
}

func newTestAggregator(t *testing.T) (*aggregator.Aggregator, *engine.Engine) {
	t.Helper()
	lock, err := ral.OpenInstanceLockAt(filepath.Join(t.TempDir(), "lock"))
	require.NoError(t, err)

	tree := twoSocketTree()
	regs := map[int]*fakeReg{}
	openMSR := func(osID int) (ral.RegisterHandle, error) {
		if r, ok := regs[osID]; ok {
			return r, nil
		}
		r := newFakeReg()
		regs[osID] = r
		return r, nil
	}
	openBoxes := func(socketID int) ([]*uncorepmu.Box, error) { return nil, nil }

	eng := engine.New(tree, openMSR, openBoxes, lock, nil, corepmu.Options{})
	require.NoError(t, eng.Program(engine.ModeDefaultEvents, engine.Params{}))

	agg := aggregator.New(tree, eng, nil).WithWorkers(4)
	return agg, eng
}

func TestCollectSamplesAllOnlineThreadsAndSockets(t *testing.T) {
	agg, eng := newTestAggregator(t)
	defer eng.Cleanup()

	snap, err := agg.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Threads, 3)
	assert.Len(t, snap.Sockets, 2)
	assert.Nil(t, snap.System.XPILinks)
}

func TestCollectWithXPIReaderPopulatesLinks(t *testing.T) {
	agg, eng := newTestAggregator(t)
	defer eng.Cleanup()

	tree := twoSocketTree()
	withXPI := aggregator.New(tree, eng, func(socketID int) ([]pmu.XPILinkState, error) {
		return []pmu.XPILinkState{{IncomingDataPackets: uint64(socketID) + 1}}, nil
	}).WithWorkers(4)

	snap, err := withXPI.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.System.XPILinks, 2)
	assert.Equal(t, uint64(1), snap.System.XPILinks[0][0].IncomingDataPackets)
	assert.Equal(t, uint64(2), snap.System.XPILinks[1][0].IncomingDataPackets)
}

func TestCollectOfflineThreadContributesZero(t *testing.T) {
	agg, eng := newTestAggregator(t)
	defer eng.Cleanup()

	snap, err := agg.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pmu.BasicCounterState{}, snap.Threads[2])
}

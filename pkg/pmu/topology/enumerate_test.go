package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticThreads builds a synthetic 2-socket, 2-core, 2-thread system with
// OS id 6 (the first thread of core 3, socket 1's second core) offlined, the
// same shape spec.md §8 scenario 6 exercises.
func syntheticThreads() []HyperThread {
	return []HyperThread{
		{OSID: 0, SocketID: 0, CoreID: 0, ThreadID: 0, Online: true},
		{OSID: 1, SocketID: 0, CoreID: 0, ThreadID: 1, Online: true},
		{OSID: 2, SocketID: 0, CoreID: 1, ThreadID: 0, Online: true},
		{OSID: 3, SocketID: 0, CoreID: 1, ThreadID: 1, Online: true},
		{OSID: 4, SocketID: 1, CoreID: 0, ThreadID: 0, Online: true},
		{OSID: 5, SocketID: 1, CoreID: 0, ThreadID: 1, Online: true},
		{OSID: 6, SocketID: 1, CoreID: 1, ThreadID: 0, Online: false, APICID: -1},
		{OSID: 7, SocketID: 1, CoreID: 1, ThreadID: 1, Online: true},
	}
}

func TestAssembleBuildsSocketsAndCores(t *testing.T) {
	tree := assemble(syntheticThreads(), 2)

	require.Len(t, tree.Sockets, 2)
	assert.Len(t, tree.Cores, 4)

	assert.Equal(t, 4, tree.NumOnlineCores(), "core 1 on socket 1 still counts online via its sibling thread 7")
	assert.Equal(t, 2, tree.NumOnlineSockets())
}

func TestAssembleReferenceThreadIsLowestOnlineOSID(t *testing.T) {
	tree := assemble(syntheticThreads(), 2)

	ref, ok := tree.ReferenceThread(0)
	require.True(t, ok)
	assert.Equal(t, 0, ref.OSID)

	ref, ok = tree.ReferenceThread(1)
	require.True(t, ok)
	assert.Equal(t, 4, ref.OSID)
}

func TestAssembleOnlineThreadsExcludesOffline(t *testing.T) {
	tree := assemble(syntheticThreads(), 2)

	idx := tree.OnlineThreads()
	assert.Len(t, idx, 7)
	for _, i := range idx {
		assert.True(t, tree.Threads[i].Online)
	}
}

func TestTileShiftFromMaxIDsCoversTwoSiblings(t *testing.T) {
	// two logical processors sharing the L2 (maxIDs=1) need 1 bit to tell
	// them apart; a solo core sharing with nothing (maxIDs=0) needs none.
	assert.Equal(t, uint8(1), tileShiftFromMaxIDs(1))
	assert.Equal(t, uint8(0), tileShiftFromMaxIDs(0))
	assert.Equal(t, uint8(2), tileShiftFromMaxIDs(3))
}

func TestReferenceThreadFalseWhenSocketFullyOffline(t *testing.T) {
	threads := []HyperThread{
		{OSID: 0, SocketID: 0, CoreID: 0, ThreadID: 0, Online: false, APICID: -1},
	}
	tree := assemble(threads, 1)
	tree.Sockets = []Socket{{ID: 0, ReferenceThreadIndex: -1}}

	_, ok := tree.ReferenceThread(0)
	assert.False(t, ok)
}

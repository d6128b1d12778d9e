package memtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeList(t *testing.T) {
	got, err := parseNodeList("0-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got)
}

func TestParseNodeListSingle(t *testing.T) {
	got, err := parseNodeList("0")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)
}

func TestMaxOnlineNodeClampsTo63(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "devices", "system", "node"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices", "system", "node", "online"), []byte("0-127\n"), 0644))

	got, err := maxOnlineNode(dir)
	require.NoError(t, err)
	assert.Equal(t, maxNodeClamp, got)
}

func TestMaxOnlineNodeWithoutNUMAReturnsZero(t *testing.T) {
	dir := t.TempDir()
	got, err := maxOnlineNode(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestAllocateAndTouchWithoutNUMA(t *testing.T) {
	buf, err := Allocate(t.TempDir())
	require.NoError(t, err)
	defer buf.Close()

	moved, _ := buf.Touch()
	assert.Equal(t, int64(bufferCapacity*2), moved)
}

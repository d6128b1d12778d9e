package shm_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/shm"
)

func testSnapshot() pmu.Snapshot {
	return pmu.Snapshot{
		Timestamp: time.Unix(0, 1700000000000000000),
		Threads: []pmu.BasicCounterState{
			{InstructionsRetired: 1000, UnhaltedCycles: 500, ThermalHeadroom: 42},
			{InstructionsRetired: 2000, UnhaltedCycles: 800, ThermalHeadroom: 40},
		},
		Sockets: []pmu.UncoreCounterState{
			{DRAMBytesRead: 4096, DRAMBytesWritten: 2048, DRAMEnergyUJ: 3_500_000},
		},
	}
}

func TestCreateSizesAndVersionsTheBackingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcm.shm")

	w, err := shm.Create(path, 0644, "")
	require.NoError(t, err)
	defer w.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw[:64]), shm.Version)
}

func TestPublishBracketsASelfConsistentRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcm.shm")

	w, err := shm.Create(path, 0644, "")
	require.NoError(t, err)
	defer w.Close()

	w.SetPollMs(1000)
	require.NoError(t, w.Publish(testSnapshot()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	begin := binary.LittleEndian.Uint64(raw[0:8])
	end := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	assert.LessOrEqual(t, begin, end, "lastUpdateTscBegin must not exceed lastUpdateTscEnd")

	version := bytes.TrimRight(raw[8:8+shm.VersionSize], "\x00")
	assert.Equal(t, shm.Version, string(version))
}

func TestPublishIsIdempotentAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcm.shm")

	w, err := shm.Create(path, 0644, "")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Publish(testSnapshot()))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, w.Publish(testSnapshot()))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second))
	firstEnd := binary.LittleEndian.Uint64(first[len(first)-8:])
	secondEnd := binary.LittleEndian.Uint64(second[len(second)-8:])
	assert.LessOrEqual(t, firstEnd, secondEnd)
}

func TestWriteIDFileRecordsShmPath(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "opcm.id")
	shmPath := filepath.Join(dir, "opcm.shm")

	require.NoError(t, shm.WriteIDFile(idPath, shmPath))

	raw, err := os.ReadFile(idPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), shmPath)
}

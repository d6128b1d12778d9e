package corepmu_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu/corepmu"
)

func TestNMIWatchdogDisableAndRestore(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sys", "kernel")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "nmi_watchdog")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0644))

	w, err := corepmu.Disable(root)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0", string(got))

	require.NoError(t, w.Restore())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestNMIWatchdogNoopWhenAlreadyZero(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sys", "kernel")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "nmi_watchdog")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0644))

	w, err := corepmu.Disable(root)
	require.NoError(t, err)
	require.NoError(t, w.Restore())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0", string(got))
}

func TestNMIWatchdogMissingFileIsHarmless(t *testing.T) {
	root := t.TempDir()
	w, err := corepmu.Disable(root)
	require.NoError(t, err)
	assert.NoError(t, w.Restore())
}

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUList(t *testing.T) {
	got, err := parseCPUList("0-3,8,10-11")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 8, 10, 11}, got)
}

func TestParseCPUListSingle(t *testing.T) {
	got, err := parseCPUList("0-71")
	require.NoError(t, err)
	assert.Len(t, got, 72)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 71, got[71])
}

func TestParseCPUListEmpty(t *testing.T) {
	got, err := parseCPUList("\n")
	require.NoError(t, err)
	assert.Nil(t, got)
}

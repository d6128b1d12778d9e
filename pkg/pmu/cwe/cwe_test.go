package cwe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu/cwe"
)

func TestExtenderAccumulatesInRangeAdvance(t *testing.T) {
	readings := []uint64{0xFFFFF0, 0xFFFFF5} // 24-bit counter, +5, no wrap
	i := 0

	e := cwe.New(func() (uint64, error) {
		v := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return v, nil
	}, 24, time.Hour) // watchdog cadence irrelevant: the test drives Extended directly
	defer e.Close()

	first, err := e.Extended()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first, "first read only primes last_raw")

	second, err := e.Extended()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), second)
}

func TestExtenderHandlesWrap(t *testing.T) {
	// 24-bit counter at 0xFFFFFF advancing by 5 wraps to 0x4 (spec.md §8
	// overflow-handling boundary case).
	readings := []uint64{0xFFFFFF, 0x4}
	i := 0

	e := cwe.New(func() (uint64, error) {
		v := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return v, nil
	}, 24, time.Hour)
	defer e.Close()

	_, err := e.Extended()
	require.NoError(t, err)
	second, err := e.Extended()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), second)
}

func TestExtenderPropagatesReadError(t *testing.T) {
	wantErr := assert.AnError
	e := cwe.New(func() (uint64, error) { return 0, wantErr }, 48, time.Hour)
	defer e.Close()

	_, err := e.Extended()
	assert.ErrorIs(t, err, wantErr)
}

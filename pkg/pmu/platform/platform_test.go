package platform

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIsEC2InstanceReturnsFalseOffEC2 exercises the common case: no IMDS
// endpoint reachable (as in any CI sandbox or dev laptop), so the probe
// must return false promptly rather than blocking on the link-local
// metadata timeout.
func TestIsEC2InstanceReturnsFalseOffEC2(t *testing.T) {
	start := time.Now()
	got := isEC2Instance(context.Background(), logr.Discard())
	assert.False(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIsEC2InstanceHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, isEC2Instance(ctx, logr.Discard()))
}

// TestTopDownLevel1AvailableFalseWithoutSysfsEvents exercises the gate
// that matters regardless of the CPUID bit on the machine running the
// test: a host whose kernel never exposed the topdown-* perf events
// (missing /sys path) must never be reported as top-down-capable.
func TestTopDownLevel1AvailableFalseWithoutSysfsEvents(t *testing.T) {
	got, err := topDownLevel1Available(t.TempDir())
	require.NoError(t, err)
	assert.False(t, got)
}

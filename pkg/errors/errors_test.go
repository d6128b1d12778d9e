package errors_test

import (
	"testing"

	"github.com/opcm/opcmd/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, errors.Retryable(errors.PmuBusy("imc0")))
	assert.True(t, errors.Retryable(errors.TransientIO("mmio read")))
	assert.False(t, errors.Retryable(errors.Configuration("too many counters")))
	assert.False(t, errors.Retryable(errors.New("plain")))
}

func TestSentinelsMatchViaIs(t *testing.T) {
	assert.ErrorIs(t, errors.PmuBusy("cha3"), errors.ErrPmuBusy)
	assert.ErrorIs(t, errors.TransientIO("box not present"), errors.ErrTransientIO)
	assert.ErrorIs(t, errors.Offline(5), errors.ErrOffline)
	assert.ErrorIs(t, errors.AccessDenied("msr write", nil), errors.ErrAccessDenied)
	assert.ErrorIs(t, errors.Configuration("bad mode"), errors.ErrConfiguration)
	assert.ErrorIs(t, errors.Protocol("missing Host header"), errors.ErrProtocol)
}

package ral

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opcm/opcmd/pkg/errors"
)

// probeRegister is a scratch MSR safe to round-trip without side effects:
// IA32_TSC_AUX is software-writable on every microarchitecture this daemon
// targets and has no effect on counting or dispatch.
const probeRegister int64 = 0xC0000103 // IA32_TSC_AUX

// ProbeSecureBoot determines whether the running kernel actually honors
// MSR writes, the condition spec.md §4.1 calls out as silently broken on
// secure-boot-locked-down hosts: the msr driver accepts the write() call
// and returns success, but the value never changes. backoff/v5 retries the
// round trip a few times since the very first access to a freshly loaded
// msr module can race with udev device-node creation.
func ProbeSecureBoot(ctx context.Context, h RegisterHandle) (writable bool, err error) {
	op := func() (bool, error) {
		ok, err := ProbeReadWrite(h, probeRegister, 0x5a5a5a5a5a5a5a5a)
		if err != nil {
			if errors.Retryable(err) {
				return false, err
			}
			return false, backoff.Permanent(err)
		}
		return ok, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
}

package ral

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/errors"
)

// instanceLockPath is the well-known flock target every PCM-family process
// on a host coordinates through, so a monitoring daemon and a one-shot CLI
// reading the same MSRs don't stomp each other's freeze/reset/configure
// sequence (spec.md §4.1 "process-wide Instance Lock").
const instanceLockPath = "/var/run/opcm-pmu.lock"

// LockMode selects whether Acquire takes the Instance Lock exclusively
// (only one programmer may hold it, for program()/cleanup()) or shared
// (many readers may hold it concurrently, for sample_*).
type LockMode int

const (
	LockExclusive LockMode = iota
	LockShared
)

// InstanceLock serializes PMU programming across processes on a host. It
// wraps a single flock(2) file descriptor; Acquire never waits for it
// (LOCK_NB). The Engine takes it exclusively in Program and releases it
// in Cleanup, so it stays held across the sampling in between.
type InstanceLock struct {
	f *os.File
}

// OpenInstanceLock opens (creating if necessary) the well-known lock file.
// It does not acquire the lock; call Acquire for that.
func OpenInstanceLock() (*InstanceLock, error) {
	return OpenInstanceLockAt(instanceLockPath)
}

// OpenInstanceLockAt is OpenInstanceLock against an explicit path, for
// tests and for hosts that sandbox /var/run.
func OpenInstanceLockAt(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.AccessDenied("open "+path, err)
	}
	return &InstanceLock{f: f}, nil
}

// Acquire takes the lock in the given mode without blocking. If another
// process or programmer already holds it exclusively, Acquire returns
// errors.PmuBusy so the caller can retry with backoff rather than treating
// contention as fatal.
func (l *InstanceLock) Acquire(mode LockMode) error {
	how := unix.LOCK_EX
	if mode == LockShared {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(l.f.Fd()), how|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return errors.PmuBusy("instance lock")
		}
		return errors.TransientIO("flock: " + err.Error())
	}
	return nil
}

// Release drops the lock without closing the underlying file descriptor,
// so the same InstanceLock can be re-acquired later in a different mode.
func (l *InstanceLock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}
	return nil
}

func (l *InstanceLock) Close() error {
	return l.f.Close()
}

package ral

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinScope pins the calling goroutine's OS thread to a single logical CPU
// for the duration of a register access and restores the prior affinity
// mask on Close. MSR access is inherently per-logical-CPU: opening
// /dev/cpu/N/msr lets you address any CPU's MSR file directly, but some
// operations (the secure-boot write probe, anything that must observe its
// own PMU state) need the accessing thread actually running on that CPU.
type PinScope struct {
	prior unix.CPUSet
}

// Pin locks the calling goroutine to its OS thread and sets its affinity
// to cpu. Callers must defer Close to release the thread lock and restore
// the previous affinity mask.
func Pin(cpu int) (*PinScope, error) {
	runtime.LockOSThread()

	var prior unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prior); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	var want unix.CPUSet
	want.Set(cpu)
	if err := unix.SchedSetaffinity(0, &want); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	return &PinScope{prior: prior}, nil
}

// Close restores the affinity mask captured by Pin and releases the OS
// thread lock. Safe to call once; a nil receiver is a no-op so deferred
// Close after a failed Pin is harmless.
func (p *PinScope) Close() error {
	if p == nil {
		return nil
	}
	err := unix.SchedSetaffinity(0, &p.prior)
	runtime.UnlockOSThread()
	return err
}

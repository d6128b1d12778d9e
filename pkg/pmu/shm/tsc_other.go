//go:build !amd64

package shm

import "time"

// readTSC falls back to the wall-clock time in nanoseconds on non-amd64
// targets. It serves the same algorithmic role in the begin/end
// consistency protocol (cheap to read, increasing unless the system clock
// is stepped back) even though it isn't the literal TSC register.
func readTSC() uint64 {
	return uint64(time.Now().UnixNano())
}

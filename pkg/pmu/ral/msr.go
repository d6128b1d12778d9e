package ral

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/errors"
)

// MsrHandle reads and writes model-specific registers for a single logical
// CPU through the kernel's msr driver (/dev/cpu/N/msr), the access path
// spec.md §4.1 names for core and per-thread registers. Offsets passed to
// Read64/Write64 are MSR numbers (e.g. 0x38E for IA32_PERF_GLOBAL_STATUS).
type MsrHandle struct {
	cpu int
	mu  sync.Mutex
	fd  *os.File
}

// OpenMSR opens the msr device file for logical CPU cpu. Returns
// errors.AccessDenied if the msr kernel module isn't loaded or the caller
// lacks CAP_SYS_RAWIO, wrapping the stat/open failure for diagnosis.
func OpenMSR(cpu int) (*MsrHandle, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return nil, errors.AccessDenied("open "+path, err)
		}
		return nil, errors.TransientIO("open " + path + ": " + err.Error())
	}
	return &MsrHandle{cpu: cpu, fd: f}, nil
}

func (h *MsrHandle) Read64(offset int64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [8]byte
	n, err := unix.Pread(int(h.fd.Fd()), buf[:], offset)
	if err != nil {
		return 0, translatePread(err)
	}
	if n != 8 {
		return 0, errors.Protocol("short msr read")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *MsrHandle) Read32(offset int64) (uint32, error) {
	v, err := h.Read64(offset)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (h *MsrHandle) Write64(offset int64, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(int(h.fd.Fd()), buf[:], offset)
	if err != nil {
		return translatePwrite(err)
	}
	if n != 8 {
		return errors.Protocol("short msr write")
	}
	return nil
}

// Write32 writes value into the low 32 bits of the MSR, preserving the
// high 32 bits read just before the write. Most documented MSR fields that
// software writes 32 bits to are defined over the full 64-bit register, so
// a read-modify-write is required rather than a truncated 32-bit Pwrite.
func (h *MsrHandle) Write32(offset int64, value uint32) error {
	cur, err := h.Read64(offset)
	if err != nil {
		return err
	}
	next := (cur &^ 0xFFFFFFFF) | uint64(value)
	return h.Write64(offset, next)
}

func (h *MsrHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd == nil {
		return nil
	}
	err := h.fd.Close()
	h.fd = nil
	return err
}

func (h *MsrHandle) String() string { return fmt.Sprintf("msr:cpu%d", h.cpu) }

func translatePread(err error) error {
	if err == unix.EIO {
		return errors.TransientIO("msr pread: EIO, MSR likely unsupported on this cpu model")
	}
	if err == unix.EACCES || err == unix.EPERM {
		return errors.AccessDenied("msr pread", err)
	}
	return errors.TransientIO("msr pread: " + err.Error())
}

func translatePwrite(err error) error {
	if err == unix.EIO {
		return errors.TransientIO("msr pwrite: EIO, MSR likely read-only or unsupported")
	}
	if err == unix.EACCES || err == unix.EPERM {
		return errors.AccessDenied("msr pwrite", err)
	}
	return errors.TransientIO("msr pwrite: " + err.Error())
}

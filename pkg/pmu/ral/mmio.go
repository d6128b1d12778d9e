package ral

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/errors"
)

// MmioRange maps a fixed-size physical address range for direct load/store
// access, the path a handful of newer uncore boxes use instead of MSR or
// PCI config space (spec.md §4.1); TPMI registers go through TpmiHandle's
// debugfs mailbox (tpmi.go) instead. Mapping goes through /dev/mem since the kernel does not
// expose these ranges via sysfs the way it does PCI config space.
type MmioRange struct {
	base int64
	size int
	mu   sync.Mutex
	mem  []byte
}

// MapMMIO maps size bytes starting at physical address base. Returns
// errors.AccessDenied if /dev/mem is unavailable (CONFIG_STRICT_DEVMEM, no
// CAP_SYS_RAWIO) — callers should treat that as "this box's registers are
// inaccessible" rather than fatal.
func MapMMIO(base int64, size int) (*MmioRange, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.AccessDenied("open /dev/mem", err)
		}
		return nil, errors.TransientIO("open /dev/mem: " + err.Error())
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.TransientIO(fmt.Sprintf("mmap 0x%x/%d: %s", base, size, err))
	}
	return &MmioRange{base: base, size: size, mem: mem}, nil
}

func (r *MmioRange) Read64(offset int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.mem[offset : offset+8]), nil
}

func (r *MmioRange) Read32(offset int64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.mem[offset : offset+4]), nil
}

func (r *MmioRange) Write64(offset int64, value uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.mem[offset:offset+8], value)
	return nil
}

func (r *MmioRange) Write32(offset int64, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.mem[offset:offset+4], value)
	return nil
}

func (r *MmioRange) checkBounds(offset int64, width int) error {
	if offset < 0 || int(offset)+width > len(r.mem) {
		return errors.Protocol(fmt.Sprintf("mmio offset 0x%x out of range for %d-byte mapping", offset, len(r.mem)))
	}
	return nil
}

func (r *MmioRange) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func (r *MmioRange) String() string { return fmt.Sprintf("mmio:0x%x/%d", r.base, r.size) }

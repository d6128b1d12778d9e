package ral

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opcm/opcmd/pkg/errors"
)

// PciAddress identifies one PCI function, segment-qualified for multi-root
// server topologies (spec.md §4.1 uncore discovery walks PCI config space
// by segment/bus/device/function).
type PciAddress struct {
	Segment  int
	Bus      int
	Device   int
	Function int
}

func (a PciAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Segment, a.Bus, a.Device, a.Function)
}

// sysfsConfigPath is the sysfs extended-config-space file exposed by the
// kernel for every enumerated PCI function. It already accounts for the
// MCFG memory-mapped config space the kernel parsed at boot, so opening
// this file is equivalent to (and far simpler than) mapping ECAM space by
// hand from the ACPI MCFG table.
func (a PciAddress) sysfsConfigPath() string {
	return fmt.Sprintf("/sys/bus/pci/devices/%04x:%02x:%02x.%d/config",
		a.Segment, a.Bus, a.Device, a.Function)
}

// PciHandle reads and writes extended PCI configuration space for one
// function, the access path uncore PMU boxes (IMC, M2M, M3UPI, UPI, PCU,
// Ubox) are programmed and discovered through (spec.md §4.1, §4.4).
type PciHandle struct {
	addr PciAddress
	mu   sync.Mutex
	fd   *os.File
}

// OpenPCI opens the sysfs config-space file for addr. Returns
// errors.TransientIO if the function isn't present on this topology
// (expected during uncore box discovery probing, spec.md §4.6) rather than
// a hard failure.
func OpenPCI(addr PciAddress) (*PciHandle, error) {
	path := addr.sysfsConfigPath()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapNotPresent("pci "+addr.String(), err)
		}
		if os.IsPermission(err) {
			return nil, errors.AccessDenied("open "+path, err)
		}
		return nil, errors.TransientIO("open " + path + ": " + err.Error())
	}
	return &PciHandle{addr: addr, fd: f}, nil
}

func (h *PciHandle) Read64(offset int64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [8]byte
	if _, err := unix.Pread(int(h.fd.Fd()), buf[:], offset); err != nil {
		return 0, errors.TransientIO("pci config read: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *PciHandle) Read32(offset int64) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [4]byte
	if _, err := unix.Pread(int(h.fd.Fd()), buf[:], offset); err != nil {
		return 0, errors.TransientIO("pci config read: " + err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (h *PciHandle) Write64(offset int64, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Pwrite(int(h.fd.Fd()), buf[:], offset); err != nil {
		return errors.TransientIO("pci config write: " + err.Error())
	}
	return nil
}

func (h *PciHandle) Write32(offset int64, value uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := unix.Pwrite(int(h.fd.Fd()), buf[:], offset); err != nil {
		return errors.TransientIO("pci config write: " + err.Error())
	}
	return nil
}

func (h *PciHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd == nil {
		return nil
	}
	err := h.fd.Close()
	h.fd = nil
	return err
}

func (h *PciHandle) String() string { return "pci:" + h.addr.String() }

// Package ral is the Register Access Layer: a uniform read/write contract
// over MSRs, PCI configuration space, and MMIO regions (spec.md §4.1).
// Every PMU programmer (pkg/pmu/corepmu, pkg/pmu/uncorepmu) is written
// against the RegisterHandle interface in this package and is agnostic to
// which of the three backends actually served a given register.
package ral

import "github.com/opcm/opcmd/pkg/errors"

// RegisterHandle is the single capability every register-access backend
// implements: 32/64-bit read/write plus release of the owned OS resource.
// MsrHandle, PciHandle, and MmioRange are the three concrete variants
// named in spec.md §3; TPMI (pkg/pmu/ral/tpmi.go) is a fourth, added from
// original_source/src/tpmi.cpp for newer server parts that expose an
// indirect mailbox instead of direct per-box ranges.
type RegisterHandle interface {
	// Read64 reads 8 bytes at offset (MSR number for MsrHandle, PCI config
	// offset for PciHandle, byte offset into the mapped range for MmioRange).
	Read64(offset int64) (uint64, error)
	// Read32 reads 4 bytes at offset.
	Read32(offset int64) (uint32, error)
	// Write64 writes 8 bytes at offset.
	Write64(offset int64, value uint64) error
	// Write32 writes 4 bytes at offset.
	Write32(offset int64, value uint32) error
	// Close releases the owned OS resource (fd, mapping). Calling Close
	// twice is a no-op.
	Close() error
	// String identifies the handle for logging ("msr:cpu7", "pci:0000:00:1f.5").
	String() string
}

// extractBits returns bits [lo, hi] (inclusive) of raw, right-justified.
// Used by the PMU programmers to width-correct raw counter reads
// (spec.md §4.4 single-sample read protocol: extract_bits(raw, 0, width-1)).
func extractBits(raw uint64, lo, hi uint8) uint64 {
	width := hi - lo + 1
	mask := uint64(1)<<width - 1
	if width == 64 {
		mask = ^uint64(0)
	}
	return (raw >> lo) & mask
}

// ExtractBits is the exported form of extractBits for PMU programmers in
// other packages.
func ExtractBits(raw uint64, lo, hi uint8) uint64 { return extractBits(raw, lo, hi) }

// AllOnes32 and AllOnes64 report whether raw is all-ones, the vacancy/failed-probe signal
// spec.md §4.1 defines for MMIO reads of absent event registers.
func AllOnes32(raw uint32) bool { return raw == 0xFFFFFFFF }
func AllOnes64(raw uint64) bool { return raw == ^uint64(0) }

// probeReadWrite performs the write-read round trip spec.md §4.1 uses to
// detect secure-boot systems that silently refuse MSR writes: write probe,
// read back, and compare. A mismatch means writes are refused and the
// caller should degrade to perf-subsystem mode.
func probeReadWrite(h RegisterHandle, offset int64, probe uint64) (ok bool, err error) {
	original, err := h.Read64(offset)
	if err != nil {
		return false, err
	}
	if err := h.Write64(offset, probe); err != nil {
		return false, err
	}
	readBack, err := h.Read64(offset)
	// best-effort restore regardless of probe outcome
	_ = h.Write64(offset, original)
	if err != nil {
		return false, err
	}
	return readBack == probe, nil
}

// ProbeReadWrite is the exported form of probeReadWrite.
func ProbeReadWrite(h RegisterHandle, offset int64, probe uint64) (bool, error) {
	return probeReadWrite(h, offset, probe)
}

// wrapNotPresent turns a generic open/stat error for a PCI device or MMIO
// range into the TransientIO classification spec.md §7 assigns to
// "box not present" during discovery.
func wrapNotPresent(what string, cause error) error {
	return errors.TransientIO(what + ": " + cause.Error())
}

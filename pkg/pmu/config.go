// Package pmu is the root of the performance-counter monitoring daemon:
// shared data types (Snapshot, per-thread/per-socket counter state) and
// the Config that every subsystem below it is constructed from.
package pmu

import (
	"os"
	"time"
)

// CounterGroup selects which counter families program() enables, mirroring
// the daemon's -c flag (spec.md §6): core, memory, qpi, or all.
type CounterGroup string

const (
	GroupCore   CounterGroup = "core"
	GroupMemory CounterGroup = "memory"
	GroupQPI    CounterGroup = "qpi"
	GroupAll    CounterGroup = "all"
)

// PublishMode selects whether the shared-memory publisher reports the raw
// cumulative counters or the delta since the previous tick (-m flag,
// spec.md §6). The HTTP endpoints, /metrics included, are not affected by
// it.
type PublishMode string

const (
	PublishDifference PublishMode = "difference"
	PublishAbsolute   PublishMode = "absolute"
)

// Config is the configuration shared by every PMU subsystem. It plays the
// role the teacher's CollectionConfig plays for /proc-based collectors,
// generalized to hardware register access and the sampling/serving layers.
type Config struct {
	// PollInterval is how often the sampling loop dispatches a new
	// Snapshot. Must be > 0 (-p flag, in milliseconds on the CLI).
	PollInterval time.Duration

	// Groups is the set of counter groups program() should enable.
	Groups []CounterGroup

	// Debug switches the daemon to verbose development logging (-d
	// flag). The daemon runs in the foreground either way; it never
	// detaches.
	Debug bool

	// PublishMode controls whether published snapshots are deltas or
	// cumulative totals (-m flag).
	PublishMode PublishMode

	// HostSysPath is the sysfs root topology and platform read from,
	// overridable in containerized environments, the same override
	// pattern the teacher's CollectionConfig uses for /proc and /sys.
	// HostProcPath is defaulted but no package reads it.
	HostProcPath string
	HostSysPath  string

	// HTTPAddr is the TCP address the HTTP serving layer listens on
	// (default ":9738", spec.md §6).
	HTTPAddr string

	// RingSize bounds how many Snapshots the sampling loop retains
	// (spec.md §2, "~30 entries").
	RingSize int

	// ShmEnabled publishes the latest snapshot into the shared-memory
	// IPC region (spec.md §4.9).
	ShmEnabled bool
	// ShmGroup is the unix group that should own the shared-memory
	// segment, mode 0660 (-g flag).
	ShmGroup string
	// ShmIDPath is where the shared-memory segment identifier is written
	// so client processes can find it (-s flag).
	ShmIDPath string

	// IgnoreArchPerfmon allows startup on hypervisor guests that don't
	// advertise arch_perfmon (PCM_IGNORE_ARCH_PERFMON=1).
	IgnoreArchPerfmon bool
	// NoPerf disables falling back to the kernel perf subsystem and
	// forces direct MSR/PCI/MMIO programming (PCM_NO_PERF=1).
	NoPerf bool
	// NoAWSWorkaround disables the virtualized-guest general-counter
	// clamp even when the platform probe detects a hypervisor
	// (PCM_NO_AWS_WORKAROUND=1).
	NoAWSWorkaround bool
	// NoUncorePMUDiscovery skips the dynamic PCI DVSEC discovery walk and
	// uses static per-model tables instead (PCM_NO_UNCORE_PMU_DISCOVERY=1).
	NoUncorePMUDiscovery bool
	// PrintUncorePMUDiscovery emits discovery results to stderr
	// (PCM_PRINT_UNCORE_PMU_DISCOVERY=1).
	PrintUncorePMUDiscovery bool
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Groups:       []CounterGroup{GroupAll},
		PublishMode:  PublishDifference,
		HostProcPath: "/proc",
		HostSysPath:  "/sys",
		HTTPAddr:     ":9738",
		RingSize:     30,
	}
}

// ApplyDefaults fills zero-valued fields with defaults, then applies the
// environment-variable overrides from spec.md §6.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if len(c.Groups) == 0 {
		c.Groups = d.Groups
	}
	if c.PublishMode == "" {
		c.PublishMode = d.PublishMode
	}
	if c.HostProcPath == "" {
		c.HostProcPath = d.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = d.HostSysPath
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.RingSize <= 0 {
		c.RingSize = d.RingSize
	}

	c.IgnoreArchPerfmon = c.IgnoreArchPerfmon || envSet("PCM_IGNORE_ARCH_PERFMON")
	c.NoPerf = c.NoPerf || envSet("PCM_NO_PERF")
	c.NoAWSWorkaround = c.NoAWSWorkaround || envSet("PCM_NO_AWS_WORKAROUND")
	c.NoUncorePMUDiscovery = c.NoUncorePMUDiscovery || envSet("PCM_NO_UNCORE_PMU_DISCOVERY")
	c.PrintUncorePMUDiscovery = c.PrintUncorePMUDiscovery || envSet("PCM_PRINT_UNCORE_PMU_DISCOVERY")
}

// HasGroup reports whether g is enabled, treating GroupAll as a wildcard.
func (c Config) HasGroup(g CounterGroup) bool {
	for _, have := range c.Groups {
		if have == GroupAll || have == g {
			return true
		}
	}
	return false
}

func envSet(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true"
}

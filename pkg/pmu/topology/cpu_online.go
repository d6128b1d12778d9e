package topology

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// onlineCPUs returns the sorted OS CPU ids the kernel currently reports as
// online, read from sysfs under sysPath (normally "/sys", overridable the
// same way the rest of this module lets HostSysPath be overridden for
// containerized collection).
func onlineCPUs(sysPath string) ([]int, error) {
	raw, err := os.ReadFile(filepath.Join(sysPath, "devices", "system", "cpu", "online"))
	if err != nil {
		return nil, err
	}
	return parseCPUList(string(raw))
}

// possibleCPUs returns every OS CPU id the kernel knows about, online or
// not — needed so an offlined core still gets a zero-initialized
// HyperThread entry rather than vanishing from the tree (spec.md §3: "An
// offlined processor appears with online=false").
func possibleCPUs(sysPath string) ([]int, error) {
	raw, err := os.ReadFile(filepath.Join(sysPath, "devices", "system", "cpu", "possible"))
	if err != nil {
		return nil, err
	}
	return parseCPUList(string(raw))
}

// parseCPUList parses the kernel's cpulist format: comma-separated ids and
// inclusive ranges, e.g. "0-3,8,10-11".
func parseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, err
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, err
			}
			for n := loN; n <= hiN; n++ {
				out = append(out, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

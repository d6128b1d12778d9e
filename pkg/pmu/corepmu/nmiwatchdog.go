package corepmu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// nmiWatchdogPath is where the kernel exposes whether the NMI watchdog is
// consuming a counter slot (spec.md §4.4: "when /proc/sys/kernel/nmi_watchdog
// is 1, disable it during programming and restore on teardown").
func nmiWatchdogPath(hostProcPath string) string {
	return filepath.Join(hostProcPath, "sys", "kernel", "nmi_watchdog")
}

// NMIWatchdog reads and restores the kernel's NMI watchdog toggle around a
// core PMU programming session.
type NMIWatchdog struct {
	path string
	prev int
	held bool
}

// Disable reads the current value and, if it is 1, disables it and
// records that this instance owns restoring it. Safe to call when the
// file doesn't exist (containers without /proc/sys visibility): treated
// as "no watchdog to manage".
func Disable(hostProcPath string) (*NMIWatchdog, error) {
	w := &NMIWatchdog{path: nmiWatchdogPath(hostProcPath)}

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return w, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return w, nil
	}
	w.prev = v
	if v == 1 {
		if err := os.WriteFile(w.path, []byte("0"), 0644); err == nil {
			w.held = true
		}
	}
	return w, nil
}

// Restore writes back the watchdog's prior value if Disable changed it.
func (w *NMIWatchdog) Restore() error {
	if !w.held {
		return nil
	}
	return os.WriteFile(w.path, []byte(strconv.Itoa(w.prev)), 0644)
}

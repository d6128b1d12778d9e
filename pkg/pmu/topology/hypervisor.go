package topology

import (
	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ral/cpuid"
)

// guardHypervisor fails startup on a hypervisor guest that doesn't
// advertise the architectural performance-monitoring leaf, unless the
// caller opted in via PCM_IGNORE_ARCH_PERFMON (spec.md §4.2 step 5).
func guardHypervisor(cfg pmu.Config) error {
	hv, err := isHypervisor()
	if err != nil {
		return err
	}
	if !hv {
		return nil
	}
	arch, err := hasArchPerfmon()
	if err != nil {
		return err
	}
	if arch || cfg.IgnoreArchPerfmon {
		return nil
	}
	return errors.Unsupported()
}

// isHypervisor reads CPUID leaf 1 ECX bit 31, the hypervisor-present bit
// every major hypervisor sets for its guests.
func isHypervisor() (bool, error) {
	r, err := cpuid.Query(1, 0)
	if err != nil {
		return false, err
	}
	return r.ECX&(1<<31) != 0, nil
}

// hasArchPerfmon reads CPUID leaf 0xA EAX[7:0], the architectural
// performance-monitoring version id. Zero means the leaf is unsupported or
// the hypervisor hid it from the guest.
func hasArchPerfmon() (bool, error) {
	r, err := cpuid.Query(0xA, 0)
	if err != nil {
		return false, err
	}
	return r.EAX&0xFF != 0, nil
}

//go:build amd64

package shm

// readTSC executes RDTSC directly (rdtscAsm, in tsc_amd64.s) rather than
// going through a library: no pack repo exposes raw TSC access, and the
// asm shape follows the same minimal leaf-in-registers-out pattern as
// pkg/pmu/ral/cpuid's CPUID stub.
func readTSC() uint64 {
	return rdtscAsm()
}

func rdtscAsm() uint64

//go:build amd64

package cpuid

func query(leaf, subleaf uint32) (Result, error) {
	eax, ebx, ecx, edx := cpuidAsm(leaf, subleaf)
	return Result{EAX: eax, EBX: ebx, ECX: ecx, EDX: edx}, nil
}

// cpuidAsm is implemented in cpuid_amd64.s: load leaf into EAX, subleaf
// into ECX, execute CPUID, return the four result registers.
func cpuidAsm(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

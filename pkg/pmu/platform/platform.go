// Package platform decides the per-process platform workarounds spec.md
// §4.4 lists (corepmu.Options): whether this is a hypervisor guest, and
// whether CPUID's TSX-force-abort bit claims the 4th general-purpose
// counter. It is the one place CPUID and the AWS IMDS probe (the
// jra3-system-agent's pkg/aws/client.go pattern, generalized from EKS
// tagging to "are we a virtualized guest") feed into corepmu.Options.
package platform

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/go-logr/logr"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/corepmu"
	"github.com/opcm/opcmd/pkg/pmu/ral/cpuid"
)

// imdsProbeTimeout bounds how long Detect waits on the metadata service
// before concluding this isn't an EC2 instance; IMDS is a link-local
// unrouted call, so a timeout (not an error) is the expected non-EC2 case.
const imdsProbeTimeout = 300 * time.Millisecond

// Detect returns the corepmu.Options this host should program with,
// combining CPUID's hypervisor-present bit with an IMDS probe (EC2
// guests that hide the hypervisor bit from CPUID still answer IMDS),
// and cfg's PCM_NO_AWS_WORKAROUND override.
func Detect(ctx context.Context, cfg pmu.Config, logger logr.Logger) (corepmu.Options, error) {
	opts := corepmu.Options{AllowAllGPCounters: cfg.NoAWSWorkaround}

	hv, err := cpuidHypervisorBit()
	if err != nil {
		return opts, err
	}
	opts.VirtualizedGuest = hv || isEC2Instance(ctx, logger)

	abort, err := tsxForceAbortClaims4th()
	if err != nil {
		return opts, err
	}
	opts.TSXForceAbortClaims4th = abort

	topDown, err := topDownLevel1Available(cfg.HostSysPath)
	if err != nil {
		return opts, err
	}
	opts.TopDownLevel1Available = topDown

	return opts, nil
}

// topDownLevel1Available reports whether the level-1 top-down second
// counter group (spec.md §4.4) can be programmed: CPUID must advertise
// FIXED_CTR3/IA32_PERF_METRICS, and the kernel's perf subsystem must
// expose the topdown-* events (cpucounters.cpp's own gating,
// `isHWTMAL1Supported() && perfSupportsTopDown()`, checking both the
// CPUID bit and a sysfs probe before trusting the feature).
func topDownLevel1Available(hostSysPath string) (bool, error) {
	r, err := cpuid.Query(7, 0)
	if err != nil {
		return false, err
	}
	if r.EDX&(1<<15) == 0 { // PERF_METRICS_AVAILABLE
		return false, nil
	}
	_, err = os.Stat(filepath.Join(hostSysPath, "bus/event_source/devices/cpu/events/topdown-retiring"))
	return err == nil, nil
}

// cpuidHypervisorBit reads CPUID leaf 1 ECX bit 31, the hypervisor-present
// bit every major hypervisor sets for its guests. Duplicated in spirit
// with topology.guardHypervisor's read of the same bit: that one decides
// whether to refuse to start, this one decides how to program counters.
func cpuidHypervisorBit() (bool, error) {
	r, err := cpuid.Query(1, 0)
	if err != nil {
		return false, err
	}
	return r.ECX&(1<<31) != 0, nil
}

// tsxForceAbortClaims4th reads CPUID leaf 7 subleaf 0 EDX bit 13
// (TSX_FORCE_ABORT), set on parts where the 4th general-purpose counter
// isn't usable until MSR_TSX_FORCE_ABORT's RTM-abort bit is cleared.
func tsxForceAbortClaims4th() (bool, error) {
	r, err := cpuid.Query(7, 0)
	if err != nil {
		return false, err
	}
	return r.EDX&(1<<13) != 0, nil
}

// isEC2Instance reports whether the IMDS endpoint answers a metadata
// request, the same auto-discovery signal jra3-system-agent's
// pkg/aws.Client uses, here standing in for "are we virtualized" rather
// than "which account/cluster are we in". IMDS being unreachable (the
// overwhelmingly common non-EC2 case) is not treated as an error.
func isEC2Instance(ctx context.Context, logger logr.Logger) bool {
	probeCtx, cancel := context.WithTimeout(ctx, imdsProbeTimeout)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(probeCtx)
	if err != nil {
		logger.V(1).Info("skipping EC2 probe, no AWS config", "error", err)
		return false
	}
	client := imds.NewFromConfig(awsCfg)

	resp, err := client.GetMetadata(probeCtx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return false
	}
	_ = resp.Content.Close()
	return true
}

package corepmu

import (
	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ral"
)

// maxReadRetries bounds the repeat-until-stable loop spec.md §4.4 names;
// a status register changing between the two bracketing reads should be
// rare enough that this never gets close.
const maxReadRetries = 8

// Sample reads every programmed counter under the repeat-until-stable
// overflow protocol: read PERF_GLOBAL_STATUS, read counters, read status
// again, retry on mismatch (spec.md §4.4 "Single-sample read protocol").
// Overflowed counters are width-corrected by folding the corresponding
// overflow bit in as bit `width` of the accumulator.
func (p *Programmer) Sample() (pmu.BasicCounterState, error) {
	if p.state != stateProgrammed {
		return pmu.BasicCounterState{}, errors.Configuration("sample requested before program()")
	}

	var out pmu.BasicCounterState
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		before, err := p.msr.Read64(msrPerfGlobalStatus)
		if err != nil {
			return pmu.BasicCounterState{}, err
		}

		fixed0, err := p.msr.Read64(msrFixedCtr0)
		if err != nil {
			return pmu.BasicCounterState{}, err
		}
		fixed1, err := p.msr.Read64(msrFixedCtr1)
		if err != nil {
			return pmu.BasicCounterState{}, err
		}
		fixed2, err := p.msr.Read64(msrFixedCtr2)
		if err != nil {
			return pmu.BasicCounterState{}, err
		}
		var gp [maxGeneralPurposeCounters]uint64
		for i := 0; i < p.numGPInUse; i++ {
			gp[i], err = p.msr.Read64(msrPMC0 + int64(i))
			if err != nil {
				return pmu.BasicCounterState{}, err
			}
		}

		after, err := p.msr.Read64(msrPerfGlobalStatus)
		if err != nil {
			return pmu.BasicCounterState{}, err
		}
		if before != after {
			continue // status changed mid-read, retry
		}

		out = pmu.BasicCounterState{
			InstructionsRetired: widthCorrect(fixed0, 48, before, 32),
			UnhaltedCycles:      widthCorrect(fixed1, 48, before, 33),
			UnhaltedRefCycles:   widthCorrect(fixed2, 48, before, 34),
		}
		for i := 0; i < p.numGPInUse; i++ {
			out.GeneralPurpose[i] = widthCorrect(gp[i], 48, before, uint(i))
		}

		if err := p.msr.Write64(msrPerfGlobalOvfCtrl, before); err != nil {
			return pmu.BasicCounterState{}, err
		}

		if err := p.sampleThreadState(&out); err != nil {
			return pmu.BasicCounterState{}, err
		}
		if p.topDownActive {
			if err := p.sampleTopDown(&out); err != nil {
				return pmu.BasicCounterState{}, err
			}
		}
		return out, nil
	}

	return pmu.BasicCounterState{}, errors.TransientIO("perf global status unstable across read retries")
}

// sampleThreadState fills in the per-thread state spec.md §4.2 step 4
// reads alongside the programmed counters: SMI count, thermal headroom,
// invariant TSC, and this thread's core C-state residencies. These are
// plain MSR reads, not part of the overflow-protected counter group, so
// they aren't covered by the repeat-until-stable retry above.
func (p *Programmer) sampleThreadState(out *pmu.BasicCounterState) error {
	tsc, err := p.msr.Read64(msrTSC)
	if err != nil {
		return err
	}
	out.InvariantTSC = tsc

	smi, err := p.msr.Read64(msrSMICount)
	if err != nil {
		return err
	}
	out.SMICount = smi

	therm, err := p.msr.Read64(msrIA32ThermStatus)
	if err != nil {
		return err
	}
	out.ThermalHeadroom = int32(ral.ExtractBits(therm, thermStatusReadoutShift, thermStatusReadoutShift+6))

	c3, err := p.msr.Read64(msrCoreC3Residency)
	if err != nil {
		return err
	}
	out.CStateResidency[3] = c3
	c6, err := p.msr.Read64(msrCoreC6Residency)
	if err != nil {
		return err
	}
	out.CStateResidency[6] = c6
	c7, err := p.msr.Read64(msrCoreC7Residency)
	if err != nil {
		return err
	}
	out.CStateResidency[7] = c7
	return nil
}

// sampleTopDown reads the level-1 top-down fractions out of
// IA32_PERF_METRICS and resets both it and FIXED_CTR3 (SLOTS), matching
// cpucounters.cpp's own read-then-clear handling of these MSRs.
func (p *Programmer) sampleTopDown(out *pmu.BasicCounterState) error {
	metrics, err := p.msr.Read64(msrPerfMetrics)
	if err != nil {
		return err
	}
	if err := p.msr.Write64(msrPerfMetrics, 0); err != nil {
		return err
	}
	if err := p.msr.Write64(msrFixedCtr3, 0); err != nil {
		return err
	}
	out.TopDown = pmu.TopDownLevel1{
		Retiring:       ral.ExtractBits(metrics, perfMetricsRetiringLo, perfMetricsRetiringHi),
		BadSpeculation: ral.ExtractBits(metrics, perfMetricsBadSpecLo, perfMetricsBadSpecHi),
		Frontend:       ral.ExtractBits(metrics, perfMetricsFrontendLo, perfMetricsFrontendHi),
		Backend:        ral.ExtractBits(metrics, perfMetricsBackendLo, perfMetricsBackendHi),
	}
	return nil
}

// widthCorrect extracts the low `width` bits of raw and, if the
// corresponding bit in status is set, folds in one extra width-bit's
// worth of overflow (spec.md §4.4: "extract_bits(raw, 0, width-1) promoted
// ... plus overflow_bit[i] << width").
func widthCorrect(raw uint64, width uint8, status uint64, overflowBit uint) uint64 {
	v := ral.ExtractBits(raw, 0, width-1)
	if status&(1<<overflowBit) != 0 {
		v += uint64(1) << width
	}
	return v
}

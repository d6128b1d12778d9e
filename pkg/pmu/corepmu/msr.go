package corepmu

// Core PMU MSR addresses (Intel SDM Vol. 3B, §20).
const (
	msrFixedCtr0       = 0x309 // INST_RETIRED.ANY
	msrFixedCtr1       = 0x30A // CPU_CLK_UNHALTED.THREAD
	msrFixedCtr2       = 0x30B // CPU_CLK_UNHALTED.REF_TSC
	msrFixedCtrCtrl    = 0x38D
	msrPerfGlobalCtrl  = 0x38F
	msrPerfGlobalStatus = 0x38E
	msrPerfGlobalOvfCtrl = 0x390
	msrPerfEvtSel0     = 0x186 // PERFEVTSEL0..3 are contiguous
	msrPMC0            = 0xC1 // PMC0..3 are contiguous
	msrTSXForceAbort   = 0x10F

	msrIA32ThermStatus = 0x19C // digital readout: bits[22:16] = degrees below TjMax
	msrSMICount        = 0x34  // free-running, reset only by a cold boot
	msrCoreC3Residency = 0x3FC
	msrCoreC6Residency = 0x3FD
	msrCoreC7Residency = 0x3FE
	msrTSC             = 0x10 // IA32_TIME_STAMP_COUNTER, invariant on any CPU this daemon targets

	msrFixedCtr3   = 0x30C // TOPDOWN.SLOTS, only valid when topDownActive
	msrPerfMetrics = 0x329 // level-1 top-down fractions, refreshed alongside FIXED_CTR3
)

// thermStatusReadoutShift isolates the digital thermal readout field of
// MSR_IA32_THERM_STATUS (Intel SDM Vol. 3B Table 2-2): a 7-bit count of
// degrees below the core's thermal-throttling threshold, in bits[22:16].
const thermStatusReadoutShift = 16

// perfMetrics level-1 fraction byte lanes (Intel SDM Vol. 3B §18.3.9.3,
// matching cpucounters.cpp's extract_bits(perfMetrics, lo, hi) layout:
// retiring occupies the low byte, then bad speculation, frontend, backend).
const (
	perfMetricsRetiringLo = 0
	perfMetricsRetiringHi = 7
	perfMetricsBadSpecLo  = 8
	perfMetricsBadSpecHi  = 15
	perfMetricsFrontendLo = 16
	perfMetricsFrontendHi = 23
	perfMetricsBackendLo  = 24
	perfMetricsBackendHi  = 31
)

const maxGeneralPurposeCounters = 4

// perfEvtSel bit layout (IA32_PERFEVTSELx).
const (
	evtSelUsr     = 1 << 16
	evtSelOS      = 1 << 17
	evtSelEdge    = 1 << 18
	evtSelInt     = 1 << 20
	evtSelEn      = 1 << 22
	evtSelInv     = 1 << 23
	evtSelCMaskShift = 24
)

// fixedCtrCtrl bit layout: 4 bits per fixed counter (enable-os, enable-usr,
// any-thread, pmi), packed low to high for FixedCtr0..2.
const fixedCtrOSUsrEnable = 0x3 // enable-os | enable-usr for one fixed counter's nibble

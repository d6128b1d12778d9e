package engine

import (
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/ral"
)

// Package-level MSRs, read once per socket from the reference core rather
// than per uncore box (spec.md §4.2 step 4: "reference-core MSR reads for
// package-level state"; cpucounters.cpp reads MSR_RAPL_POWER_UNIT,
// MSR_PKG_ENERGY_STATUS, MSR_DRAM_ENERGY_STATUS, and the MSR_PKG_Cn_RESIDENCY
// family the same way, through MSR[socketRefCore[socket]]).
const (
	msrRaplPowerUnit    = 0x606
	msrPkgEnergyStatus  = 0x611
	msrDramEnergyStatus = 0x619
	msrPkgC2Residency   = 0x60D
	msrPkgC3Residency   = 0x3F8
	msrPkgC6Residency   = 0x3F9
	msrPkgC7Residency   = 0x3FA
)

// raplEnergyUnitLo/Hi locate the energy-status unit field of
// MSR_RAPL_POWER_UNIT: energy is reported in units of 1/2^ESU joules.
const (
	raplEnergyUnitLo = 8
	raplEnergyUnitHi = 12
)

// samplePackageState reads RAPL package/DRAM energy and package C-state
// residency from the socket's reference core and folds them into out.
// Sockets with no online thread (their reference core is gone) are left
// zeroed, matching spec.md §7's offline handling for socket-global state.
func (e *Engine) samplePackageState(socketID int, out *pmu.UncoreCounterState) error {
	ref, ok := e.tree.ReferenceThread(socketID)
	if !ok {
		return nil
	}
	msr, err := e.openMSR(ref.OSID)
	if err != nil {
		return err
	}

	unit, err := msr.Read64(msrRaplPowerUnit)
	if err != nil {
		return err
	}
	joulesPerUnit := 1.0 / float64(uint64(1)<<ral.ExtractBits(unit, raplEnergyUnitLo, raplEnergyUnitHi))

	pkgRaw, err := msr.Read64(msrPkgEnergyStatus)
	if err != nil {
		return err
	}
	out.PackageEnergyUJ = uint64(float64(pkgRaw) * joulesPerUnit * 1e6)

	dramRaw, err := msr.Read64(msrDramEnergyStatus)
	if err != nil {
		return err
	}
	out.DRAMEnergyUJ = uint64(float64(dramRaw) * joulesPerUnit * 1e6)

	c2, err := msr.Read64(msrPkgC2Residency)
	if err != nil {
		return err
	}
	out.PackageCState[2] = c2
	c3, err := msr.Read64(msrPkgC3Residency)
	if err != nil {
		return err
	}
	out.PackageCState[3] = c3
	c6, err := msr.Read64(msrPkgC6Residency)
	if err != nil {
		return err
	}
	out.PackageCState[6] = c6
	c7, err := msr.Read64(msrPkgC7Residency)
	if err != nil {
		return err
	}
	out.PackageCState[7] = c7
	return nil
}

package httpd

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/sampler"
)

// snapshotCollector implements prometheus.Collector over the ring's
// latest Snapshot, following the node_exporter pattern of building
// constant metrics from *prometheus.Desc at scrape time rather than
// keeping live counter/gauge objects (collector-cpu_linux.go's
// cpuCollector.Collect in the pack). Metric names are the literal
// spec.md §8 scenario 2 names (Instructions_Retired_Any,
// Clock_Unhalted_Thread, DRAM_Writes, DRAM_Reads, ...), derived the same
// way the source's own PrometheusPrinter::replaceIllegalCharsWithUnderbar
// does — spaces and dashes in its printCounter names become underscores
// (original_source/pcm-sensor-server.cpp:770) — rather than a
// namespaced opcm_* scheme.
type snapshotCollector struct {
	ring *sampler.Ring

	instructionsRetired *prometheus.Desc
	clockUnhaltedThread *prometheus.Desc
	clockUnhaltedRef    *prometheus.Desc
	smiCount            *prometheus.Desc
	thermalHeadroom     *prometheus.Desc
	dramReads           *prometheus.Desc
	dramWrites          *prometheus.Desc
	packageJoules       *prometheus.Desc
	dramJoules          *prometheus.Desc
	llcMissLatency      *prometheus.Desc
}

func newSnapshotCollector(ring *sampler.Ring) *snapshotCollector {
	return &snapshotCollector{
		ring: ring,
		instructionsRetired: prometheus.NewDesc(
			"Instructions_Retired_Any", "Retired instructions, rolled up per socket.", []string{"socket"}, nil),
		clockUnhaltedThread: prometheus.NewDesc(
			"Clock_Unhalted_Thread", "Unhalted core cycles, rolled up per socket.", []string{"socket"}, nil),
		clockUnhaltedRef: prometheus.NewDesc(
			"Clock_Unhalted_Ref", "Unhalted reference cycles, rolled up per socket.", []string{"socket"}, nil),
		smiCount: prometheus.NewDesc(
			"SMI_Count", "System management interrupt count per logical thread.", []string{"thread"}, nil),
		thermalHeadroom: prometheus.NewDesc(
			"Thermal_Headroom", "Kelvin below the throttling threshold, per logical thread.", []string{"thread"}, nil),
		dramReads: prometheus.NewDesc(
			"DRAM_Reads", "Bytes read from DRAM per socket.", []string{"socket"}, nil),
		dramWrites: prometheus.NewDesc(
			"DRAM_Writes", "Bytes written to DRAM per socket.", []string{"socket"}, nil),
		packageJoules: prometheus.NewDesc(
			"Package_Joules_Consumed", "Package energy consumption per socket, in joules.", []string{"socket"}, nil),
		dramJoules: prometheus.NewDesc(
			"DRAM_Joules_Consumed", "DRAM energy consumption per socket, in joules.", []string{"socket"}, nil),
		llcMissLatency: prometheus.NewDesc(
			"LLC_Miss_Latency_Ratio", "CHA table-of-requests occupancy divided by inserts, an average LLC-miss-to-memory latency proxy per socket.", []string{"socket"}, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instructionsRetired
	ch <- c.clockUnhaltedThread
	ch <- c.clockUnhaltedRef
	ch <- c.smiCount
	ch <- c.thermalHeadroom
	ch <- c.dramReads
	ch <- c.dramWrites
	ch <- c.packageJoules
	ch <- c.dramJoules
	ch <- c.llcMissLatency
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.ring.NthFromNewest(0)
	if !ok {
		return
	}
	c.collectThreads(ch, snap.Threads)
	c.collectSocketCores(ch, snap.SocketCores)
	c.collectSockets(ch, snap.Sockets)
}

// collectThreads emits the per-thread metrics that are meaningless to sum
// across a socket (thermal headroom is instantaneous Kelvin headroom, not
// a monotonic counter; pmu.BasicCounterState.Add deliberately leaves it
// unaggregated).
func (c *snapshotCollector) collectThreads(ch chan<- prometheus.Metric, threads []pmu.BasicCounterState) {
	for i, t := range threads {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.smiCount, prometheus.CounterValue, float64(t.SMICount), label)
		ch <- prometheus.MustNewConstMetric(c.thermalHeadroom, prometheus.GaugeValue, float64(t.ThermalHeadroom), label)
	}
}

// collectSocketCores emits the "Core Counters Aggregate Socket" rollup
// (original_source/pcm-sensor-server.cpp dispatch(Socket*)'s
// aggregate="socket" block), the per-socket view spec.md §8 scenario 2
// requires for Instructions_Retired_Any and Clock_Unhalted_Thread.
func (c *snapshotCollector) collectSocketCores(ch chan<- prometheus.Metric, socketCores []pmu.BasicCounterState) {
	for i, s := range socketCores {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.instructionsRetired, prometheus.CounterValue, float64(s.InstructionsRetired), label)
		ch <- prometheus.MustNewConstMetric(c.clockUnhaltedThread, prometheus.CounterValue, float64(s.UnhaltedCycles), label)
		ch <- prometheus.MustNewConstMetric(c.clockUnhaltedRef, prometheus.CounterValue, float64(s.UnhaltedRefCycles), label)
	}
}

func (c *snapshotCollector) collectSockets(ch chan<- prometheus.Metric, sockets []pmu.UncoreCounterState) {
	for i, s := range sockets {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.dramReads, prometheus.CounterValue, float64(s.DRAMBytesRead), label)
		ch <- prometheus.MustNewConstMetric(c.dramWrites, prometheus.CounterValue, float64(s.DRAMBytesWritten), label)
		ch <- prometheus.MustNewConstMetric(c.packageJoules, prometheus.CounterValue, float64(s.PackageEnergyUJ)/1e6, label)
		ch <- prometheus.MustNewConstMetric(c.dramJoules, prometheus.CounterValue, float64(s.DRAMEnergyUJ)/1e6, label)
		if s.TorInserts > 0 {
			ch <- prometheus.MustNewConstMetric(c.llcMissLatency, prometheus.GaugeValue, float64(s.TorOccupancy)/float64(s.TorInserts), label)
		}
	}
}

// opcm-client is a thin shared-memory reader: it mmaps the region an
// opcmd daemon publishes and prints a snapshot every poll interval,
// grounded on original_source/daemon/client/main.cpp's loop-forever
// dump, reworked into a tabwriter-formatted Go CLI.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opcm/opcmd/pkg/pmu/shm"
	"github.com/opcm/opcmd/pkg/pmu/shmclient"
)

var flags struct {
	shmPath string
	once    bool
	poll    time.Duration
}

func main() {
	root := &cobra.Command{
		Use:   "opcm-client",
		Short: "read and print a running opcmd daemon's shared-memory counters",
		RunE:  run,
	}
	root.Flags().StringVarP(&flags.shmPath, "shm-path", "p", "/dev/shm/opcm.shm", "backing file the daemon published")
	root.Flags().BoolVarP(&flags.once, "once", "1", false, "print one snapshot and exit")
	root.Flags().DurationVarP(&flags.poll, "interval", "i", time.Second, "time between prints")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	reader, err := shmclient.Open(flags.shmPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if v := reader.Version(); v != shm.Version {
		fmt.Fprintf(os.Stderr, "warning: daemon version %q does not match client's expected %q\n", v, shm.Version)
	}

	var lastEnd uint64
	for {
		state, err := reader.Read()
		if err != nil {
			return err
		}
		if state.LastUpdateTscEnd != lastEnd {
			printState(state)
			lastEnd = state.LastUpdateTscEnd
		}
		if flags.once {
			return nil
		}
		time.Sleep(flags.poll)
	}
}

func printState(state shm.State) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "----- snapshot -----")
	fmt.Fprintf(w, "Last updated TSC\t%d\n", state.LastUpdateTscEnd)
	fmt.Fprintf(w, "Timestamp\t%d\n", state.TimestampNanos)
	fmt.Fprintf(w, "Cycles to get state\t%d\n", state.CyclesToGetState)
	fmt.Fprintf(w, "Poll interval (ms)\t%d\n", state.PollMs)
	fmt.Fprintln(w)

	sys := state.Counters.System
	fmt.Fprintf(w, "Num. of cores\t%d\n", sys.NumOfCores)
	fmt.Fprintf(w, "Num. of online cores\t%d\n", sys.NumOfOnlineCores)
	fmt.Fprintf(w, "Num. of sockets\t%d\n", sys.NumOfSockets)
	fmt.Fprintf(w, "Num. of online sockets\t%d\n", sys.NumOfOnlineSockets)
	fmt.Fprintf(w, "QPI links per socket\t%d\n", sys.NumOfQPILinksPerSocket)
	fmt.Fprintln(w)

	n := int(sys.NumOfOnlineCores)
	if n > len(state.Counters.Cores) {
		n = len(state.Counters.Cores)
	}
	cores := state.Counters.Cores[:n]
	printCoreRow(w, "Core ID", cores, func(c shm.CoreCounter) string { return strconv.FormatUint(c.CoreID, 10) })
	printCoreRow(w, "Socket ID", cores, func(c shm.CoreCounter) string { return strconv.FormatInt(int64(c.SocketID), 10) })
	printCoreRow(w, "IPC", cores, func(c shm.CoreCounter) string { return strconv.FormatFloat(c.InstructionsPerCycle, 'f', 2, 64) })
	printCoreRow(w, "Inst. Ret.", cores, func(c shm.CoreCounter) string { return strconv.FormatUint(c.InstructionsRetired, 10) })
	printCoreRow(w, "Unhalted Cycles", cores, func(c shm.CoreCounter) string { return strconv.FormatUint(c.UnhaltedCycles, 10) })
	printCoreRow(w, "L3 C Miss", cores, func(c shm.CoreCounter) string { return strconv.FormatUint(c.L3CacheMisses, 10) })
	printCoreRow(w, "Thermal headroom", cores, func(c shm.CoreCounter) string { return strconv.FormatInt(int64(c.ThermalHeadroomK), 10) })
	fmt.Fprintln(w)

	numSockets := int(sys.NumOfOnlineSockets)
	if numSockets > len(state.Counters.Memory.Sockets) {
		numSockets = len(state.Counters.Memory.Sockets)
	}
	printMemRow(w, "Mem Read p/Sock.", numSockets, state.Counters.Memory.Sockets, func(s shm.MemorySocketCounter) float64 { return s.ReadBytesPerSec })
	printMemRow(w, "Mem Write p/Sock.", numSockets, state.Counters.Memory.Sockets, func(s shm.MemorySocketCounter) float64 { return s.WriteBytesPerSec })
	printMemRow(w, "Mem Energy p/Sock (J)", numSockets, state.Counters.Memory.Sockets, func(s shm.MemorySocketCounter) float64 { return s.DRAMEnergyJ })
}

func printCoreRow(w *tabwriter.Writer, title string, cores []shm.CoreCounter, get func(shm.CoreCounter) string) {
	vals := make([]string, len(cores))
	for i, c := range cores {
		vals[i] = get(c)
	}
	fmt.Fprintf(w, "%s\t%s\n", title, strings.Join(vals, " "))
}

func printMemRow(w *tabwriter.Writer, title string, n int, sockets [shm.MaxSockets]shm.MemorySocketCounter, get func(shm.MemorySocketCounter) float64) {
	vals := make([]string, n)
	for i := 0; i < n; i++ {
		vals[i] = strconv.FormatFloat(get(sockets[i]), 'f', 2, 64)
	}
	fmt.Fprintf(w, "%s\t%s\n", title, strings.Join(vals, " "))
}

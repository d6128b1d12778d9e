package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opcm/opcmd/pkg/errors"
	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/aggregator"
	"github.com/opcm/opcmd/pkg/pmu/engine"
	"github.com/opcm/opcmd/pkg/pmu/eventdb"
	"github.com/opcm/opcmd/pkg/pmu/httpd"
	"github.com/opcm/opcmd/pkg/pmu/memtest"
	"github.com/opcm/opcmd/pkg/pmu/platform"
	"github.com/opcm/opcmd/pkg/pmu/ral"
	"github.com/opcm/opcmd/pkg/pmu/sampler"
	"github.com/opcm/opcmd/pkg/pmu/shm"
	"github.com/opcm/opcmd/pkg/pmu/topology"
	"github.com/opcm/opcmd/pkg/pmu/uncoreresolve"
)

var flags struct {
	pollMs   int
	group    string
	debug    bool
	shmGroup string
	mode     string
	shmID    string
	shmPath  string
	httpAddr string
}

func main() {
	root := &cobra.Command{
		Use:   "opcmd",
		Short: "performance-counter monitoring daemon",
		RunE:  run,
	}

	root.Flags().IntVarP(&flags.pollMs, "poll", "p", 1000, "sample poll interval in milliseconds, must be > 0")
	root.Flags().StringVarP(&flags.group, "counters", "c", "all", "counter group: core, memory, qpi, or all")
	root.Flags().BoolVarP(&flags.debug, "debug", "d", false, "debug/no-fork foreground mode with verbose logging")
	root.Flags().StringVarP(&flags.shmGroup, "shm-group", "g", "", "unix group to own the shared-memory segment (mode 0660)")
	root.Flags().StringVarP(&flags.mode, "publish-mode", "m", "difference", "difference or absolute")
	root.Flags().StringVarP(&flags.shmID, "shm-id-file", "s", "", "file to write the shared-memory segment identifier to")
	root.Flags().StringVar(&flags.shmPath, "shm-path", "/dev/shm/opcm.shm", "backing file for the shared-memory region")
	root.Flags().StringVar(&flags.httpAddr, "http-addr", ":9738", "HTTP listen address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := pmu.Config{
		PollInterval: time.Duration(flags.pollMs) * time.Millisecond,
		Groups:       []pmu.CounterGroup{pmu.CounterGroup(flags.group)},
		Debug:        flags.debug,
		PublishMode:  pmu.PublishMode(flags.mode),
		HTTPAddr:     flags.httpAddr,
		ShmEnabled:   flags.shmID != "",
		ShmGroup:     flags.shmGroup,
		ShmIDPath:    flags.shmID,
	}
	cfg.ApplyDefaults()
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}

	logger := newLogger(cfg.Debug)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tree, err := topology.Build(cfg)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	logger.Info("topology built", "threads", len(tree.Threads), "sockets", len(tree.Sockets))

	lock, err := ral.OpenInstanceLock()
	if err != nil {
		return fmt.Errorf("open instance lock: %w", err)
	}

	events, err := eventdb.LoadDefault()
	if err != nil {
		return fmt.Errorf("load event tables: %w", err)
	}

	copt, err := platform.Detect(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("detect platform: %w", err)
	}
	copt.AllowAllGPCounters = cfg.NoAWSWorkaround

	openMSR := func(osID int) (ral.RegisterHandle, error) { return ral.OpenMSR(osID) }
	boxResolver := uncoreresolve.Resolver{
		Root:   func(int) (ral.PciAddress, bool) { return ral.PciAddress{}, false },
		Logger: logger,
	}

	eng := engine.New(tree, openMSR, boxResolver.Open, lock, events, copt)
	if err := eng.Program(engine.ModeDefaultEvents, engine.Params{}); err != nil {
		return fmt.Errorf("program PMUs: %w", err)
	}
	defer func() {
		if err := eng.Cleanup(); err != nil {
			logger.Error(err, "cleanup failed")
		}
	}()

	if buf, err := memtest.Allocate(cfg.HostSysPath); err != nil {
		logger.Info("memory bandwidth self-calibration skipped", "reason", err.Error())
	} else {
		moved, elapsed := buf.Touch()
		logger.Info("memory bandwidth self-calibration", "bytesMoved", moved, "elapsed", elapsed)
		_ = buf.Close()
	}

	agg := aggregator.New(tree, eng, eng.SampleXPILinks)

	ring, err := sampler.NewRing(cfg.RingSize)
	if err != nil {
		return fmt.Errorf("allocate ring: %w", err)
	}

	var publisher sampler.Publisher
	if cfg.ShmEnabled {
		writer, err := shm.Create(flags.shmPath, 0660, cfg.ShmGroup)
		if err != nil {
			return fmt.Errorf("create shared-memory region: %w", err)
		}
		defer writer.Close()
		writer.SetPollMs(uint32(cfg.PollInterval.Milliseconds()))
		if err := shm.WriteIDFile(cfg.ShmIDPath, flags.shmPath); err != nil {
			return fmt.Errorf("write shm id file: %w", err)
		}
		publisher = withPublishMode(writer, cfg.PublishMode)
	}

	loop := sampler.New(agg, publisher, ring, cfg.PollInterval, logger)
	go loop.Run(ctx)
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	hostname, _ := os.Hostname()
	server := httpd.New(ring, hostname)
	httpServer := server.NewHTTPServer(cfg.HTTPAddr)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", cfg.HTTPAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(debug bool) logr.Logger {
	var zl *zap.Logger
	var err error
	if debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// diffPublisher turns every Publish call's cumulative Snapshot into the
// delta since the previous call before forwarding it, the -m difference
// mode spec.md §6 describes. The first snapshot of a run has no
// predecessor, so it is forwarded as-is (effectively a zero delta for
// every counter would be misleading; a prior-reading-less first sample
// is reported absolute).
type diffPublisher struct {
	next sampler.Publisher
	prev pmu.Snapshot
	have bool
}

func withPublishMode(p sampler.Publisher, mode pmu.PublishMode) sampler.Publisher {
	if mode != pmu.PublishDifference {
		return p
	}
	return &diffPublisher{next: p}
}

func (d *diffPublisher) Publish(snap pmu.Snapshot) error {
	out := snap
	if d.have {
		out = diffSnapshot(snap, d.prev)
	}
	d.prev = snap
	d.have = true
	return d.next.Publish(out)
}

func diffSnapshot(cur, prev pmu.Snapshot) pmu.Snapshot {
	out := pmu.Snapshot{Timestamp: cur.Timestamp, DispatchedAt: cur.DispatchedAt}
	out.Threads = make([]pmu.BasicCounterState, len(cur.Threads))
	for i := range cur.Threads {
		if i < len(prev.Threads) {
			out.Threads[i] = cur.Threads[i].Sub(prev.Threads[i])
		} else {
			out.Threads[i] = cur.Threads[i]
		}
	}
	out.Sockets = make([]pmu.UncoreCounterState, len(cur.Sockets))
	for i := range cur.Sockets {
		if i < len(prev.Sockets) {
			out.Sockets[i] = cur.Sockets[i].Sub(prev.Sockets[i])
		} else {
			out.Sockets[i] = cur.Sockets[i]
		}
	}
	out.System.BasicCounterState = cur.System.BasicCounterState.Sub(prev.System.BasicCounterState)
	out.System.UncoreCounterState = cur.System.UncoreCounterState.Sub(prev.System.UncoreCounterState)
	out.System.XPILinks = cur.System.XPILinks
	return out
}

// exitCodeFor maps the spec's "permission, resource, or programming
// failures" exit-code categories (spec.md §6) onto the error taxonomy
// pkg/errors defines.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errors.ErrAccessDenied):
		return 77 // EX_NOPERM, sysexits.h
	case errors.Is(err, errors.ErrPmuBusy):
		return 75 // EX_TEMPFAIL
	case errors.Is(err, errors.ErrUnsupportedProcessor):
		return 69 // EX_UNAVAILABLE
	case errors.Is(err, errors.ErrConfiguration):
		return 78 // EX_CONFIG
	default:
		return 1
	}
}

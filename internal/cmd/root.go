// Package cmd wires the root cobra command: flag parsing, geometry
// resolution, allocation, and the controller/worker/FIFO lifecycle.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llcset/llcset/internal/config"
	"github.com/llcset/llcset/internal/controller"
	"github.com/llcset/llcset/internal/daemonize"
	"github.com/llcset/llcset/internal/fifocmd"
	"github.com/llcset/llcset/internal/geometry"
	"github.com/llcset/llcset/internal/llcalloc"
	"github.com/llcset/llcset/internal/resultfile"
	"github.com/llcset/llcset/internal/timing"
	"github.com/llcset/llcset/internal/touch"
)

// Version is set at build time via -ldflags, the teacher's pattern.
var Version = "dev"

const defaultFifoPath = "/tmp/llcset"

var (
	linesPerSetFlag int
	waysFlag        int
	workersFlag     int
	daemonFlag      bool
	verboseFlag     bool
	benchmarkFlag   bool
	fakeFlag        bool

	setsFlag     int
	slicesFlag   int
	lineSizeFlag int

	outputFlag    string
	fifoPathFlag  string
	configDirFlag string
)

// NewRootCmd builds the single flat-flag root command (spec.md §6: no
// subcommand tree, argv parsing is a thin interface only).
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "llcset",
		Short:         "LLC eviction-set builder and cache touch scheduler",
		Version:       fmt.Sprintf("llcset v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workersFlag < 1 {
				return fmt.Errorf("--workers must be at least 1")
			}
			if waysFlag < 1 {
				return fmt.Errorf("--ways must be at least 1")
			}
			config.SetConfigDir(configDirFlag)
			return nil
		},
		RunE: run,
	}

	flags := cmd.Flags()
	flags.IntVarP(&linesPerSetFlag, "lines-per-set", "l", 0, "target lines per (slice, set); 0 means use the cache geometry's ways of associativity")
	flags.IntVarP(&waysFlag, "ways", "w", 2, "available_ways for the detector")
	flags.IntVarP(&workersFlag, "workers", "t", 1, "parallel touch workers")
	flags.BoolVarP(&daemonFlag, "deamon", "d", false, "daemonize")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "detailed progress")
	flags.BoolVar(&benchmarkFlag, "benchmark", false, "exit after allocation, printing a per-phase timing summary")
	flags.BoolVar(&fakeFlag, "fake", false, "allocate only in_slice_set 0 (smoke test)")

	flags.IntVar(&setsFlag, "sets", 0, "override detected set count (0 ⇒ sysfs auto-discovery)")
	flags.IntVar(&slicesFlag, "slices", 0, "override detected slice count (0 ⇒ CPUs sharing the LLC per sysfs, else runtime.NumCPU())")
	flags.IntVar(&lineSizeFlag, "line-size", 0, "override detected cache line size in bytes (0 ⇒ sysfs auto-discovery)")

	flags.StringVar(&outputFlag, "output", "", "result file directory (default: config/env/tempdir)")
	flags.StringVar(&fifoPathFlag, "fifo", defaultFifoPath, "command FIFO path")
	flags.StringVar(&configDirFlag, "config-dir", "", "override config directory (default: ~/.llcset)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if daemonFlag {
		outDir := config.ResolveOutputDir(outputFlag)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("creating output dir: %w", err)
		}
		if err := daemonize.Run(filepath.Join(outDir, "llcset.log")); err != nil {
			return err
		}
	}

	log := logrus.New()
	if verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	geom, err := resolveGeometry(log)
	if err != nil {
		return fmt.Errorf("resolving geometry: %w", err)
	}
	if err := config.RememberGeometry(config.Geometry{
		LineSize: geom.LineSize, Sets: geom.Sets, Ways: geom.Ways, Slices: geom.Slices,
	}); err != nil {
		log.WithError(err).Warn("could not persist detected geometry")
	}

	alloc, err := llcalloc.Open(geom, uint32(waysFlag), uint32(linesPerSetFlag), int(geom.Sets)*int(geom.LineSize)*4, log)
	if err != nil {
		return fmt.Errorf("opening allocator: %w", err)
	}
	defer alloc.Close()

	start := timing.Now()
	var phases llcalloc.PhaseTimings
	if fakeFlag {
		err = alloc.AllocateSet(0, int(alloc.LinesPerSet()))
	} else {
		phases, err = alloc.AllocateAllSets()
	}
	if err != nil {
		return fmt.Errorf("allocating sets: %w", err)
	}
	log.WithField("duration", timing.Since(start)).Info("allocation finished")

	outDir := config.ResolveOutputDir(outputFlag)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := config.RememberOutputDir(outDir); err != nil {
		log.WithError(err).Warn("could not persist output dir")
	}

	writer := resultfile.New(outDir)
	path, err := writer.Write(alloc.Classified())
	if err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	log.WithFields(logrus.Fields{"path": path, "run_id": writer.RunID()}).Info("result file written")

	if benchmarkFlag {
		if !fakeFlag {
			logBenchmarkSummary(log, phases)
		}
		return nil
	}

	return runController(alloc, log)
}

// logBenchmarkSummary prints the per-phase timing breakdown --benchmark
// promises: warmup (pre-seed + detector setup), detection (the per-set
// classification loop), and repartition, matching the original tool's
// benchmarking.cpp three-phase report.
func logBenchmarkSummary(log *logrus.Logger, phases llcalloc.PhaseTimings) {
	log.WithFields(logrus.Fields{
		"warmup":      phases.Warmup,
		"detection":   phases.Detection,
		"repartition": phases.Repartition,
	}).Info("benchmark: per-phase timing summary")
}

func runController(alloc *llcalloc.Allocator, log *logrus.Logger) error {
	queue, err := fifocmd.Open(fifoPathFlag)
	if err != nil {
		return err
	}
	defer queue.Close()

	workers := make([]*touch.Worker, workersFlag)
	for i := range workers {
		workers[i] = touch.NewWorker(i, alloc, log)
		workers[i].Start()
	}
	defer func() {
		for _, w := range workers {
			w.Stop()
		}
	}()

	return controller.New(queue, alloc, workers, log).Run()
}

func resolveGeometry(log *logrus.Logger) (geometry.Geometry, error) {
	if setsFlag > 0 && slicesFlag > 0 && lineSizeFlag > 0 {
		return geometry.Geometry{
			LineSize: uint32(lineSizeFlag),
			Sets:     uint32(setsFlag),
			Ways:     uint32(waysFlag),
			Slices:   uint32(slicesFlag),
		}, nil
	}

	geom, err := geometry.Detect()
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("sysfs auto-discovery unavailable and flags incomplete: %w", err)
	}
	if setsFlag > 0 {
		geom.Sets = uint32(setsFlag)
	}
	if slicesFlag > 0 {
		geom.Slices = uint32(slicesFlag)
	}
	if lineSizeFlag > 0 {
		geom.LineSize = uint32(lineSizeFlag)
	}
	log.WithFields(logrus.Fields{
		"line_size": geom.LineSize, "sets": geom.Sets, "ways": geom.Ways, "slices": geom.Slices,
	}).Info("geometry resolved")
	return geom, nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

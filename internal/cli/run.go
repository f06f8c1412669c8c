package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/config"
	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/export"
	"github.com/kilupskalvis/hsipatch/internal/ledger"
	"github.com/kilupskalvis/hsipatch/internal/metrics"
	"github.com/kilupskalvis/hsipatch/internal/models"
)

// runFlags are shared by tile and pair. Flags left unset keep the
// configured value.
type runFlags struct {
	storePath   string
	size        int
	stride      int
	channels    int
	boundary    string
	workers     int
	batchSize   int
	compression string
	runID       string
	keysCSV     string
	metricsFile string
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.storePath, "store", "", "Patch store path (default from config)")
	fs.IntVar(&f.size, "size", 0, "Patch height and width in pixels")
	fs.IntVar(&f.stride, "stride", 0, "Window stride in pixels (default: patch size)")
	fs.IntVar(&f.channels, "channels", 0, "Keep only the leading N bands (0 keeps all)")
	fs.StringVar(&f.boundary, "boundary", "", "Boundary policy (inclusive, exclusive)")
	fs.IntVarP(&f.workers, "workers", "j", 0, "Parallel tasks (default: CPUs - 1)")
	fs.IntVar(&f.batchSize, "batch-size", 0, "Entries per store commit")
	fs.StringVar(&f.compression, "compression", "", "Value compression (none, zstd, lz4)")
	fs.StringVar(&f.runID, "run-id", "", "Run identifier (default: random UUID)")
	fs.StringVar(&f.keysCSV, "keys-csv", "", "Write the keys of this run to a CSV file")
	fs.StringVar(&f.metricsFile, "metrics-textfile", "", "Write run metrics in Prometheus text format")
}

// apply overrides cfg with the flags given on the command line and
// validates the result.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("size") {
		cfg.Patch.Height, cfg.Patch.Width = f.size, f.size
		if !fs.Changed("stride") {
			cfg.Patch.StrideHeight, cfg.Patch.StrideWidth = f.size, f.size
		}
	}
	if fs.Changed("stride") {
		cfg.Patch.StrideHeight, cfg.Patch.StrideWidth = f.stride, f.stride
	}
	if fs.Changed("channels") {
		cfg.Patch.Channels = f.channels
	}
	if fs.Changed("boundary") {
		cfg.Patch.Boundary = f.boundary
	}
	if fs.Changed("workers") {
		cfg.Run.Workers = f.workers
	}
	if fs.Changed("batch-size") {
		cfg.Store.BatchSize = f.batchSize
	}
	if fs.Changed("compression") {
		cfg.Store.Compression = f.compression
	}
	if fs.Changed("metrics-textfile") {
		cfg.Run.MetricsTextfile = f.metricsFile
	}
	if f.runID == "" {
		f.runID = ledger.NewRunID()
	}
	return cfg.Validate()
}

// startRun prepares the shared collaborators of a tiling run and journals
// its start.
func startRun(c *cmdContext, f *runFlags, variant models.Variant, inputs int) core.RunOptions {
	c.openStore(f.storePath, c.Config.StoreOptions())
	c.openLedger()
	if c.Ledger != nil {
		err := c.Ledger.Start(&ledger.Run{
			ID:        f.runID,
			Variant:   variant,
			StorePath: c.Store.Path(),
			Inputs:    inputs,
		})
		if err != nil {
			c.Logger.Warn("journal run start", "error", err)
		}
	}
	return core.RunOptions{
		Opener:  rasterOpener(),
		Store:   c.Store,
		Codec:   c.Config.Codec(),
		Workers: c.Config.Run.Workers,
		RunID:   f.runID,
		Logger:  c.Logger,
		Metrics: metrics.New(variant, f.runID),
	}
}

// finishRun journals and reports a run, then exits non-zero if it failed.
func finishRun(c *cmdContext, f *runFlags, opts core.RunOptions, res *core.RunResult) {
	if c.Ledger != nil {
		if err := c.Ledger.Finish(res); err != nil {
			c.Logger.Warn("journal run outcome", "error", err)
		}
	}
	if err := opts.Metrics.WriteTextfile(c.Config.Run.MetricsTextfile); err != nil {
		c.Logger.Warn("write metrics", "error", err)
	}
	if f.keysCSV != "" {
		keys := res.Keys
		if res.Failed() {
			keys = keys[:min(res.Written, len(keys))]
		}
		if err := export.WriteColumnFile(f.keysCSV, c.Config.Export.Column, keys); err != nil {
			c.Logger.Warn("export keys", "error", err)
		}
	}

	printResult(res, c.Store.Path())
	if res.Failed() {
		c.Close()
		exitError("%v", res.Err)
	}
}

func printResult(res *core.RunResult, storePath string) {
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	yellow.Printf("run %s", shortID(res.RunID))
	fmt.Printf(" (%s)\n", res.Variant)
	fmt.Printf("  candidates: %d\n", res.Candidates)
	fmt.Printf("  samples:    %d\n", res.Samples)
	if res.Existing > 0 {
		fmt.Printf("  existing:   %d\n", res.Existing)
	}
	if res.Failed() {
		red.Printf("  failed at %s: %d entries committed, %d discarded\n", res.Stage, res.Written, res.Buffered)
		return
	}
	green.Printf("  wrote %d entries to %s\n", res.Written, storePath)
}

// signalContext is cancelled on SIGINT or SIGTERM so a run stops at the
// next task boundary and keeps its committed batches.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

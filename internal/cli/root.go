// Package cli implements the command-line interface for hsipatch.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/config"
	"github.com/kilupskalvis/hsipatch/internal/ledger"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Ledger *ledger.Ledger
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Logger.Warn("close store", "error", err)
		}
	}
	if c.Ledger != nil {
		c.Ledger.Close()
	}
}

// initContext loads the configuration, or the defaults outside a project.
func initContext() *cmdContext {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger()}
}

// initProjectContext requires an hsipatch project.
func initProjectContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger()}
}

// openStore opens the patch store at path, or the configured one when path
// is empty.
func (c *cmdContext) openStore(path string, opts store.Options) {
	if path == "" {
		path = c.Config.StorePath()
	}
	st, err := store.New(path, opts)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	if !opts.ReadOnly {
		if err := st.Initialize(); err != nil {
			st.Close()
			exitError("failed to initialize store: %v", err)
		}
	}
	c.Store = st
}

// openLedger opens the run journal when inside a project. Without one, runs
// are not journaled.
func (c *cmdContext) openLedger() {
	path := c.Config.LedgerPath()
	if path == "" {
		return
	}
	l, err := ledger.Open(path)
	if err != nil {
		exitError("failed to open ledger: %v", err)
	}
	c.Ledger = l
}

var rootCmd = &cobra.Command{
	Use:   "hsipatch",
	Short: "Hyperspectral patch extraction",
	Long: `hsipatch cuts hyperspectral rasters into fixed-size patches, filters and
normalizes them, and writes the accepted patches into an append-only
key-value store. Co-registered raster pairs can be tiled into
anchor/positive samples for contrastive training.`,
	SilenceUsage: true,
}

var (
	logLevel  string
	logFormat string
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("HSIPATCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOrDefault("HSIPATCH_LOG_FORMAT", "text"), "Log format (json, text)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tileCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(synthCmd)
}

// newLogger builds the stderr logger selected by --log-level and --log-format.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// isNotFound reports whether err means there is no hsipatch project.
func isNotFound(err error) bool {
	return errors.Is(err, config.ErrNotFound)
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/models"
)

var pairCmd = &cobra.Command{
	Use:   "pair --anchors <input>... --positives <input>...",
	Short: "Tile co-registered raster pairs into anchor/positive samples",
	Long: `Tile co-registered anchor and positive rasters with the same grid. Both
input lists are sorted and paired by position. A window is kept when its
anchor patch is mostly valid; both patches are normalized per channel and
written as anchor_<i> and positive_<i>. A store that already holds pairs
is appended to, with numbering continuing after them. The total pair count
is stored as num_samples when the run succeeds.`,
	Args: cobra.NoArgs,
	Run:  runPair,
}

var (
	pairFlags     runFlags
	pairAnchors   []string
	pairPositives []string
	pairLow       float64
	pairHigh      float64
	pairPrecision string
	pairMinValid  float64
)

func init() {
	addRunFlags(pairCmd, &pairFlags)
	fs := pairCmd.Flags()
	fs.StringSliceVar(&pairAnchors, "anchors", nil, "Anchor rasters (files, directories, globs or @list.csv)")
	fs.StringSliceVar(&pairPositives, "positives", nil, "Positive rasters (files, directories, globs or @list.csv)")
	fs.Float64Var(&pairLow, "low", 0, "Lower normalization percentile")
	fs.Float64Var(&pairHigh, "high", 0, "Upper normalization percentile")
	fs.StringVar(&pairPrecision, "precision", "", "Percentile statistics precision (float16, float32)")
	fs.Float64Var(&pairMinValid, "min-valid", 0, "Minimum valid fraction of an anchor patch")
	pairCmd.MarkFlagRequired("anchors")
	pairCmd.MarkFlagRequired("positives")
}

func runPair(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	fs := cmd.Flags()
	if fs.Changed("low") {
		c.Config.Normalize.Low = pairLow
	}
	if fs.Changed("high") {
		c.Config.Normalize.High = pairHigh
	}
	if fs.Changed("precision") {
		c.Config.Normalize.Precision = pairPrecision
	}
	if fs.Changed("min-valid") {
		c.Config.Accept.MinValidFraction = pairMinValid
	}
	if err := pairFlags.apply(cmd, c.Config); err != nil {
		exitError("%v", err)
	}

	anchors, err := expandInputs(pairAnchors)
	if err != nil {
		exitError("anchors: %v", err)
	}
	positives, err := expandInputs(pairPositives)
	if err != nil {
		exitError("positives: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	run := startRun(c, &pairFlags, models.VariantPaired, len(anchors)+len(positives))
	res, _ := core.Pair(ctx, core.PairOptions{
		RunOptions: run,
		Geometry:   c.Config.Geometry(),
		Anchors:    anchors,
		Positives:  positives,
		Predicate:  c.Config.MajorityValid(),
		Normalizer: c.Config.PerChannel(),
	})
	finishRun(c, &pairFlags, run, res)
}

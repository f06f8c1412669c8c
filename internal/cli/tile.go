package cli

import (
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

var tileCmd = &cobra.Command{
	Use:   "tile <raster|dir|glob|@list.csv>...",
	Short: "Cut rasters into patches and store the accepted ones",
	Long: `Cut every input raster into a grid of patches, drop patches that are
mostly no-data, normalize the rest and write them into the patch store
under keys of the form

  <stem>_float32_CHW_<x>_<y>_<overlap>_<channels>_<stride>_<height>_<width>

where stem is the raster file name up to its first dot with '_' and spaces
replaced by '-', x and y are the patch's left and top pixel offsets, and
overlap is the percentage shared with the next patch. Keys already in the
store are skipped, so a failed run can be repeated with the same inputs.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runTile,
}

var (
	tileFlags     runFlags
	tileNormalize string
)

func init() {
	addRunFlags(tileCmd, &tileFlags)
	tileCmd.Flags().StringVar(&tileNormalize, "normalize", "", "Normalization (none, global)")
}

func rasterOpener() raster.Opener {
	return raster.FileOpener{}
}

func runTile(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if cmd.Flags().Changed("normalize") {
		c.Config.Normalize.SingleLevel = tileNormalize
	}
	if err := tileFlags.apply(cmd, c.Config); err != nil {
		exitError("%v", err)
	}
	paths, err := expandInputs(args)
	if err != nil {
		exitError("%v", err)
	}
	predicate, err := c.Config.MajorityBlack()
	if err != nil {
		exitError("%v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	run := startRun(c, &tileFlags, models.VariantSingle, len(paths))
	res, _ := core.Tile(ctx, core.TileOptions{
		RunOptions: run,
		Geometry:   c.Config.Geometry(),
		Paths:      paths,
		Predicate:  predicate,
		Normalizer: c.Config.SingleLevelNormalizer(),
	})
	finishRun(c, &tileFlags, run, res)
}

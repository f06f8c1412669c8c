package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/preview"
)

var previewCmd = &cobra.Command{
	Use:   "preview <raster> [output.png]",
	Short: "Render an RGB preview of a raster",
	Long: `Render three bands of a hyperspectral raster as an RGB PNG, using
histogram equalization or a percentile stretch per band. The output
defaults to the raster name with a .png extension.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runPreview,
}

var (
	previewBands []int
	previewMode  string
	previewLow   float64
	previewHigh  float64
)

func init() {
	fs := previewCmd.Flags()
	fs.IntSliceVar(&previewBands, "bands", preview.DefaultBands[:], "1-based red, green and blue bands")
	fs.StringVar(&previewMode, "mode", string(preview.ModeEqualize), "Intensity mapping (equalize, stretch)")
	fs.Float64Var(&previewLow, "low", 2, "Lower stretch percentile")
	fs.Float64Var(&previewHigh, "high", 98, "Upper stretch percentile")
}

func runPreview(cmd *cobra.Command, args []string) {
	if len(previewBands) != 3 {
		exitError("--bands needs exactly three values, have %d", len(previewBands))
	}
	mode, err := preview.ParseMode(previewMode)
	if err != nil {
		exitError("%v", err)
	}

	out := strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".png"
	if len(args) == 2 {
		out = args[1]
	}

	ds, err := rasterOpener().Open(args[0])
	if err != nil {
		exitError("%v", err)
	}
	defer ds.Close()

	img, err := preview.Composite(ds, preview.Options{
		Bands: [3]int{previewBands[0], previewBands[1], previewBands[2]},
		Mode:  mode,
		Low:   previewLow,
		High:  previewHigh,
	})
	if err != nil {
		exitError("failed to render %s: %v", args[0], err)
	}
	if err := preview.WritePNG(out, img); err != nil {
		exitError("%v", err)
	}

	color.New(color.FgGreen).Printf("Wrote %s", out)
	fmt.Printf(" (%dx%d, bands %v)\n", img.Bounds().Dx(), img.Bounds().Dy(), previewBands)
}

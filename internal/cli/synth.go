package cli

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

var synthCmd = &cobra.Command{
	Use:   "synth <dir>",
	Short: "Write synthetic rasters for smoke tests",
	Long: `Write synthetic multi-band TIFF rasters with smooth spectra, noise and
an optional no-data border. With --pairs, co-registered anchors/ and
positives/ sub-directories are written instead, the positives being a
noisier copy of the anchors.`,
	Args: cobra.ExactArgs(1),
	Run:  runSynth,
}

var (
	synthCount   int
	synthBands   int
	synthHeight  int
	synthWidth   int
	synthDType   string
	synthNoData  float64
	synthSeed    uint64
	synthDeflate bool
	synthPairs   bool
)

func init() {
	fs := synthCmd.Flags()
	fs.IntVarP(&synthCount, "count", "n", 2, "Number of rasters (or pairs)")
	fs.IntVar(&synthBands, "bands", 8, "Bands per raster")
	fs.IntVar(&synthHeight, "height", 320, "Raster height")
	fs.IntVar(&synthWidth, "width", 320, "Raster width")
	fs.StringVar(&synthDType, "dtype", string(models.Uint16), "Sample datatype")
	fs.Float64Var(&synthNoData, "nodata", 0.25, "Fraction of rows at the top filled with the no-data value")
	fs.Uint64Var(&synthSeed, "seed", 1, "Random seed")
	fs.BoolVar(&synthDeflate, "deflate", false, "Deflate-compress the strips")
	fs.BoolVar(&synthPairs, "pairs", false, "Write co-registered anchor/positive pairs")
}

func runSynth(cmd *cobra.Command, args []string) {
	dtype, err := models.ParseDType(synthDType)
	if err != nil {
		exitError("%v", err)
	}
	if synthBands <= 0 || synthHeight <= 0 || synthWidth <= 0 {
		exitError("bands, height and width must be positive")
	}
	if synthNoData < 0 || synthNoData > 1 {
		exitError("--nodata must be within [0, 1]")
	}

	opts := raster.WriteOptions{RowsPerStrip: 16}
	if synthDeflate {
		opts.Compression = raster.CompressionDeflate
	}
	rng := rand.New(rand.NewPCG(synthSeed, synthSeed^0x9e3779b97f4a7c15))
	green := color.New(color.FgGreen)

	write := func(dir, name string, data []float32) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			exitError("%v", err)
		}
		path := filepath.Join(dir, name)
		meta := raster.Meta{Bands: synthBands, Height: synthHeight, Width: synthWidth, DType: dtype}
		if err := raster.WriteTIFF(path, meta, data, opts); err != nil {
			exitError("%v", err)
		}
		green.Printf("wrote ")
		fmt.Println(path)
	}

	for i := range synthCount {
		name := fmt.Sprintf("SYNTH%03d-SPECTRAL_IMAGE.TIF", i)
		data := synthScene(rng, dtype, 0.02)
		if !synthPairs {
			write(args[0], name, data)
			continue
		}
		write(filepath.Join(args[0], "anchors"), name, data)
		write(filepath.Join(args[0], "positives"), name, perturb(rng, data, dtype, 0.05))
	}
}

// synthScene renders smooth per-band spectra over a spatial gradient, with
// relative noise and a no-data band of rows at the top.
func synthScene(rng *rand.Rand, dtype models.DType, noise float64) []float32 {
	lo, hi := dtypeRange(dtype)
	invalid := noDataValue(dtype)
	plane := synthHeight * synthWidth
	data := make([]float32, synthBands*plane)
	blackRows := int(math.Round(synthNoData * float64(synthHeight)))

	for c := range synthBands {
		peak := 0.3 + 0.6*math.Sin(math.Pi*float64(c+1)/float64(synthBands+1))
		for y := range synthHeight {
			for x := range synthWidth {
				i := c*plane + y*synthWidth + x
				if y < blackRows {
					data[i] = invalid
					continue
				}
				v := peak * (0.5 + 0.5*float64(x+y)/float64(synthHeight+synthWidth))
				v += noise * rng.NormFloat64()
				data[i] = quantize(lo+(hi-lo)*clamp01(v), dtype)
			}
		}
	}
	return data
}

func perturb(rng *rand.Rand, data []float32, dtype models.DType, noise float64) []float32 {
	lo, hi := dtypeRange(dtype)
	invalid := noDataValue(dtype)
	out := make([]float32, len(data))
	for i, v := range data {
		if v == invalid {
			out[i] = v
			continue
		}
		rel := (float64(v)-lo)/(hi-lo) + noise*rng.NormFloat64()
		out[i] = quantize(lo+(hi-lo)*clamp01(rel), dtype)
	}
	return out
}

// dtypeRange is the value range synthetic samples are spread over.
func dtypeRange(d models.DType) (float64, float64) {
	switch d {
	case models.Uint8:
		return 1, 255
	case models.Int8:
		return -127, 127
	case models.Uint16:
		return 1, 10000
	case models.Float32, models.Float64:
		return 0, 1
	}
	return -10000, 10000
}

func noDataValue(d models.DType) float32 {
	switch d {
	case models.Uint8, models.Uint16, models.Uint32:
		return 0
	case models.Int8:
		return -128
	}
	return -32768
}

func quantize(v float64, d models.DType) float32 {
	if d == models.Float32 || d == models.Float64 {
		return float32(v)
	}
	return float32(math.Round(v))
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

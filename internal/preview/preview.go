// Package preview renders false-colour composites of hyperspectral rasters.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

// Mode selects how band values are mapped to intensities.
type Mode string

const (
	// ModeEqualize applies histogram equalization per band.
	ModeEqualize Mode = "equalize"
	// ModeStretch clips each band to a percentile range.
	ModeStretch Mode = "stretch"
)

// ParseMode validates a mode name; empty means ModeEqualize.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeEqualize, nil
	case ModeEqualize, ModeStretch:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown preview mode %q", s)
}

// DefaultBands is the 1-based red, green, blue band triple of an EnMAP
// true-colour composite.
var DefaultBands = [3]int{47, 27, 10}

const histogramBins = 256

// Options configures Composite.
type Options struct {
	// Bands are 1-based band numbers for red, green and blue.
	Bands [3]int
	Mode  Mode
	// Low and High are the stretch percentiles. Default 2 and 98.
	Low, High float64
}

func (o Options) withDefaults() Options {
	if o.Bands == [3]int{} {
		o.Bands = DefaultBands
	}
	if o.Mode == "" {
		o.Mode = ModeEqualize
	}
	if o.Low == 0 && o.High == 0 {
		o.Low, o.High = 2, 98
	}
	return o
}

// Composite reads three bands of ds and maps them to an RGB image.
func Composite(ds raster.Dataset, opts Options) (*image.NRGBA, error) {
	opts = opts.withDefaults()
	meta := ds.Meta()
	for _, b := range opts.Bands {
		if b < 1 || b > meta.Bands {
			return nil, fmt.Errorf("band %d outside 1..%d", b, meta.Bands)
		}
	}

	whole, err := ds.Read(models.Window{Height: meta.Height, Width: meta.Width})
	if err != nil {
		return nil, err
	}

	var channels [3][]float64
	for i, b := range opts.Bands {
		plane := whole.Plane(b - 1)
		switch opts.Mode {
		case ModeEqualize:
			channels[i] = Equalize(plane)
		case ModeStretch:
			channels[i] = stretch(plane, meta, opts.Low, opts.High)
		default:
			return nil, fmt.Errorf("unknown preview mode %q", opts.Mode)
		}
	}

	img := image.NewNRGBA(image.Rect(0, 0, meta.Width, meta.Height))
	for y := 0; y < meta.Height; y++ {
		for x := 0; x < meta.Width; x++ {
			i := y*meta.Width + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(channels[0][i]),
				G: toByte(channels[1][i]),
				B: toByte(channels[2][i]),
				A: 255,
			})
		}
	}
	return img, nil
}

// Equalize maps values through their cumulative histogram over 256 bins,
// interpolating between bin centres. A constant band maps to zero.
func Equalize(values []float32) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	x := make([]float64, len(values))
	for i, v := range values {
		x[i] = float64(v)
	}
	sorted := slices.Clone(x)
	slices.Sort(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if !(hi > lo) {
		return out
	}

	dividers := floats.Span(make([]float64, histogramBins+1), lo, hi)
	dividers[histogramBins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)
	cdf := floats.CumSum(make([]float64, histogramBins), counts)
	floats.Scale(1/cdf[histogramBins-1], cdf)

	width := (hi - lo) / histogramBins
	for i, v := range x {
		out[i] = interpolate(v, lo+width/2, width, cdf)
	}
	return out
}

// interpolate evaluates the piecewise-linear curve through
// (first+k*step, ys[k]), clamped at both ends.
func interpolate(v, first, step float64, ys []float64) float64 {
	pos := (v - first) / step
	if pos <= 0 {
		return ys[0]
	}
	k := int(pos)
	if k >= len(ys)-1 {
		return ys[len(ys)-1]
	}
	frac := pos - float64(k)
	return ys[k] + frac*(ys[k+1]-ys[k])
}

func stretch(values []float32, meta raster.Meta, low, high float64) []float64 {
	band := &models.Patch{DType: meta.DType, Channels: 1, Height: meta.Height, Width: meta.Width, Data: values}
	scaled := patch.Display{Low: low, High: high}.Normalize(band)
	top := meta.DType.Max()
	out := make([]float64, len(scaled.Data))
	for i, v := range scaled.Data {
		out[i] = float64(v) / top
	}
	return out
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Min(math.Max(v, 0), 1) * 255))
}

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

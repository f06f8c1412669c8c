package patch

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Normalizer rescales an accepted patch. Implementations return a new patch
// and leave the input untouched.
type Normalizer interface {
	Normalize(p *models.Patch) *models.Patch
}

// Precision selects how per-channel statistics are held.
type Precision string

const (
	PrecisionFloat16 Precision = "float16"
	PrecisionFloat32 Precision = "float32"
)

// ParsePrecision validates a precision name; empty means float16.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "":
		return PrecisionFloat16, nil
	case PrecisionFloat16, PrecisionFloat32:
		return Precision(s), nil
	}
	return "", fmt.Errorf("unknown statistics precision %q", s)
}

func (p Precision) round(v float64) float64 {
	if p == PrecisionFloat32 {
		return float64(float32(v))
	}
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

// PerChannel rescales every channel by its own low/high percentiles. Samples
// are clipped into [low, high] first, so outputs stay within [0, 1]; a
// channel whose range is zero comes out as all zeros.
type PerChannel struct {
	Low       float64
	High      float64
	Precision Precision
}

// Normalize implements Normalizer.
func (n PerChannel) Normalize(p *models.Patch) *models.Patch {
	out := models.NewPatch(p.DType, p.Channels, p.Height, p.Width)
	for c := 0; c < p.Channels; c++ {
		src, dst := p.Plane(c), out.Plane(c)
		stats := Percentiles(src, n.Low, n.High)
		lo, hi := n.Precision.round(stats[0]), n.Precision.round(stats[1])
		scaleInto(dst, src, lo, hi, 1)
	}
	return out
}

// Global clips the whole patch into one low/high percentile pair and
// rescales to [0, 1].
type Global struct {
	Low  float64
	High float64
}

// Normalize implements Normalizer.
func (n Global) Normalize(p *models.Patch) *models.Patch {
	out := models.NewPatch(p.DType, p.Channels, p.Height, p.Width)
	stats := Percentiles(p.Data, n.Low, n.High)
	scaleInto(out.Data, p.Data, stats[0], stats[1], 1)
	return out
}

// Display behaves like Global but rescales into [0, DType.Max()] and rounds
// to whole values of the source datatype. It is meant for viewing, not for
// training data.
type Display struct {
	Low  float64
	High float64
}

// Normalize implements Normalizer.
func (n Display) Normalize(p *models.Patch) *models.Patch {
	out := models.NewPatch(p.DType, p.Channels, p.Height, p.Width)
	stats := Percentiles(p.Data, n.Low, n.High)
	top := p.DType.Max()
	scaleInto(out.Data, p.Data, stats[0], stats[1], top)
	if !p.DType.IsFloat() {
		for i, v := range out.Data {
			out.Data[i] = float32(math.Floor(float64(v)))
		}
	}
	return out
}

// Identity returns a copy of the patch.
type Identity struct{}

// Normalize implements Normalizer.
func (Identity) Normalize(p *models.Patch) *models.Patch {
	out := models.NewPatch(p.DType, p.Channels, p.Height, p.Width)
	copy(out.Data, p.Data)
	return out
}

// scaleInto writes (clip(v, lo, hi) - lo) / (hi - lo) * top for every sample.
// A zero or invalid range yields zeros, and NaN samples map to zero.
func scaleInto(dst, src []float32, lo, hi, top float64) {
	span := hi - lo
	if !(span > 0) || math.IsInf(span, 0) {
		clear(dst)
		return
	}
	for i, v := range src {
		if math.IsNaN(float64(v)) {
			dst[i] = 0
			continue
		}
		x := math.Min(math.Max(float64(v), lo), hi)
		dst[i] = float32((x - lo) / span * top)
	}
}

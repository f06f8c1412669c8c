package patch

import (
	"math"
	"slices"
)

// Percentiles returns the q-th percentiles (0..100) of values, interpolating
// linearly between the two nearest ranks at position (n-1)*q/100. This is the
// estimator numpy uses by default, so statistics agree with Python readers of
// the store. NaN samples are ignored, as numpy's nanpercentile does; with
// no other samples every percentile is NaN. values is not modified.
func Percentiles(values []float32, qs ...float64) []float64 {
	out := make([]float64, len(qs))
	sorted := make([]float32, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	slices.Sort(sorted)
	for i, q := range qs {
		out[i] = percentileSorted(sorted, q)
	}
	return out
}

func percentileSorted(sorted []float32, q float64) float64 {
	q = math.Min(math.Max(q, 0), 100)
	pos := float64(len(sorted)-1) * q / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := pos - float64(lo)
	a, b := float64(sorted[lo]), float64(sorted[hi])
	return a + (b-a)*frac
}

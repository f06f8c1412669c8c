package raster

import (
	"fmt"
	"iter"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// BoundaryPolicy decides whether the grid-aligned tile that ends exactly at
// the raster edge is produced.
type BoundaryPolicy string

const (
	// Inclusive ranges origins over 0..dim-size inclusive.
	Inclusive BoundaryPolicy = "inclusive"
	// Exclusive ranges origins over 0..dim-size exclusive, dropping the
	// final edge tile.
	Exclusive BoundaryPolicy = "exclusive"
)

// DefaultBoundaryPolicy is used when configuration leaves the policy empty.
const DefaultBoundaryPolicy = Inclusive

// ParseBoundaryPolicy validates a policy name. The empty string maps to the
// default.
func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	switch BoundaryPolicy(s) {
	case "":
		return DefaultBoundaryPolicy, nil
	case Inclusive, Exclusive:
		return BoundaryPolicy(s), nil
	}
	return "", fmt.Errorf("unknown boundary policy %q (want %q or %q)", s, Inclusive, Exclusive)
}

// AxisCount returns how many window origins fit along one axis.
func AxisCount(dim, size, stride int, policy BoundaryPolicy) int {
	if size <= 0 || stride <= 0 {
		return 0
	}
	last := dim - size
	if last < 0 {
		return 0
	}
	if policy == Exclusive {
		if last == 0 {
			return 0
		}
		return (last-1)/stride + 1
	}
	return last/stride + 1
}

// Grid enumerates the windows of one raster.
type Grid struct {
	Height       int
	Width        int
	PatchHeight  int
	PatchWidth   int
	StrideHeight int
	StrideWidth  int
	Policy       BoundaryPolicy
}

// Rows returns the number of window origins along the vertical axis.
func (g Grid) Rows() int {
	return AxisCount(g.Height, g.PatchHeight, g.StrideHeight, g.Policy)
}

// Cols returns the number of window origins along the horizontal axis.
func (g Grid) Cols() int {
	return AxisCount(g.Width, g.PatchWidth, g.StrideWidth, g.Policy)
}

// Count returns the total number of windows.
func (g Grid) Count() int {
	return g.Rows() * g.Cols()
}

// Windows yields the windows in row-major order (top outer, left inner).
// Each call starts a fresh enumeration.
func (g Grid) Windows() iter.Seq[models.Window] {
	rows, cols := g.Rows(), g.Cols()
	return func(yield func(models.Window) bool) {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				w := models.Window{
					Top:    r * g.StrideHeight,
					Left:   c * g.StrideWidth,
					Height: g.PatchHeight,
					Width:  g.PatchWidth,
				}
				if !yield(w) {
					return
				}
			}
		}
	}
}

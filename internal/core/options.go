package core

import (
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/hsipatch/internal/metrics"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

// Geometry fixes the window layout shared by every raster of a run.
type Geometry struct {
	PatchHeight  int
	PatchWidth   int
	StrideHeight int
	StrideWidth  int
	// Channels keeps the leading bands of each patch; 0 keeps all.
	Channels int
	Policy   raster.BoundaryPolicy
}

// Validate checks sizes and the boundary policy.
func (g Geometry) Validate() error {
	if g.PatchHeight <= 0 || g.PatchWidth <= 0 {
		return fmt.Errorf("patch size %dx%d must be positive", g.PatchHeight, g.PatchWidth)
	}
	if g.StrideHeight <= 0 || g.StrideWidth <= 0 {
		return fmt.Errorf("stride %dx%d must be positive", g.StrideHeight, g.StrideWidth)
	}
	if g.Channels < 0 {
		return fmt.Errorf("channels %d must not be negative", g.Channels)
	}
	if _, err := raster.ParseBoundaryPolicy(string(g.policy())); err != nil {
		return err
	}
	return nil
}

func (g Geometry) policy() raster.BoundaryPolicy {
	if g.Policy == "" {
		return raster.DefaultBoundaryPolicy
	}
	return g.Policy
}

// Grid lays the geometry over a raster of the given size.
func (g Geometry) Grid(height, width int) raster.Grid {
	return raster.Grid{
		Height:       height,
		Width:        width,
		PatchHeight:  g.PatchHeight,
		PatchWidth:   g.PatchWidth,
		StrideHeight: g.StrideHeight,
		StrideWidth:  g.StrideWidth,
		Policy:       g.policy(),
	}
}

// RunOptions carries the collaborators shared by both variants.
type RunOptions struct {
	Opener raster.Opener
	Store  *store.Store
	Codec  patch.Codec
	// Workers bounds parallel tasks; 0 uses DefaultWorkers.
	Workers int
	RunID   string
	Logger  *slog.Logger
	Metrics *metrics.Run
}

func (o RunOptions) validate() error {
	if o.Opener == nil {
		return fmt.Errorf("no raster opener")
	}
	if o.Store == nil {
		return fmt.Errorf("no store")
	}
	return nil
}

func (o RunOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

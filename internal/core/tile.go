package core

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
)

// TileOptions configures a single-level run.
type TileOptions struct {
	RunOptions
	Geometry
	Paths []string
	// Predicate defaults to MajorityBlack with the default regimes.
	Predicate patch.Predicate
	// Normalizer defaults to Identity.
	Normalizer patch.Normalizer
}

type entry struct {
	key   string
	value []byte
}

type tileOutput struct {
	entries    []entry
	candidates int
}

// Tile cuts every raster in opts.Paths into patches and writes the accepted
// ones under single-level keys. One task runs per raster; the returned
// result lists the keys handed to the store, also when the run fails. Keys
// already in the store from an earlier run are skipped, so a failed run can
// be repeated to fill in what it did not commit.
func Tile(ctx context.Context, opts TileOptions) (*RunResult, error) {
	log := opts.logger().With("variant", models.VariantSingle, "run_id", opts.RunID)
	if err := prepareTile(&opts); err != nil {
		res := &RunResult{RunID: opts.RunID, Variant: models.VariantSingle, Stage: StagePrepare, Err: err}
		return res, err
	}

	s, res := openSink(opts.RunOptions, models.VariantSingle, log)
	if s == nil {
		return res, res.Err
	}
	log.Info("tiling", "rasters", len(opts.Paths), "workers", opts.Workers)

	tasks := make([]taskFunc[tileOutput], len(opts.Paths))
	for i, path := range opts.Paths {
		tasks[i] = func(ctx context.Context) (tileOutput, error) {
			return tileRaster(ctx, opts, path)
		}
	}
	err := schedule(ctx, opts.Workers, tasks, func(i int, out tileOutput) error {
		res.Candidates += out.candidates
		for _, e := range out.entries {
			added, err := s.putIfAbsent(e.key, e.value)
			if err != nil {
				return err
			}
			if added {
				res.Samples++
			} else {
				res.Existing++
			}
		}
		log.Debug("raster done", "path", opts.Paths[i], "candidates", out.candidates, "accepted", len(out.entries))
		return nil
	})
	if err != nil {
		return s.fail(stageOf(err), err), err
	}
	res = s.finish(false)
	return res, res.Err
}

func prepareTile(opts *TileOptions) error {
	if err := opts.RunOptions.validate(); err != nil {
		return preconditionf("%v", err)
	}
	if err := opts.Geometry.Validate(); err != nil {
		return preconditionf("%v", err)
	}
	if len(opts.Paths) == 0 {
		return preconditionf("no input rasters")
	}
	stems := make(map[string]string, len(opts.Paths))
	for _, p := range opts.Paths {
		stem := patch.SanitizeStem(p)
		if stem == "" {
			return preconditionf("raster %s has an empty key stem", p)
		}
		if prev, ok := stems[stem]; ok {
			return preconditionf("rasters %s and %s share key stem %q", prev, p, stem)
		}
		stems[stem] = p
	}
	if opts.Predicate == nil {
		opts.Predicate = patch.MajorityBlack{Regimes: patch.DefaultRegimes()}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = patch.Identity{}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	return nil
}

// tileRaster is the per-raster task. It only reads.
func tileRaster(ctx context.Context, opts TileOptions, path string) (out tileOutput, err error) {
	start := time.Now()
	ds, err := opts.Opener.Open(path)
	if err != nil {
		return out, err
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close %s: %w", path, cerr)).ErrorOrNil()
		}
	}()

	meta := ds.Meta()
	stem := patch.SanitizeStem(path)
	overlap := patch.Overlap(opts.StrideHeight, opts.PatchHeight)
	for w := range opts.Grid(meta.Height, meta.Width).Windows() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := ds.Read(w)
		if err != nil {
			return out, err
		}
		out.candidates++
		if !opts.Predicate.Accept(p) {
			continue
		}
		p = opts.Normalizer.Normalize(p).Leading(opts.Channels)
		key := patch.Key{
			Source:      stem,
			DType:       patch.PayloadDType,
			X:           w.Left,
			Y:           w.Top,
			Overlap:     overlap,
			Channels:    p.Channels,
			Stride:      opts.StrideHeight,
			PatchHeight: opts.PatchHeight,
			PatchWidth:  opts.PatchWidth,
		}
		value, err := opts.Codec.Encode(p)
		if err != nil {
			return out, fmt.Errorf("encode %s: %w", key, err)
		}
		out.entries = append(out.entries, entry{key: key.String(), value: value})
	}
	opts.Metrics.ObserveTask(out.candidates, len(out.entries), time.Since(start))
	return out, nil
}

package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

// PairOptions configures a paired run over co-registered raster lists.
type PairOptions struct {
	RunOptions
	Geometry
	// Anchors and Positives are sorted before zipping; the i-th anchor is
	// paired with the i-th positive.
	Anchors   []string
	Positives []string
	// Predicate is applied to the anchor patch. Defaults to MajorityValid.
	Predicate patch.Predicate
	// Normalizer is applied to both patches. Defaults to PerChannel 1/99
	// with float16 statistics.
	Normalizer patch.Normalizer
}

type encodedPair struct {
	anchor   []byte
	positive []byte
}

type pairOutput struct {
	pairs      []encodedPair
	candidates int
}

// Pair tiles anchor/positive raster pairs and writes every accepted pair as
// anchor_{i} and positive_{i}, where i is assigned by the aggregator. A store
// that already holds pairs is appended to: numbering continues after them and
// num_samples records the new total on success. Both halves of a pair are
// committed in the same transaction.
func Pair(ctx context.Context, opts PairOptions) (*RunResult, error) {
	log := opts.logger().With("variant", models.VariantPaired, "run_id", opts.RunID)
	if err := preparePair(&opts); err != nil {
		res := &RunResult{RunID: opts.RunID, Variant: models.VariantPaired, Stage: StagePrepare, Err: err}
		return res, err
	}

	s, res := openSink(opts.RunOptions, models.VariantPaired, log)
	if s == nil {
		return res, res.Err
	}
	log.Info("pairing", "pairs", len(opts.Anchors), "workers", opts.Workers)

	tasks := make([]taskFunc[pairOutput], len(opts.Anchors))
	for i := range opts.Anchors {
		anchor, positive := opts.Anchors[i], opts.Positives[i]
		tasks[i] = func(ctx context.Context) (pairOutput, error) {
			return tilePair(ctx, opts, anchor, positive)
		}
	}
	err := schedule(ctx, opts.Workers, tasks, func(i int, out pairOutput) error {
		res.Candidates += out.candidates
		for _, p := range out.pairs {
			idx := res.Existing + res.Samples
			keys := []string{patch.PairKey(patch.RoleAnchor, idx), patch.PairKey(patch.RolePositive, idx)}
			if err := s.put(keys, [][]byte{p.anchor, p.positive}); err != nil {
				return err
			}
			res.Samples++
		}
		log.Debug("pair done", "anchor", opts.Anchors[i], "candidates", out.candidates, "accepted", len(out.pairs))
		return nil
	})
	if err != nil {
		return s.fail(stageOf(err), err), err
	}
	res = s.finish(true)
	return res, res.Err
}

func preparePair(opts *PairOptions) error {
	if err := opts.RunOptions.validate(); err != nil {
		return preconditionf("%v", err)
	}
	if err := opts.Geometry.Validate(); err != nil {
		return preconditionf("%v", err)
	}
	if len(opts.Anchors) == 0 {
		return preconditionf("no anchor rasters")
	}
	if len(opts.Anchors) != len(opts.Positives) {
		return preconditionf("%d anchor rasters but %d positive rasters", len(opts.Anchors), len(opts.Positives))
	}
	opts.Anchors = slices.Sorted(slices.Values(opts.Anchors))
	opts.Positives = slices.Sorted(slices.Values(opts.Positives))
	if opts.Predicate == nil {
		opts.Predicate = patch.MajorityValid{MinValidFraction: patch.DefaultMinValidFraction}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = patch.PerChannel{Low: 1, High: 99, Precision: patch.PrecisionFloat16}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	return nil
}

// tilePair is the per-pair task. Both rasters must share height and width;
// band counts may differ.
func tilePair(ctx context.Context, opts PairOptions, anchorPath, positivePath string) (out pairOutput, err error) {
	start := time.Now()
	var closers []raster.Dataset
	defer func() {
		for _, ds := range closers {
			if cerr := ds.Close(); cerr != nil {
				err = multierror.Append(err, fmt.Errorf("close %s: %w", ds.Meta().Name, cerr)).ErrorOrNil()
			}
		}
	}()

	anchor, err := opts.Opener.Open(anchorPath)
	if err != nil {
		return out, err
	}
	closers = append(closers, anchor)
	positive, err := opts.Opener.Open(positivePath)
	if err != nil {
		return out, err
	}
	closers = append(closers, positive)

	am, pm := anchor.Meta(), positive.Meta()
	if am.Height != pm.Height || am.Width != pm.Width {
		return out, preconditionf("anchor %s is %dx%d but positive %s is %dx%d",
			anchorPath, am.Height, am.Width, positivePath, pm.Height, pm.Width)
	}

	for w := range opts.Grid(am.Height, am.Width).Windows() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a, err := anchor.Read(w)
		if err != nil {
			return out, err
		}
		out.candidates++
		if !opts.Predicate.Accept(a) {
			continue
		}
		p, err := positive.Read(w)
		if err != nil {
			return out, err
		}

		var enc encodedPair
		a = opts.Normalizer.Normalize(a).Leading(opts.Channels)
		if enc.anchor, err = opts.Codec.Encode(a); err != nil {
			return out, fmt.Errorf("encode anchor %s at %s: %w", anchorPath, w, err)
		}
		p = opts.Normalizer.Normalize(p).Leading(opts.Channels)
		if enc.positive, err = opts.Codec.Encode(p); err != nil {
			return out, fmt.Errorf("encode positive %s at %s: %w", positivePath, w, err)
		}
		out.pairs = append(out.pairs, enc)
	}
	opts.Metrics.ObserveTask(out.candidates, len(out.pairs), time.Since(start))
	return out, nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

// addPairs registers n anchor/positive rasters of 4x8 pixels, so a 4x4
// geometry yields two windows per pair. fill gets the pair number.
func addPairs(t *testing.T, o *raster.MemoryOpener, n int, fill func(pair, c, y, x int) float32) (anchors, positives []string) {
	t.Helper()
	for i := 0; i < n; i++ {
		a, p := fmt.Sprintf("l1c/tile%d.tif", i), fmt.Sprintf("l2a/tile%d.tif", i)
		addRaster(t, o, a, 2, 4, 8, models.Uint16, func(c, y, x int) float32 { return fill(i, c, y, x) })
		addRaster(t, o, p, 2, 4, 8, models.Uint16, func(c, y, x int) float32 { return 2 * fill(i, c, y, x) })
		anchors = append(anchors, a)
		positives = append(positives, p)
	}
	return anchors, positives
}

func rampFill(pair, c, y, x int) float32 {
	return float32(1 + pair*1000 + c*100 + y*8 + x)
}

func TestPair_ThreePairsSixSamples(t *testing.T) {
	o := raster.NewMemoryOpener()
	anchors, positives := addPairs(t, o, 3, rampFill)
	st := newTestStore(t, 4)

	res, err := Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 3},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors,
		Positives:  positives,
	})
	require.NoError(t, err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 6, res.Samples)
	assert.Equal(t, 12, res.Written)

	n, ok, err := st.NumSamples()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, n)

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 12)
	assert.Contains(t, keys, "anchor_5")
	assert.Contains(t, keys, "positive_5")
	assert.Equal(t, "anchor_0", res.Keys[0])
	assert.Equal(t, "positive_0", res.Keys[1])

	a := decodeEntry(t, st, "anchor_5")
	p := decodeEntry(t, st, "positive_5")
	assert.Equal(t, []int{2, 4, 4}, a.Shape())
	assert.Equal(t, a.Shape(), p.Shape())
	for _, v := range append(a.Data, p.Data...) {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestPair_RejectsMostlyZeroAnchors(t *testing.T) {
	o := raster.NewMemoryOpener()
	// The left window of every anchor is zero; the right one is valid.
	anchors, positives := addPairs(t, o, 2, func(pair, c, y, x int) float32 {
		if x < 4 {
			return 0
		}
		return rampFill(pair, c, y, x)
	})
	st := newTestStore(t, 0)

	res, err := Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors,
		Positives:  positives,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 2, res.Samples)
	assert.Equal(t, []string{"anchor_0", "positive_0", "anchor_1", "positive_1"}, res.Keys)
}

func TestPair_ConstantPatchNormalizesToZero(t *testing.T) {
	o := raster.NewMemoryOpener()
	anchors, positives := addPairs(t, o, 1, func(int, int, int, int) float32 { return 42 })
	st := newTestStore(t, 0)

	_, err := Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors,
		Positives:  positives,
	})
	require.NoError(t, err)

	for _, key := range []string{"anchor_0", "positive_0", "anchor_1", "positive_1"} {
		p := decodeEntry(t, st, key)
		for _, v := range p.Data {
			require.Equal(t, float32(0), v, key)
		}
	}
}

func TestPair_IndexFollowsSortedInputs(t *testing.T) {
	run := func(delays map[string]time.Duration, reverse bool) (map[string][]byte, *RunResult) {
		o := raster.NewMemoryOpener()
		anchors, positives := addPairs(t, o, 4, rampFill)
		if reverse {
			for i, j := 0, len(anchors)-1; i < j; i, j = i+1, j-1 {
				anchors[i], anchors[j] = anchors[j], anchors[i]
				positives[i], positives[j] = positives[j], positives[i]
			}
		}
		st := newTestStore(t, 3)
		res, err := Pair(context.Background(), PairOptions{
			RunOptions: RunOptions{Opener: delayOpener{Opener: o, delays: delays}, Store: st, Workers: 4},
			Geometry:   tileGeometry(4, 4),
			Anchors:    anchors,
			Positives:  positives,
		})
		require.NoError(t, err)
		return storeContents(t, st), res
	}

	base, _ := run(nil, false)
	slowFirst, res := run(map[string]time.Duration{
		"l1c/tile0.tif": 40 * time.Millisecond,
		"l1c/tile1.tif": 20 * time.Millisecond,
	}, true)
	assert.Equal(t, base, slowFirst)
	assert.Equal(t, 8, res.Samples)

	// tile0 sorts first, so its right window becomes pair 1.
	o := raster.NewMemoryOpener()
	addRaster(t, o, "ref", 2, 4, 8, models.Uint16, func(c, y, x int) float32 { return rampFill(0, c, y, x) })
	ds, err := o.Open("ref")
	require.NoError(t, err)
	win, err := ds.Read(models.Window{Top: 0, Left: 4, Height: 4, Width: 4})
	require.NoError(t, err)
	want, err := patch.Codec{}.Encode(patch.PerChannel{Low: 1, High: 99, Precision: patch.PrecisionFloat16}.Normalize(win))
	require.NoError(t, err)
	assert.Equal(t, want, slowFirst["anchor_1"])
}

func TestPair_Preconditions(t *testing.T) {
	o := raster.NewMemoryOpener()
	anchors, positives := addPairs(t, o, 2, rampFill)
	st := newTestStore(t, 0)

	t.Run("count mismatch", func(t *testing.T) {
		res, err := Pair(context.Background(), PairOptions{
			RunOptions: RunOptions{Opener: o, Store: st},
			Geometry:   tileGeometry(4, 4),
			Anchors:    anchors,
			Positives:  positives[:1],
		})
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Contains(t, pre.Reason, "2 anchor rasters but 1 positive")
		assert.Equal(t, StagePrepare, res.Stage)

		keys, err := st.Keys()
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Pair(context.Background(), PairOptions{
			RunOptions: RunOptions{Opener: o, Store: st},
			Geometry:   tileGeometry(4, 4),
		})
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		addRaster(t, o, "odd/tile.tif", 2, 4, 12, models.Uint16, constant(3))
		res, err := Pair(context.Background(), PairOptions{
			RunOptions: RunOptions{Opener: o, Store: st},
			Geometry:   tileGeometry(4, 4),
			Anchors:    anchors[:1],
			Positives:  []string{"odd/tile.tif"},
		})
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, StageRead, res.Stage)
		assert.Zero(t, res.Written)
	})
}

func TestPair_FailureSkipsSampleCount(t *testing.T) {
	o := raster.NewMemoryOpener()
	anchors, positives := addPairs(t, o, 2, rampFill)
	anchors = append(anchors, "l1c/tile9.tif")
	positives = append(positives, "l2a/tile9.tif")
	o.Fail("l1c/tile9.tif", errors.New("permission denied"))
	st := newTestStore(t, 5)

	res, err := Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors,
		Positives:  positives,
	})
	var openErr *AssetOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StageRead, res.Stage)
	assert.Equal(t, 4, res.Samples)
	assert.Len(t, res.Keys, 8)
	assert.Equal(t, 6, res.Written)
	assert.Equal(t, 2, res.Buffered)

	_, ok, err := st.NumSamples()
	require.NoError(t, err)
	assert.False(t, ok)

	// A batch boundary never separates the halves of a pair.
	assert.Equal(t, 3, countPrefix(t, st, "anchor_"))
	assert.Equal(t, 3, countPrefix(t, st, "positive_"))

	// Running the good pairs again appends after the committed ones.
	res, err = Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors[:2],
		Positives:  positives[:2],
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Existing)
	assert.Equal(t, "anchor_3", res.Keys[0])
	n, ok, err := st.NumSamples()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, n)
}

func TestPair_SecondRunAppends(t *testing.T) {
	o := raster.NewMemoryOpener()
	anchors, positives := addPairs(t, o, 2, rampFill)
	st := newTestStore(t, 3)
	opts := PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 2},
		Geometry:   tileGeometry(4, 4),
		Anchors:    anchors,
		Positives:  positives,
	}

	first, err := Pair(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, first.Existing)
	assert.Equal(t, 4, first.Samples)

	second, err := Pair(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StageDone, second.Stage)
	assert.Equal(t, 4, second.Existing)
	assert.Equal(t, 4, second.Samples)
	assert.Equal(t, 8, second.Written)
	assert.Equal(t, []string{"anchor_4", "positive_4"}, second.Keys[:2])

	n, ok, err := st.NumSamples()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, n)

	contents := storeContents(t, st)
	assert.Len(t, contents, 16)
	assert.Equal(t, contents["anchor_0"], contents["anchor_4"])
	assert.Equal(t, contents["positive_3"], contents["positive_7"])
}

func TestPair_StoreOfOtherVariant(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "scene.tif", 1, 4, 4, models.Float32, constant(1))
	st := newTestStore(t, 0)
	_, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 4),
		Paths:      []string{"scene.tif"},
	})
	require.NoError(t, err)

	// The rasters are never registered: the run must stop before opening them.
	res, err := Pair(context.Background(), PairOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 4),
		Anchors:    []string{"l1c/missing.tif"},
		Positives:  []string{"l2a/missing.tif"},
	})
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Contains(t, pre.Reason, "holds single patches")
	assert.Equal(t, StagePrepare, res.Stage)
	assert.Empty(t, res.Keys)

	// The writer was never taken.
	w, err := st.Begin()
	require.NoError(t, err)
	w.Discard()
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

func tileGeometry(size, stride int) Geometry {
	return Geometry{
		PatchHeight:  size,
		PatchWidth:   size,
		StrideHeight: stride,
		StrideWidth:  stride,
		Policy:       raster.Inclusive,
	}
}

func TestTile_TwoRastersFourWindowsEach(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "scene_a.tif", 1, 320, 320, models.Float32, constant(5))
	addRaster(t, o, "scene_b.tif", 1, 320, 320, models.Float32, constant(7))
	st := newTestStore(t, 3)

	res, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 2, RunID: "r1"},
		Geometry:   tileGeometry(160, 160),
		Paths:      []string{"scene_a.tif", "scene_b.tif"},
	})
	require.NoError(t, err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 8, res.Candidates)
	assert.Equal(t, 8, res.Samples)
	assert.Equal(t, 8, res.Written)
	assert.Zero(t, res.Buffered)
	assert.False(t, res.Failed())

	assert.Equal(t, []string{
		"scene-a_float32_CHW_0_0_0_1_160_160_160",
		"scene-a_float32_CHW_160_0_0_1_160_160_160",
		"scene-a_float32_CHW_0_160_0_1_160_160_160",
		"scene-a_float32_CHW_160_160_0_1_160_160_160",
		"scene-b_float32_CHW_0_0_0_1_160_160_160",
		"scene-b_float32_CHW_160_0_0_1_160_160_160",
		"scene-b_float32_CHW_0_160_0_1_160_160_160",
		"scene-b_float32_CHW_160_160_0_1_160_160_160",
	}, res.Keys)

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, res.Keys, keys)

	enc, err := st.Meta(store.MetaEncoding)
	require.NoError(t, err)
	assert.Equal(t, patch.Encoding, enc)
	variant, err := st.Meta(store.MetaVariant)
	require.NoError(t, err)
	assert.Equal(t, "single", variant)
	_, ok, err := st.NumSamples()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTile_RoundTripAndRejection(t *testing.T) {
	o := raster.NewMemoryOpener()
	// Left half is black, right half carries a ramp.
	addRaster(t, o, "/data/L2A tile.TIF", 3, 4, 8, models.Uint16, func(c, y, x int) float32 {
		if x < 4 {
			return 0
		}
		return float32(100*c + 10*y + x)
	})
	st := newTestStore(t, 0)

	geo := tileGeometry(4, 4)
	geo.Channels = 2
	res, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   geo,
		Paths:      []string{"/data/L2A tile.TIF"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Samples)
	require.Equal(t, []string{"L2A-tile_float32_CHW_4_0_0_2_4_4_4"}, res.Keys)

	k, err := patch.ParseKey(res.Keys[0])
	require.NoError(t, err)
	assert.Equal(t, 2, k.Channels)
	assert.Equal(t, models.Float32, k.DType, "key names the stored element type")

	p := decodeEntry(t, st, res.Keys[0])
	assert.Equal(t, []int{2, 4, 4}, p.Shape())
	assert.Equal(t, models.Uint16, p.DType)
	for c := 0; c < 2; c++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				assert.Equal(t, float32(100*c+10*y+x+4), p.At(c, y, x))
			}
		}
	}
}

func TestTile_GlobalNormalization(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "ramp.tif", 1, 8, 8, models.Float32, func(_, y, x int) float32 { return float32(y*8 + x) })
	st := newTestStore(t, 0)

	res, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 2),
		Paths:      []string{"ramp.tif"},
		Normalizer: patch.Global{Low: 2, High: 98},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Samples)

	for _, key := range res.Keys {
		k, err := patch.ParseKey(key)
		require.NoError(t, err)
		assert.Equal(t, 50, k.Overlap)
		p := decodeEntry(t, st, key)
		for _, v := range p.Data {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestTile_FailureKeepsPartialResult(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "a.tif", 1, 4, 8, models.Float32, constant(1))
	addRaster(t, o, "b.tif", 1, 4, 8, models.Float32, constant(1))
	o.Fail("c.tif", errors.New("truncated file"))
	st := newTestStore(t, 3)

	res, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   tileGeometry(4, 4),
		Paths:      []string{"a.tif", "b.tif", "c.tif"},
	})
	require.Error(t, err)
	var openErr *AssetOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "c.tif", openErr.Path)

	assert.Equal(t, err, res.Err)
	assert.Equal(t, StageRead, res.Stage)
	assert.Len(t, res.Keys, 4)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 1, res.Buffered)

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, res.Keys[:res.Written], keys)

	// Repeating the run fills in what was not committed.
	res, err = Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   tileGeometry(4, 4),
		Paths:      []string{"a.tif", "b.tif"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Existing)
	assert.Equal(t, 1, res.Samples)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, []string{"b_float32_CHW_4_0_0_1_4_4_4"}, res.Keys)
	assert.Equal(t, 4, countPrefix(t, st, ""))
}

func TestTile_RepeatSkipsStoredKeys(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "a.tif", 1, 4, 8, models.Float32, constant(1))
	st := newTestStore(t, 2)
	opts := TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st, Workers: 1},
		Geometry:   tileGeometry(4, 4),
		Paths:      []string{"a.tif"},
	}

	first, err := Tile(context.Background(), opts)
	require.NoError(t, err)
	before := storeContents(t, st)

	second, err := Tile(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StageDone, second.Stage)
	assert.Equal(t, first.Samples, second.Existing)
	assert.Zero(t, second.Samples)
	assert.Zero(t, second.Written)
	assert.Empty(t, second.Keys)
	assert.Equal(t, before, storeContents(t, st))
}

func TestTile_OrderIndependent(t *testing.T) {
	run := func(delays map[string]time.Duration, workers int) map[string][]byte {
		o := raster.NewMemoryOpener()
		for i, name := range []string{"a.tif", "b.tif", "c.tif", "d.tif"} {
			addRaster(t, o, name, 2, 6, 6, models.Int16, func(c, y, x int) float32 {
				return float32(i*1000 + c*100 + y*6 + x)
			})
		}
		st := newTestStore(t, 2)
		_, err := Tile(context.Background(), TileOptions{
			RunOptions: RunOptions{Opener: delayOpener{Opener: o, delays: delays}, Store: st, Workers: workers},
			Geometry:   tileGeometry(3, 3),
			Paths:      []string{"a.tif", "b.tif", "c.tif", "d.tif"},
			Normalizer: patch.PerChannel{Low: 1, High: 99},
		})
		require.NoError(t, err)
		return storeContents(t, st)
	}

	sequential := run(nil, 1)
	shuffled := run(map[string]time.Duration{"a.tif": 30 * time.Millisecond, "b.tif": 10 * time.Millisecond}, 4)
	assert.Len(t, sequential, 16)
	assert.Equal(t, sequential, shuffled)
}

func TestTile_Preconditions(t *testing.T) {
	o := raster.NewMemoryOpener()
	st := newTestStore(t, 0)

	cases := []struct {
		name string
		opts TileOptions
	}{
		{"no rasters", TileOptions{RunOptions: RunOptions{Opener: o, Store: st}, Geometry: tileGeometry(4, 4)}},
		{"no store", TileOptions{RunOptions: RunOptions{Opener: o}, Geometry: tileGeometry(4, 4), Paths: []string{"a"}}},
		{"zero stride", TileOptions{RunOptions: RunOptions{Opener: o, Store: st}, Geometry: tileGeometry(4, 0), Paths: []string{"a"}}},
		{"duplicate stems", TileOptions{
			RunOptions: RunOptions{Opener: o, Store: st},
			Geometry:   tileGeometry(4, 4),
			Paths:      []string{"x/scene.tif", "y/scene.tif"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Tile(context.Background(), tc.opts)
			var pre *PreconditionError
			require.ErrorAs(t, err, &pre)
			assert.Equal(t, StagePrepare, res.Stage)
			assert.Empty(t, res.Keys)
		})
	}
}

func TestTile_WriterBusy(t *testing.T) {
	o := raster.NewMemoryOpener()
	addRaster(t, o, "a.tif", 1, 4, 4, models.Float32, constant(1))
	st := newTestStore(t, 0)
	w, err := st.Begin()
	require.NoError(t, err)
	defer w.Discard()

	res, err := Tile(context.Background(), TileOptions{
		RunOptions: RunOptions{Opener: o, Store: st},
		Geometry:   tileGeometry(4, 4),
		Paths:      []string{"a.tif"},
	})
	var writeErr *StoreWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, store.ErrWriterBusy)
	assert.Equal(t, StagePrepare, res.Stage)
}

package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

// newTestStore creates a patch store in a temp directory.
func newTestStore(t *testing.T, batchSize int) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "patches.db"), store.Options{BatchSize: batchSize})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// addRaster registers an in-memory raster whose samples come from fill.
func addRaster(t *testing.T, o *raster.MemoryOpener, name string, bands, height, width int, dtype models.DType, fill func(c, y, x int) float32) {
	t.Helper()
	data := make([]float32, bands*height*width)
	for c := 0; c < bands; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[(c*height+y)*width+x] = fill(c, y, x)
			}
		}
	}
	m, err := raster.NewMemory(raster.Meta{Name: name, Bands: bands, Height: height, Width: width, DType: dtype}, data)
	require.NoError(t, err)
	o.Add(m)
}

func constant(v float32) func(c, y, x int) float32 {
	return func(int, int, int) float32 { return v }
}

// delayOpener holds Open for a per-path delay, to shuffle completion order.
type delayOpener struct {
	raster.Opener
	delays map[string]time.Duration
}

func (d delayOpener) Open(path string) (raster.Dataset, error) {
	time.Sleep(d.delays[path])
	return d.Opener.Open(path)
}

// storeContents returns every entry of st.
func storeContents(t *testing.T, st *store.Store) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	require.NoError(t, st.ForEach(func(k string, v []byte) error {
		out[k] = append([]byte(nil), v...)
		return nil
	}))
	return out
}

func decodeEntry(t *testing.T, st *store.Store, key string) *models.Patch {
	t.Helper()
	v, err := st.Get(key)
	require.NoError(t, err)
	require.NotNil(t, v, "missing key %s", key)
	p, err := patch.Decode(v)
	require.NoError(t, err)
	return p
}

func countPrefix(t *testing.T, st *store.Store, prefix string) int {
	t.Helper()
	n, err := st.CountPrefix(prefix)
	require.NoError(t, err)
	return n
}

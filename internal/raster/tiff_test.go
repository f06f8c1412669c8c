package raster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

func writeFixture(t *testing.T, meta Meta, data []float32, opts WriteOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), meta.Name)
	require.NoError(t, WriteTIFF(path, meta, data, opts))
	return path
}

func TestTIFF_RoundTripLayouts(t *testing.T) {
	meta := Meta{Name: "scene.TIF", Bands: 3, Height: 37, Width: 29, DType: models.Uint16}
	data := ramp(3, 37, 29)

	layouts := map[string]WriteOptions{
		"separate raw":         {},
		"separate deflate":     {Compression: CompressionDeflate, RowsPerStrip: 4},
		"interleaved raw":      {Interleaved: true, RowsPerStrip: 8},
		"interleaved deflate":  {Interleaved: true, Compression: CompressionDeflate, RowsPerStrip: 5},
		"single strip":         {RowsPerStrip: 37},
		"oversized strip rows": {RowsPerStrip: 1000},
	}
	windows := []models.Window{
		{Top: 0, Left: 0, Height: 37, Width: 29},
		{Top: 3, Left: 7, Height: 10, Width: 11},
		{Top: 27, Left: 19, Height: 10, Width: 10},
	}

	for name, opts := range layouts {
		t.Run(name, func(t *testing.T) {
			path := writeFixture(t, meta, data, opts)
			ds, err := OpenTIFF(path)
			require.NoError(t, err)
			defer ds.Close()

			got := ds.Meta()
			assert.Equal(t, "scene.TIF", got.Name)
			assert.Equal(t, 3, got.Bands)
			assert.Equal(t, 37, got.Height)
			assert.Equal(t, 29, got.Width)
			assert.Equal(t, models.Uint16, got.DType)

			mem, err := NewMemory(meta, data)
			require.NoError(t, err)
			for _, w := range windows {
				want, err := mem.Read(w)
				require.NoError(t, err)
				p, err := ds.Read(w)
				require.NoError(t, err)
				assert.Equal(t, want.Data, p.Data, "window %s", w)
			}
		})
	}
}

func TestTIFF_SignedAndFloat(t *testing.T) {
	for _, dt := range []models.DType{models.Int16, models.Int32, models.Float32, models.Float64, models.Uint8} {
		t.Run(string(dt), func(t *testing.T) {
			meta := Meta{Name: "s.tif", Bands: 2, Height: 6, Width: 5, DType: dt}
			data := make([]float32, 60)
			for i := range data {
				data[i] = float32(i % 100)
				if dt != models.Uint8 && i%3 == 0 {
					data[i] = -data[i]
				}
			}
			path := writeFixture(t, meta, data, WriteOptions{RowsPerStrip: 2})
			ds, err := OpenTIFF(path)
			require.NoError(t, err)
			defer ds.Close()

			assert.Equal(t, dt, ds.Meta().DType)
			p, err := ds.Read(models.Window{Height: 6, Width: 5})
			require.NoError(t, err)
			assert.Equal(t, data, p.Data)
		})
	}
}

func TestTIFF_ReadOutOfBounds(t *testing.T) {
	meta := Meta{Name: "s.tif", Bands: 1, Height: 4, Width: 4, DType: models.Uint8}
	path := writeFixture(t, meta, make([]float32, 16), WriteOptions{})
	ds, err := OpenTIFF(path)
	require.NoError(t, err)
	defer ds.Close()

	_, err = ds.Read(models.Window{Top: 2, Left: 0, Height: 4, Width: 4})
	var wre *WindowReadError
	assert.ErrorAs(t, err, &wre)
}

func TestOpenTIFF_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenTIFF(filepath.Join(dir, "missing.tif"))
	var aoe *AssetOpenError
	require.ErrorAs(t, err, &aoe)

	junk := filepath.Join(dir, "junk.tif")
	require.NoError(t, os.WriteFile(junk, []byte("this is not a tiff file"), 0644))
	_, err = OpenTIFF(junk)
	require.ErrorAs(t, err, &aoe)
	assert.Contains(t, err.Error(), "not a TIFF")

	tiny := filepath.Join(dir, "tiny.tif")
	require.NoError(t, os.WriteFile(tiny, []byte("II"), 0644))
	_, err = OpenTIFF(tiny)
	assert.ErrorAs(t, err, &aoe)
}

func TestFileOpener(t *testing.T) {
	meta := Meta{Name: "s.tif", Bands: 1, Height: 4, Width: 4, DType: models.Uint16}
	path := writeFixture(t, meta, ramp(1, 4, 4), WriteOptions{})

	ds, err := FileOpener{}.Open(path)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
}

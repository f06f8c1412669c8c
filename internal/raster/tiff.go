package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zlib"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// TIFF tags read by the reader.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
)

// TIFF field types.
const (
	typeByte  = 1
	typeShort = 3
	typeLong  = 4
	typeIFD   = 13
	typeLong8 = 16
	typeIFD8  = 18
)

// Compression schemes.
const (
	CompressionNone       = 1
	CompressionDeflate    = 8
	compressionDeflateOld = 32946
)

const (
	planarChunky   = 1
	planarSeparate = 2
)

var typeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
	13: 4, 16: 8, 17: 8, 18: 8,
}

// maxCachedBlocks bounds the decompressed block cache of one dataset.
const maxCachedBlocks = 8192

// FileOpener opens TIFF files from the local filesystem.
type FileOpener struct{}

// Open implements Opener.
func (FileOpener) Open(path string) (Dataset, error) {
	return OpenTIFF(path)
}

// TIFF is a memory-mapped TIFF or BigTIFF dataset.
type TIFF struct {
	path  string
	f     *os.File
	data  mmap.MMap
	order binary.ByteOrder
	meta  Meta

	planar      int
	compression int
	blockW      int
	blockH      int
	tiled       bool
	across      int
	down        int
	offsets     []uint64
	counts      []uint64
	sample      func(b []byte, i int) float32

	cache *lru.Cache
}

// OpenTIFF maps the file at path and parses its first image directory.
func OpenTIFF(path string) (*TIFF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &AssetOpenError{Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &AssetOpenError{Path: path, Err: err}
	}
	if info.Size() < 8 {
		f.Close()
		return nil, &AssetOpenError{Path: path, Err: fmt.Errorf("file too small for a TIFF header")}
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, &AssetOpenError{Path: path, Err: fmt.Errorf("mmap: %w", err)}
	}

	t := &TIFF{path: path, f: f, data: data}
	if err := t.parse(); err != nil {
		t.Close()
		return nil, &AssetOpenError{Path: path, Err: err}
	}
	t.meta.Name = filepath.Base(path)
	return t, nil
}

// Meta implements Dataset.
func (t *TIFF) Meta() Meta { return t.meta }

// Close unmaps and closes the file.
func (t *TIFF) Close() error {
	var errs []error
	if t.data != nil {
		errs = append(errs, t.data.Unmap())
		t.data = nil
	}
	if t.f != nil {
		errs = append(errs, t.f.Close())
		t.f = nil
	}
	return errors.Join(errs...)
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	// raw holds the value field: 4 bytes for classic TIFF, 8 for BigTIFF.
	raw []byte
}

func (t *TIFF) parse() error {
	switch string(t.data[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return fmt.Errorf("not a TIFF file")
	}

	var (
		ifdOff  uint64
		bigTIFF bool
	)
	switch v := t.order.Uint16(t.data[2:4]); v {
	case 42:
		ifdOff = uint64(t.order.Uint32(t.data[4:8]))
	case 43:
		if len(t.data) < 16 || t.order.Uint16(t.data[4:6]) != 8 {
			return fmt.Errorf("malformed BigTIFF header")
		}
		bigTIFF = true
		ifdOff = t.order.Uint64(t.data[8:16])
	default:
		return fmt.Errorf("unsupported TIFF version %d", v)
	}

	entries, err := t.readIFD(ifdOff, bigTIFF)
	if err != nil {
		return err
	}
	return t.configure(entries)
}

func (t *TIFF) readIFD(off uint64, bigTIFF bool) (map[uint16]ifdEntry, error) {
	countSize, entrySize, valueSize := 2, 12, 4
	if bigTIFF {
		countSize, entrySize, valueSize = 8, 20, 8
	}
	if off+uint64(countSize) > uint64(len(t.data)) {
		return nil, fmt.Errorf("image directory offset %d beyond end of file", off)
	}

	var n uint64
	if bigTIFF {
		n = t.order.Uint64(t.data[off:])
	} else {
		n = uint64(t.order.Uint16(t.data[off:]))
	}
	start := off + uint64(countSize)
	if start+n*uint64(entrySize) > uint64(len(t.data)) {
		return nil, fmt.Errorf("image directory truncated")
	}

	entries := make(map[uint16]ifdEntry, n)
	for i := uint64(0); i < n; i++ {
		e := t.data[start+i*uint64(entrySize):]
		entry := ifdEntry{
			tag: t.order.Uint16(e[0:2]),
			typ: t.order.Uint16(e[2:4]),
		}
		if bigTIFF {
			entry.count = t.order.Uint64(e[4:12])
			entry.raw = e[12 : 12+valueSize]
		} else {
			entry.count = uint64(t.order.Uint32(e[4:8]))
			entry.raw = e[8 : 8+valueSize]
		}
		entries[entry.tag] = entry
	}
	return entries, nil
}

// uints decodes an integer-typed entry.
func (t *TIFF) uints(e ifdEntry) ([]uint64, error) {
	size, ok := typeSizes[e.typ]
	if !ok {
		return nil, fmt.Errorf("tag %d: unknown field type %d", e.tag, e.typ)
	}
	total := e.count * uint64(size)
	buf := e.raw
	if total > uint64(len(e.raw)) {
		var off uint64
		if len(e.raw) == 8 {
			off = t.order.Uint64(e.raw)
		} else {
			off = uint64(t.order.Uint32(e.raw))
		}
		if off+total > uint64(len(t.data)) {
			return nil, fmt.Errorf("tag %d: values beyond end of file", e.tag)
		}
		buf = t.data[off : off+total]
	}

	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte:
			out[i] = uint64(buf[i])
		case typeShort:
			out[i] = uint64(t.order.Uint16(buf[i*2:]))
		case typeLong, typeIFD:
			out[i] = uint64(t.order.Uint32(buf[i*4:]))
		case typeLong8, typeIFD8:
			out[i] = t.order.Uint64(buf[i*8:])
		default:
			return nil, fmt.Errorf("tag %d: field type %d is not an integer", e.tag, e.typ)
		}
	}
	return out, nil
}

func (t *TIFF) scalar(entries map[uint16]ifdEntry, tag uint16, def uint64) (uint64, error) {
	e, ok := entries[tag]
	if !ok {
		return def, nil
	}
	v, err := t.uints(e)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return v[0], nil
}

func (t *TIFF) array(entries map[uint16]ifdEntry, tag uint16) ([]uint64, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing required tag %d", tag)
	}
	return t.uints(e)
}

func (t *TIFF) configure(entries map[uint16]ifdEntry) error {
	width, err := t.scalar(entries, tagImageWidth, 0)
	if err != nil {
		return err
	}
	height, err := t.scalar(entries, tagImageLength, 0)
	if err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("missing image dimensions")
	}
	spp, err := t.scalar(entries, tagSamplesPerPixel, 1)
	if err != nil {
		return err
	}
	bps, err := t.scalar(entries, tagBitsPerSample, 1)
	if err != nil {
		return err
	}
	format, err := t.scalar(entries, tagSampleFormat, 1)
	if err != nil {
		return err
	}
	compression, err := t.scalar(entries, tagCompression, CompressionNone)
	if err != nil {
		return err
	}
	planar, err := t.scalar(entries, tagPlanarConfig, planarChunky)
	if err != nil {
		return err
	}
	predictor, err := t.scalar(entries, tagPredictor, 1)
	if err != nil {
		return err
	}

	dtype, err := sampleDType(format, bps)
	if err != nil {
		return err
	}
	switch compression {
	case CompressionNone, CompressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("unsupported compression %d", compression)
	}
	if predictor != 1 {
		return fmt.Errorf("unsupported predictor %d", predictor)
	}
	if planar != planarChunky && planar != planarSeparate {
		return fmt.Errorf("unsupported planar configuration %d", planar)
	}

	t.meta = Meta{Bands: int(spp), Height: int(height), Width: int(width), DType: dtype}
	t.planar = int(planar)
	t.compression = int(compression)
	t.sample = sampleDecoder(dtype, t.order)

	if _, ok := entries[tagTileWidth]; ok {
		tw, err := t.scalar(entries, tagTileWidth, 0)
		if err != nil {
			return err
		}
		th, err := t.scalar(entries, tagTileLength, 0)
		if err != nil {
			return err
		}
		if tw == 0 || th == 0 {
			return fmt.Errorf("invalid tile size %dx%d", tw, th)
		}
		t.tiled = true
		t.blockW, t.blockH = int(tw), int(th)
		if t.offsets, err = t.array(entries, tagTileOffsets); err != nil {
			return err
		}
		if t.counts, err = t.array(entries, tagTileByteCounts); err != nil {
			return err
		}
	} else {
		rps, err := t.scalar(entries, tagRowsPerStrip, height)
		if err != nil {
			return err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		t.blockW, t.blockH = int(width), int(rps)
		if t.offsets, err = t.array(entries, tagStripOffsets); err != nil {
			return err
		}
		if t.counts, err = t.array(entries, tagStripByteCounts); err != nil {
			return err
		}
	}

	t.across = (t.meta.Width + t.blockW - 1) / t.blockW
	t.down = (t.meta.Height + t.blockH - 1) / t.blockH
	want := t.across * t.down
	if t.planar == planarSeparate {
		want *= t.meta.Bands
	}
	if len(t.offsets) < want || len(t.counts) < want {
		return fmt.Errorf("have %d blocks, want %d", min(len(t.offsets), len(t.counts)), want)
	}

	if t.compression != CompressionNone {
		cache, err := lru.New(maxCachedBlocks)
		if err != nil {
			return err
		}
		t.cache = cache
	}
	return nil
}

func sampleDType(format, bps uint64) (models.DType, error) {
	switch {
	case format == 1 && bps == 8:
		return models.Uint8, nil
	case format == 1 && bps == 16:
		return models.Uint16, nil
	case format == 1 && bps == 32:
		return models.Uint32, nil
	case format == 2 && bps == 8:
		return models.Int8, nil
	case format == 2 && bps == 16:
		return models.Int16, nil
	case format == 2 && bps == 32:
		return models.Int32, nil
	case format == 3 && bps == 32:
		return models.Float32, nil
	case format == 3 && bps == 64:
		return models.Float64, nil
	}
	return "", fmt.Errorf("unsupported sample format %d with %d bits", format, bps)
}

func sampleDecoder(d models.DType, order binary.ByteOrder) func([]byte, int) float32 {
	switch d {
	case models.Uint8:
		return func(b []byte, i int) float32 { return float32(b[i]) }
	case models.Int8:
		return func(b []byte, i int) float32 { return float32(int8(b[i])) }
	case models.Uint16:
		return func(b []byte, i int) float32 { return float32(order.Uint16(b[i*2:])) }
	case models.Int16:
		return func(b []byte, i int) float32 { return float32(int16(order.Uint16(b[i*2:]))) }
	case models.Uint32:
		return func(b []byte, i int) float32 { return float32(order.Uint32(b[i*4:])) }
	case models.Int32:
		return func(b []byte, i int) float32 { return float32(int32(order.Uint32(b[i*4:]))) }
	case models.Float32:
		return func(b []byte, i int) float32 { return math.Float32frombits(order.Uint32(b[i*4:])) }
	default:
		return func(b []byte, i int) float32 { return float32(math.Float64frombits(order.Uint64(b[i*8:]))) }
	}
}

// block returns the decoded bytes of block idx.
func (t *TIFF) block(idx int) ([]byte, error) {
	off, n := t.offsets[idx], t.counts[idx]
	if off+n > uint64(len(t.data)) {
		return nil, fmt.Errorf("block %d beyond end of file", idx)
	}
	raw := t.data[off : off+n]
	if t.compression == CompressionNone {
		return raw, nil
	}

	if v, ok := t.cache.Get(idx); ok {
		return v.([]byte), nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}
	t.cache.Add(idx, buf)
	return buf, nil
}

// blockRows returns how many rows block row by holds. Strips at the bottom
// of the image may be short; tiles are always padded to full size.
func (t *TIFF) blockRows(by int) int {
	if t.tiled {
		return t.blockH
	}
	return min(t.blockH, t.meta.Height-by*t.blockH)
}

// Read implements Dataset.
func (t *TIFF) Read(w models.Window) (*models.Patch, error) {
	meta := t.meta
	meta.Name = t.path
	if err := checkWindow(meta, w); err != nil {
		return nil, err
	}

	bands := t.meta.Bands
	p := models.NewPatch(t.meta.DType, bands, w.Height, w.Width)
	sz := t.meta.DType.Size()
	bx0, bx1 := w.Left/t.blockW, (w.Left+w.Width-1)/t.blockW
	by0, by1 := w.Top/t.blockH, (w.Top+w.Height-1)/t.blockH

	for by := by0; by <= by1; by++ {
		rows := t.blockRows(by)
		y0 := max(w.Top, by*t.blockH)
		y1 := min(w.Top+w.Height, by*t.blockH+rows)
		for bx := bx0; bx <= bx1; bx++ {
			x0 := max(w.Left, bx*t.blockW)
			x1 := min(w.Left+w.Width, (bx+1)*t.blockW)

			if t.planar == planarSeparate {
				for c := 0; c < bands; c++ {
					idx := c*t.across*t.down + by*t.across + bx
					buf, err := t.block(idx)
					if err != nil {
						return nil, &WindowReadError{Path: t.path, Window: w, Err: err}
					}
					if len(buf) < (y1-by*t.blockH-1)*t.blockW*sz+(x1-bx*t.blockW)*sz {
						return nil, &WindowReadError{Path: t.path, Window: w, Err: fmt.Errorf("block %d truncated", idx)}
					}
					for y := y0; y < y1; y++ {
						ry := y - by*t.blockH
						dst := (c*w.Height + y - w.Top) * w.Width
						for x := x0; x < x1; x++ {
							p.Data[dst+x-w.Left] = t.sample(buf, ry*t.blockW+x-bx*t.blockW)
						}
					}
				}
				continue
			}

			idx := by*t.across + bx
			buf, err := t.block(idx)
			if err != nil {
				return nil, &WindowReadError{Path: t.path, Window: w, Err: err}
			}
			if len(buf) < ((y1-by*t.blockH-1)*t.blockW+x1-bx*t.blockW)*bands*sz {
				return nil, &WindowReadError{Path: t.path, Window: w, Err: fmt.Errorf("block %d truncated", idx)}
			}
			for y := y0; y < y1; y++ {
				ry := y - by*t.blockH
				for x := x0; x < x1; x++ {
					base := (ry*t.blockW + x - bx*t.blockW) * bands
					for c := 0; c < bands; c++ {
						p.Data[(c*w.Height+y-w.Top)*w.Width+x-w.Left] = t.sample(buf, base+c)
					}
				}
			}
		}
	}
	return p, nil
}

package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// WriteOptions controls the layout of files produced by WriteTIFF.
type WriteOptions struct {
	// Compression is CompressionNone or CompressionDeflate.
	Compression int
	// RowsPerStrip defaults to 1.
	RowsPerStrip int
	// Interleaved stores all bands of a pixel together instead of one plane
	// per band.
	Interleaved bool
}

// WriteTIFF writes a band-major sample slice as a little-endian striped TIFF.
func WriteTIFF(path string, meta Meta, data []float32, opts WriteOptions) error {
	if want := meta.Bands * meta.Height * meta.Width; len(data) != want {
		return fmt.Errorf("write %s: have %d samples, want %d", path, len(data), want)
	}
	format, err := sampleFormat(meta.DType)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if opts.Compression == 0 {
		opts.Compression = CompressionNone
	}
	if opts.RowsPerStrip <= 0 || opts.RowsPerStrip > meta.Height {
		opts.RowsPerStrip = max(1, min(opts.RowsPerStrip, meta.Height))
	}

	order := binary.LittleEndian
	put := sampleEncoder(meta.DType, order)
	sz := meta.DType.Size()
	strips := (meta.Height + opts.RowsPerStrip - 1) / opts.RowsPerStrip

	var body bytes.Buffer
	body.Write(make([]byte, 8))

	planes := 1
	if !opts.Interleaved {
		planes = meta.Bands
	}
	var offsets, counts []uint32
	for plane := 0; plane < planes; plane++ {
		for s := 0; s < strips; s++ {
			y0 := s * opts.RowsPerStrip
			y1 := min(y0+opts.RowsPerStrip, meta.Height)
			var raw []byte
			if opts.Interleaved {
				raw = make([]byte, (y1-y0)*meta.Width*meta.Bands*sz)
				for y := y0; y < y1; y++ {
					for x := 0; x < meta.Width; x++ {
						for c := 0; c < meta.Bands; c++ {
							i := ((y-y0)*meta.Width+x)*meta.Bands + c
							put(raw[i*sz:], data[(c*meta.Height+y)*meta.Width+x])
						}
					}
				}
			} else {
				raw = make([]byte, (y1-y0)*meta.Width*sz)
				for y := y0; y < y1; y++ {
					for x := 0; x < meta.Width; x++ {
						put(raw[((y-y0)*meta.Width+x)*sz:], data[(plane*meta.Height+y)*meta.Width+x])
					}
				}
			}

			if opts.Compression == CompressionDeflate {
				var zb bytes.Buffer
				zw := zlib.NewWriter(&zb)
				if _, err := zw.Write(raw); err != nil {
					return fmt.Errorf("write %s: deflate strip: %w", path, err)
				}
				if err := zw.Close(); err != nil {
					return fmt.Errorf("write %s: deflate strip: %w", path, err)
				}
				raw = zb.Bytes()
			}
			offsets = append(offsets, uint32(body.Len()))
			counts = append(counts, uint32(len(raw)))
			body.Write(raw)
		}
	}
	if body.Len()%2 == 1 {
		body.WriteByte(0)
	}

	planar := uint32(planarSeparate)
	if opts.Interleaved {
		planar = planarChunky
	}
	bps := make([]uint32, meta.Bands)
	formats := make([]uint32, meta.Bands)
	for i := range bps {
		bps[i] = uint32(sz * 8)
		formats[i] = format
	}
	entries := []writeEntry{
		{tagImageWidth, typeLong, []uint32{uint32(meta.Width)}},
		{tagImageLength, typeLong, []uint32{uint32(meta.Height)}},
		{tagBitsPerSample, typeShort, bps},
		{tagCompression, typeShort, []uint32{uint32(opts.Compression)}},
		{tagPhotometric, typeShort, []uint32{1}},
		{tagStripOffsets, typeLong, offsets},
		{tagSamplesPerPixel, typeShort, []uint32{uint32(meta.Bands)}},
		{tagRowsPerStrip, typeLong, []uint32{uint32(opts.RowsPerStrip)}},
		{tagStripByteCounts, typeLong, counts},
		{tagPlanarConfig, typeShort, []uint32{planar}},
		{tagSampleFormat, typeShort, formats},
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOff := uint32(body.Len())
	extraOff := ifdOff + uint32(2+len(entries)*12+4)
	var ifd, extra bytes.Buffer
	binary.Write(&ifd, order, uint16(len(entries)))
	for _, e := range entries {
		packed := e.pack(order)
		binary.Write(&ifd, order, e.tag)
		binary.Write(&ifd, order, e.typ)
		binary.Write(&ifd, order, uint32(len(e.values)))
		if len(packed) <= 4 {
			field := make([]byte, 4)
			copy(field, packed)
			ifd.Write(field)
			continue
		}
		binary.Write(&ifd, order, extraOff+uint32(extra.Len()))
		extra.Write(packed)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	binary.Write(&ifd, order, uint32(0))

	out := body.Bytes()
	copy(out[0:2], "II")
	order.PutUint16(out[2:4], 42)
	order.PutUint32(out[4:8], ifdOff)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, chunk := range [][]byte{out, ifd.Bytes(), extra.Bytes()} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return f.Close()
}

type writeEntry struct {
	tag    uint16
	typ    uint16
	values []uint32
}

func (e writeEntry) pack(order binary.ByteOrder) []byte {
	if e.typ == typeShort {
		b := make([]byte, 2*len(e.values))
		for i, v := range e.values {
			order.PutUint16(b[i*2:], uint16(v))
		}
		return b
	}
	b := make([]byte, 4*len(e.values))
	for i, v := range e.values {
		order.PutUint32(b[i*4:], v)
	}
	return b
}

func sampleFormat(d models.DType) (uint32, error) {
	switch d {
	case models.Uint8, models.Uint16, models.Uint32:
		return 1, nil
	case models.Int8, models.Int16, models.Int32:
		return 2, nil
	case models.Float32, models.Float64:
		return 3, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", d)
}

func sampleEncoder(d models.DType, order binary.ByteOrder) func([]byte, float32) {
	switch d {
	case models.Uint8:
		return func(b []byte, v float32) { b[0] = uint8(math.Round(float64(v))) }
	case models.Int8:
		return func(b []byte, v float32) { b[0] = byte(int8(math.Round(float64(v)))) }
	case models.Uint16:
		return func(b []byte, v float32) { order.PutUint16(b, uint16(math.Round(float64(v)))) }
	case models.Int16:
		return func(b []byte, v float32) { order.PutUint16(b, uint16(int16(math.Round(float64(v))))) }
	case models.Uint32:
		return func(b []byte, v float32) { order.PutUint32(b, uint32(math.Round(float64(v)))) }
	case models.Int32:
		return func(b []byte, v float32) { order.PutUint32(b, uint32(int32(math.Round(float64(v))))) }
	case models.Float32:
		return func(b []byte, v float32) { order.PutUint32(b, math.Float32bits(v)) }
	default:
		return func(b []byte, v float32) { order.PutUint64(b, math.Float64bits(float64(v))) }
	}
}

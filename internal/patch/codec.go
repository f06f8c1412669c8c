package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Encoded values are laid out as
//
//	magic "HSIP" | version u8 | compression u8 | payload dtype u8 |
//	source dtype u8 | ndim u8 | dims u32 LE * ndim | payload
//
// The payload is the band-major float32 little-endian sample array,
// optionally compressed as a whole. Encoding names this layout in store
// metadata.
const (
	Encoding = "hsip/v1"

	// PayloadDType is the element type of every encoded payload.
	PayloadDType = models.Float32

	magic         = "HSIP"
	formatVersion = 1
	fixedHeader   = len(magic) + 5
)

// ErrBadValue is returned when a stored value cannot be decoded.
var ErrBadValue = errors.New("malformed patch value")

// Compression names the payload compression of encoded values.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

var compressionTags = map[Compression]byte{
	CompressionNone: 0,
	CompressionZstd: 1,
	CompressionLZ4:  2,
}

// ParseCompression validates a compression name; empty means none.
func ParseCompression(s string) (Compression, error) {
	if s == "" {
		return CompressionNone, nil
	}
	c := Compression(s)
	if _, ok := compressionTags[c]; !ok {
		return "", fmt.Errorf("unknown compression %q", s)
	}
	return c, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Codec encodes patches into self-describing values.
type Codec struct {
	Compression Compression
}

// Encode serializes p as float32 samples behind a shape header.
func (c Codec) Encode(p *models.Patch) ([]byte, error) {
	comp := c.Compression
	if comp == "" {
		comp = CompressionNone
	}
	tag, ok := compressionTags[comp]
	if !ok {
		return nil, fmt.Errorf("encode patch: unknown compression %q", comp)
	}
	if p.Len() != len(p.Data) {
		return nil, fmt.Errorf("encode patch: shape %v does not match %d samples", p.Shape(), len(p.Data))
	}

	shape := p.Shape()
	header := make([]byte, fixedHeader+4*len(shape))
	copy(header, magic)
	header[4] = formatVersion
	header[5] = tag
	header[6] = PayloadDType.Tag()
	header[7] = p.DType.Tag()
	header[8] = byte(len(shape))
	for i, d := range shape {
		binary.LittleEndian.PutUint32(header[fixedHeader+4*i:], uint32(d))
	}

	payload := make([]byte, 4*len(p.Data))
	for i, v := range p.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
	}

	switch comp {
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("encode patch: %w", err)
		}
		return enc.EncodeAll(payload, header), nil
	case CompressionLZ4:
		buf := bytes.NewBuffer(header)
		zw := lz4.NewWriter(buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("encode patch: lz4: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("encode patch: lz4: %w", err)
		}
		return buf.Bytes(), nil
	}
	return append(header, payload...), nil
}

// Header is the decoded prefix of a value.
type Header struct {
	Compression Compression
	Payload     models.DType
	Source      models.DType
	Shape       []int
}

// DecodeHeader parses the header of b and returns it with the header length.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < fixedHeader || string(b[:4]) != magic {
		return Header{}, 0, fmt.Errorf("%w: bad magic", ErrBadValue)
	}
	if b[4] != formatVersion {
		return Header{}, 0, fmt.Errorf("%w: unsupported version %d", ErrBadValue, b[4])
	}
	var h Header
	for c, tag := range compressionTags {
		if tag == b[5] {
			h.Compression = c
		}
	}
	if h.Compression == "" {
		return Header{}, 0, fmt.Errorf("%w: unknown compression tag %d", ErrBadValue, b[5])
	}
	var err error
	if h.Payload, err = models.DTypeFromTag(b[6]); err != nil {
		return Header{}, 0, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	if h.Payload != PayloadDType {
		return Header{}, 0, fmt.Errorf("%w: unsupported payload dtype %s", ErrBadValue, h.Payload)
	}
	if h.Source, err = models.DTypeFromTag(b[7]); err != nil {
		return Header{}, 0, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	ndim := int(b[8])
	n := fixedHeader + 4*ndim
	if len(b) < n {
		return Header{}, 0, fmt.Errorf("%w: truncated shape", ErrBadValue)
	}
	h.Shape = make([]int, ndim)
	for i := range h.Shape {
		h.Shape[i] = int(binary.LittleEndian.Uint32(b[fixedHeader+4*i:]))
	}
	return h, n, nil
}

// Decode reverses Codec.Encode.
func Decode(b []byte) (*models.Patch, error) {
	h, n, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if len(h.Shape) != 3 {
		return nil, fmt.Errorf("%w: want 3 dimensions, have %d", ErrBadValue, len(h.Shape))
	}

	samples, ok := sampleCount(h.Shape, math.MaxInt/4)
	if !ok {
		return nil, fmt.Errorf("%w: shape %v is too large", ErrBadValue, h.Shape)
	}
	size := 4 * samples

	payload := b[n:]
	switch h.Compression {
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		if payload, err = dec.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrBadValue, err)
		}
	case CompressionLZ4:
		r := io.LimitReader(lz4.NewReader(bytes.NewReader(payload)), int64(size)+1)
		if payload, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrBadValue, err)
		}
	}
	if len(payload) != size {
		return nil, fmt.Errorf("%w: payload has %d bytes, shape %v needs %d", ErrBadValue, len(payload), h.Shape, size)
	}

	p := models.NewPatch(h.Source, h.Shape[0], h.Shape[1], h.Shape[2])
	for i := range p.Data {
		p.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return p, nil
}

// sampleCount multiplies the dimensions of shape, failing when the product
// exceeds limit.
func sampleCount(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

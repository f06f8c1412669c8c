package patch

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Delimiter separates the fields of a patch key.
const Delimiter = "_"

// Layout is the axis order tag embedded in keys.
const Layout = "CHW"

// Key identifies one single-level patch. Its string form is
//
//	{source}_{dtype}_CHW_{x}_{y}_{overlap}_{channels}_{stride}_{height}_{width}
//
// where x and y are the window's left and top offsets and stride is the
// vertical stride. DType is the element type of the stored payload
// (PayloadDType), not the raster's; the source datatype travels in the
// value header.
type Key struct {
	Source      string
	DType       models.DType
	X           int
	Y           int
	Overlap     int
	Channels    int
	Stride      int
	PatchHeight int
	PatchWidth  int
}

// String renders the key.
func (k Key) String() string {
	return strings.Join([]string{
		k.Source,
		string(k.DType),
		Layout,
		strconv.Itoa(k.X),
		strconv.Itoa(k.Y),
		strconv.Itoa(k.Overlap),
		strconv.Itoa(k.Channels),
		strconv.Itoa(k.Stride),
		strconv.Itoa(k.PatchHeight),
		strconv.Itoa(k.PatchWidth),
	}, Delimiter)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	fields := strings.Split(s, Delimiter)
	if len(fields) != 10 {
		return Key{}, fmt.Errorf("parse key %q: have %d fields, want 10", s, len(fields))
	}
	if fields[0] == "" {
		return Key{}, fmt.Errorf("parse key %q: empty source", s)
	}
	dtype, err := models.ParseDType(fields[1])
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	if fields[2] != Layout {
		return Key{}, fmt.Errorf("parse key %q: layout %q, want %q", s, fields[2], Layout)
	}
	nums := make([]int, 7)
	for i, f := range fields[3:] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return Key{}, fmt.Errorf("parse key %q: field %d: %w", s, i+3, err)
		}
		nums[i] = n
	}
	return Key{
		Source:      fields[0],
		DType:       dtype,
		X:           nums[0],
		Y:           nums[1],
		Overlap:     nums[2],
		Channels:    nums[3],
		Stride:      nums[4],
		PatchHeight: nums[5],
		PatchWidth:  nums[6],
	}, nil
}

// Overlap returns round(100 * (1 - stride/size)).
func Overlap(stride, size int) int {
	if size <= 0 {
		return 0
	}
	return int(math.Round(100 * (1 - float64(stride)/float64(size))))
}

// SanitizeStem reduces a file path to the source field of a key: the base
// name up to its first '.', with the delimiter and whitespace replaced by '-'.
func SanitizeStem(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, name)
}

// Role tags the two halves of a patch pair.
type Role string

const (
	RoleAnchor   Role = "anchor"
	RolePositive Role = "positive"
)

// PairKey returns the key of one half of pair index.
func PairKey(role Role, index int) string {
	return string(role) + Delimiter + strconv.Itoa(index)
}

// ParsePairKey is the inverse of PairKey.
func ParsePairKey(s string) (Role, int, error) {
	role, idx, ok := strings.Cut(s, Delimiter)
	if !ok {
		return "", 0, fmt.Errorf("parse pair key %q: missing delimiter", s)
	}
	if Role(role) != RoleAnchor && Role(role) != RolePositive {
		return "", 0, fmt.Errorf("parse pair key %q: unknown role %q", s, role)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("parse pair key %q: bad index", s)
	}
	return Role(role), n, nil
}

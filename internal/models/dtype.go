package models

import (
	"fmt"
	"math"
)

// DType is a raster pixel datatype. Names follow the numpy spelling because
// they end up inside patch keys read by Python tooling.
type DType string

const (
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Uint16  DType = "uint16"
	Int16   DType = "int16"
	Uint32  DType = "uint32"
	Int32   DType = "int32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// dtypeTags are the stable one-byte identifiers used in encoded values.
var dtypeTags = map[DType]byte{
	Uint8:   1,
	Int8:    2,
	Uint16:  3,
	Int16:   4,
	Uint32:  5,
	Int32:   6,
	Float32: 7,
	Float64: 8,
}

// ParseDType validates a datatype name.
func ParseDType(s string) (DType, error) {
	d := DType(s)
	if _, ok := dtypeTags[d]; !ok {
		return "", fmt.Errorf("unknown dtype %q", s)
	}
	return d, nil
}

// Tag returns the encoding tag of the datatype, or 0 if unknown.
func (d DType) Tag() byte {
	return dtypeTags[d]
}

// DTypeFromTag is the inverse of Tag.
func DTypeFromTag(tag byte) (DType, error) {
	for d, t := range dtypeTags {
		if t == tag {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown dtype tag %d", tag)
}

// Size returns the width of one sample in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether the datatype is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// Max returns the largest representable value for integer types and 1 for
// floating point types, whose display range is the unit interval.
func (d DType) Max() float64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case Uint16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	}
	return 1
}

// Class groups datatypes for acceptance thresholds.
func (d DType) Class() DTypeClass {
	if d == Uint16 {
		return ClassUint16
	}
	return ClassOther
}

// DTypeClass selects a threshold regime for the majority-black predicate.
type DTypeClass string

const (
	ClassUint16 DTypeClass = "uint16"
	ClassOther  DTypeClass = "other"
)

package dtype

import (
	"errors"
	"fmt"
)

// DType identifies the element type of a stored tensor. Names and ordering
// follow the safetensors format so checkpoints can be exported without a
// translation table.
type DType uint8

const (
	BOOL DType = iota
	U8
	I8
	I16
	U16
	F16
	BF16
	I32
	U32
	F32
	F64
	I64
	U64
)

// ErrUnsupported is returned for values outside the enumeration.
var ErrUnsupported = errors.New("unsupported dtype")

var (
	dTypeToSize = [...]int{
		BOOL: 1,
		U8:   1,
		I8:   1,
		I16:  2,
		U16:  2,
		F16:  2,
		BF16: 2,
		I32:  4,
		U32:  4,
		F32:  4,
		F64:  8,
		I64:  8,
		U64:  8,
	}
	dTypeToString = [...]string{
		BOOL: "BOOL",
		U8:   "U8",
		I8:   "I8",
		I16:  "I16",
		U16:  "U16",
		F16:  "F16",
		BF16: "BF16",
		I32:  "I32",
		U32:  "U32",
		F32:  "F32",
		F64:  "F64",
		I64:  "I64",
		U64:  "U64",
	}
	stringToDType = map[string]DType{
		"BOOL": BOOL,
		"U8":   U8,
		"I8":   I8,
		"I16":  I16,
		"U16":  U16,
		"F16":  F16,
		"BF16": BF16,
		"I32":  I32,
		"U32":  U32,
		"F32":  F32,
		"F64":  F64,
		"I64":  I64,
		"U64":  U64,
	}
)

// All returns every supported dtype in enumeration order.
func All() []DType {
	out := make([]DType, 0, len(dTypeToSize))
	for dt := range dTypeToSize {
		out = append(out, DType(dt))
	}
	return out
}

// Validate returns ErrUnsupported if dt is not part of the enumeration.
func (dt DType) Validate() error {
	if int(dt) >= len(dTypeToSize) {
		return fmt.Errorf("%w: DType(%d)", ErrUnsupported, dt)
	}
	return nil
}

// Size returns the size in bytes of one element, or 0 for an invalid value.
func (dt DType) Size() int {
	if dt.Validate() != nil {
		return 0
	}
	return dTypeToSize[dt]
}

func (dt DType) String() string {
	if dt.Validate() != nil {
		return fmt.Sprintf("DType(%d)", dt)
	}
	return dTypeToString[dt]
}

// MarshalText lets the dtype appear by name in TOML documents.
func (dt DType) MarshalText() ([]byte, error) {
	if err := dt.Validate(); err != nil {
		return nil, err
	}
	return []byte(dTypeToString[dt]), nil
}

func (dt *DType) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}

// Parse looks up a dtype by its upper-case name ("F32", "BF16", ...).
func Parse(s string) (DType, error) {
	dt, ok := stringToDType[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	return dt, nil
}

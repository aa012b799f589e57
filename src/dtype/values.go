package dtype

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// All raw buffers are little-endian and row-major.

// EncodeFloat32s packs values as little-endian F32.
func EncodeFloat32s(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// DecodeFloat32s unpacks a little-endian F32 buffer.
func DecodeFloat32s(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// EncodeFloat16s converts values to IEEE half precision (F16).
func EncodeFloat16s(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeBFloat16s truncates values to bfloat16 (BF16).
func EncodeBFloat16s(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(math.Float32bits(v)>>16))
	}
	return out
}

// Encode converts float32 values into a raw buffer of the given dtype.
// Integer dtypes truncate toward zero; BOOL stores v != 0.
func Encode(dt DType, values []float32) ([]byte, error) {
	if err := dt.Validate(); err != nil {
		return nil, err
	}
	switch dt {
	case F32:
		return EncodeFloat32s(values), nil
	case F16:
		return EncodeFloat16s(values), nil
	case BF16:
		return EncodeBFloat16s(values), nil
	}

	size := dt.Size()
	out := make([]byte, size*len(values))
	for i, v := range values {
		b := out[size*i:]
		switch dt {
		case BOOL:
			if v != 0 {
				b[0] = 1
			}
		case U8:
			b[0] = uint8(v)
		case I8:
			b[0] = uint8(int8(v))
		case I16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case U16:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case I32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case U32:
			binary.LittleEndian.PutUint32(b, uint32(v))
		case F64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
		case I64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		case U64:
			binary.LittleEndian.PutUint64(b, uint64(v))
		}
	}
	return out, nil
}

// DecodeValues widens every element of raw to float64, mainly for display.
func DecodeValues(dt DType, raw []byte) ([]float64, error) {
	if err := dt.Validate(); err != nil {
		return nil, err
	}
	size := dt.Size()
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of %s element size %d", len(raw), dt, size)
	}

	out := make([]float64, len(raw)/size)
	for i := range out {
		b := raw[size*i:]
		switch dt {
		case BOOL, U8:
			out[i] = float64(b[0])
		case I8:
			out[i] = float64(int8(b[0]))
		case I16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case U16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case F16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case BF16:
			out[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16))
		case I32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case U32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case F32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case F64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case I64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case U64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

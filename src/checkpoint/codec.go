package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/dtype"
)

const checksumPrefix = "sha256:"

// TensorDescriptor is the shape and element type of one row-major,
// little-endian tensor. An empty shape is a scalar.
type TensorDescriptor struct {
	Name  string
	Shape []int
	DType dtype.DType
}

func (d TensorDescriptor) NumElements() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

func (d TensorDescriptor) ByteSize() int {
	return d.NumElements() * d.DType.Size()
}

// Validate checks the dtype and that every dimension is positive.
func (d TensorDescriptor) Validate() error {
	if err := d.DType.Validate(); err != nil {
		return err
	}
	for i, s := range d.Shape {
		if s <= 0 {
			return fmt.Errorf("%w: dimension %d of %v is not positive", ErrShapeMismatch, i, d.Shape)
		}
	}
	return nil
}

// ToArraySchema builds the store schema for a tensor with the given chunk
// shape.
func ToArraySchema(desc TensorDescriptor, chunks []int) (array_store.ArraySchema, error) {
	if err := desc.Validate(); err != nil {
		return array_store.ArraySchema{}, err
	}
	if len(chunks) != len(desc.Shape) {
		return array_store.ArraySchema{}, fmt.Errorf("%w: chunk rank %d for shape %v", ErrShapeMismatch, len(chunks), desc.Shape)
	}
	for i := range chunks {
		if chunks[i] < 1 || chunks[i] > desc.Shape[i] {
			return array_store.ArraySchema{}, fmt.Errorf("%w: chunk %v does not fit shape %v", ErrShapeMismatch, chunks, desc.Shape)
		}
	}
	return array_store.ArraySchema{
		FormatVersion: array_store.FormatVersion,
		DType:         desc.DType.String(),
		ElementSize:   desc.DType.Size(),
		Shape:         cloneInts(desc.Shape),
		Chunks:        cloneInts(chunks),
		Order:         "C",
	}, nil
}

// FromArraySchema recovers the tensor descriptor of a stored array and
// checks raw against it. The buffer is returned as is.
func FromArraySchema(schema array_store.ArraySchema, raw []byte) (TensorDescriptor, []byte, error) {
	dt, err := dtype.Parse(schema.DType)
	if err != nil {
		return TensorDescriptor{}, nil, err
	}
	if schema.ElementSize != dt.Size() {
		return TensorDescriptor{}, nil, fmt.Errorf("%w: element size %d for dtype %s", ErrSchemaMismatch, schema.ElementSize, dt)
	}
	desc := TensorDescriptor{Shape: cloneInts(schema.Shape), DType: dt}
	if err := desc.Validate(); err != nil {
		return TensorDescriptor{}, nil, err
	}
	if len(raw) != desc.ByteSize() {
		return TensorDescriptor{}, nil, fmt.Errorf("%w: %d bytes for shape %v dtype %s", ErrShapeMismatch, len(raw), desc.Shape, dt)
	}
	return desc, raw, nil
}

// Checksum returns the content checksum recorded in a LocationDescriptor.
func Checksum(buf []byte) string {
	sum := sha256.Sum256(buf)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

func cloneInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return slices.Clone(s)
}

package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/dps_tensors/src/dtype"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrDuplicate         = errors.New("parameter already present")
	ErrNotDeclared       = errors.New("parameter not declared")
	ErrIncompatibleShape = errors.New("assigned tensor does not match declared shape or dtype")
)

// Parameter is one named tensor: row-major little-endian bytes.
type Parameter struct {
	Name  string
	DType dtype.DType
	Shape []int
	Data  []byte
}

// ParameterSource yields the tensors of a model in its natural order.
type ParameterSource interface {
	Parameters() []Parameter
}

// ParameterSink accepts restored tensors by name.
type ParameterSink interface {
	Has(name string) bool
	Assign(name string, dt dtype.DType, shape []int, data []byte) error
}

// NumElements is the product of Shape; a scalar holds one element.
func (p Parameter) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func (p Parameter) ByteSize() int {
	return p.NumElements() * p.DType.Size()
}

// Validate checks name, dtype, dimensions and buffer length.
func (p Parameter) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidParameter)
	}
	if err := p.DType.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidParameter, p.Name, err)
	}
	for i, d := range p.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: %s dimension %d is %d", ErrInvalidParameter, p.Name, i, d)
		}
	}
	if len(p.Data) != p.ByteSize() {
		return fmt.Errorf("%w: %s has %d bytes, shape %v %s needs %d", ErrInvalidParameter, p.Name, len(p.Data), p.Shape, p.DType, p.ByteSize())
	}
	return nil
}

// Clone deep-copies shape and data.
func (p Parameter) Clone() Parameter {
	p.Shape = slices.Clone(p.Shape)
	p.Data = slices.Clone(p.Data)
	return p
}

// Values decodes the data for display.
func (p Parameter) Values() ([]float64, error) {
	return dtype.DecodeValues(p.DType, p.Data)
}

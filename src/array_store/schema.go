package array_store

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
)

// ArraySchema describes one N-dimensional array. The store does not interpret
// DType beyond carrying it; ElementSize drives all byte arithmetic.
type ArraySchema struct {
	FormatVersion int    `toml:"format_version"`
	DType         string `toml:"dtype"`
	ElementSize   int    `toml:"element_size"`
	Shape         []int  `toml:"shape"`
	Chunks        []int  `toml:"chunks"`
	Order         string `toml:"order"` // always "C" (row-major)
}

// Validate checks the invariants every stored schema must satisfy.
func (s ArraySchema) Validate() error {
	if s.DType == "" {
		return fmt.Errorf("%w: empty dtype", ErrInvalidSchema)
	}
	if s.ElementSize <= 0 {
		return fmt.Errorf("%w: element size %d", ErrInvalidSchema, s.ElementSize)
	}
	if len(s.Chunks) != len(s.Shape) {
		return fmt.Errorf("%w: chunk rank %d does not match shape rank %d", ErrInvalidSchema, len(s.Chunks), len(s.Shape))
	}
	for d := range s.Shape {
		if s.Shape[d] <= 0 {
			return fmt.Errorf("%w: dimension %d has size %d", ErrInvalidSchema, d, s.Shape[d])
		}
		if s.Chunks[d] <= 0 || s.Chunks[d] > s.Shape[d] {
			return fmt.Errorf("%w: chunk dimension %d is %d for array dimension %d", ErrInvalidSchema, d, s.Chunks[d], s.Shape[d])
		}
	}
	if s.Order != "" && s.Order != "C" {
		return fmt.Errorf("%w: unsupported order %q", ErrInvalidSchema, s.Order)
	}

	if _, err := checkedProduct(s.Shape, s.ElementSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	chunkBytes, err := checkedProduct(s.Chunks, s.ElementSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if chunkBytes > MaxChunkBytes {
		return fmt.Errorf("%w: chunk of %d bytes exceeds limit %d", ErrInvalidSchema, chunkBytes, MaxChunkBytes)
	}
	return nil
}

// NumElements returns the element count; a rank-0 array holds one element.
func (s ArraySchema) NumElements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// ByteSize returns the size of the full row-major buffer.
func (s ArraySchema) ByteSize() int {
	return s.NumElements() * s.ElementSize
}

// Grid returns the number of chunks along each dimension.
func (s ArraySchema) Grid() []int {
	grid := make([]int, len(s.Shape))
	for d := range s.Shape {
		grid[d] = (s.Shape[d] + s.Chunks[d] - 1) / s.Chunks[d]
	}
	return grid
}

// NumChunks returns the total number of chunks in the grid.
func (s ArraySchema) NumChunks() int {
	n := 1
	for _, g := range s.Grid() {
		n *= g
	}
	return n
}

// Equal reports whether two schemas describe the same stored layout.
func (s ArraySchema) Equal(o ArraySchema) bool {
	return s.DType == o.DType &&
		s.ElementSize == o.ElementSize &&
		slices.Equal(s.Shape, o.Shape) &&
		slices.Equal(s.Chunks, o.Chunks)
}

func (s ArraySchema) normalized() ArraySchema {
	s.FormatVersion = FormatVersion
	if s.Order == "" {
		s.Order = "C"
	}
	s.Shape = slices.Clone(s.Shape)
	s.Chunks = slices.Clone(s.Chunks)
	if s.Shape == nil {
		s.Shape = []int{}
		s.Chunks = []int{}
	}
	return s
}

func checkedProduct(dims []int, elementSize int) (int, error) {
	n := elementSize
	for _, d := range dims {
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("size overflow for dimensions %v", dims)
		}
		n *= d
	}
	return n, nil
}

func (as *ArrayStore) schemaPath(dir string) string {
	return filepath.Join(dir, SchemaFile)
}

func (as *ArrayStore) writeSchema(dir string, schema ArraySchema) error {
	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	encoder.Indent = "  "
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return writeFileAtomic(as.schemaPath(dir), buf.Bytes())
}

func (as *ArrayStore) readSchema(dir string) (ArraySchema, error) {
	var schema ArraySchema
	path := as.schemaPath(dir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ArraySchema{}, ErrArrayNotFound
		}
		return ArraySchema{}, fmt.Errorf("failed to stat schema: %w", err)
	}
	if _, err := toml.DecodeFile(path, &schema); err != nil {
		return ArraySchema{}, fmt.Errorf("%w: failed to decode schema: %v", ErrInvalidSchema, err)
	}
	if schema.FormatVersion != FormatVersion {
		return ArraySchema{}, fmt.Errorf("%w: unsupported format version %d", ErrInvalidSchema, schema.FormatVersion)
	}
	if schema.Shape == nil {
		schema.Shape = []int{}
	}
	if schema.Chunks == nil {
		schema.Chunks = []int{}
	}
	if err := schema.Validate(); err != nil {
		return ArraySchema{}, err
	}
	return schema, nil
}

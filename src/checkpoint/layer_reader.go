package checkpoint

import (
	"context"
	"fmt"
	"slices"
)

// LayerReader loads single tensors described by LocationDescriptors.
type LayerReader struct {
	store Store
}

func NewLayerReader(store Store) *LayerReader {
	return &LayerReader{store: store}
}

// Read loads the tensor at loc. The stored schema must match loc exactly
// and the data must match loc.Checksum; nothing is coerced.
func (lr *LayerReader) Read(ctx context.Context, name string, loc LocationDescriptor) (TensorDescriptor, []byte, error) {
	schema, err := lr.store.ReadSchema(loc.Path)
	if err != nil {
		return TensorDescriptor{}, nil, layerErr("read", name, loc.Path, storeReadErr(err))
	}
	if schema.DType != loc.DType.String() ||
		!slices.Equal(schema.Shape, loc.Shape) ||
		!slices.Equal(schema.Chunks, loc.Chunks) {
		return TensorDescriptor{}, nil, layerErr("read", name, loc.Path, fmt.Errorf(
			"%w: stored shape %v dtype %s chunks %v, expected shape %v dtype %s chunks %v",
			ErrSchemaMismatch, schema.Shape, schema.DType, schema.Chunks, loc.Shape, loc.DType, loc.Chunks))
	}

	schema, raw, err := lr.store.ReadArray(ctx, loc.Path)
	if err != nil {
		return TensorDescriptor{}, nil, layerErr("read", name, loc.Path, storeReadErr(err))
	}
	desc, buf, err := FromArraySchema(schema, raw)
	if err != nil {
		return TensorDescriptor{}, nil, layerErr("read", name, loc.Path, fmt.Errorf("%w: %w", ErrCorruption, err))
	}
	desc.Name = name

	if sum := Checksum(buf); sum != loc.Checksum {
		return TensorDescriptor{}, nil, layerErr("read", name, loc.Path,
			fmt.Errorf("%w: checksum %s, expected %s", ErrCorruption, sum, loc.Checksum))
	}
	return desc, buf, nil
}

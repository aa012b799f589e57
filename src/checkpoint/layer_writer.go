package checkpoint

import (
	"context"
	"fmt"

	"github.com/danmuck/dps_tensors/src/dtype"
)

// LayerWriter stores single tensors under a path prefix.
type LayerWriter struct {
	store     Store
	prefix    string
	policy    LayoutPolicy
	overwrite bool
}

// NewLayerWriter returns a writer placing tensors under prefix (usually a
// generation directory; empty for the store root).
func NewLayerWriter(store Store, prefix string, cfg Config) *LayerWriter {
	cfg = cfg.normalized()
	return &LayerWriter{
		store:     store,
		prefix:    prefix,
		policy:    cfg.layout(),
		overwrite: cfg.Overwrite,
	}
}

// Write stores buf as the tensor name and returns where it went. The
// checksum is taken before any byte reaches the store.
func (lw *LayerWriter) Write(ctx context.Context, name string, buf []byte, shape []int, dt dtype.DType) (LocationDescriptor, error) {
	rel, err := PathFor(name)
	if err != nil {
		return LocationDescriptor{}, layerErr("write", name, "", err)
	}
	path := rel
	if lw.prefix != "" {
		path = lw.prefix + "/" + rel
	}

	desc := TensorDescriptor{Name: name, Shape: cloneInts(shape), DType: dt}
	if err := desc.Validate(); err != nil {
		return LocationDescriptor{}, layerErr("write", name, path, err)
	}
	if len(buf) != desc.ByteSize() {
		return LocationDescriptor{}, layerErr("write", name, path,
			fmt.Errorf("%w: buffer of %d bytes for shape %v dtype %s (want %d)", ErrShapeMismatch, len(buf), desc.Shape, dt, desc.ByteSize()))
	}

	chunks := lw.policy.ChooseChunks(desc.Shape, dt.Size())
	schema, err := ToArraySchema(desc, chunks)
	if err != nil {
		return LocationDescriptor{}, layerErr("write", name, path, err)
	}
	checksum := Checksum(buf)

	if err := lw.store.CreateArray(path, schema, lw.overwrite); err != nil {
		return LocationDescriptor{}, layerErr("write", name, path, storeWriteErr(err))
	}
	if err := lw.store.WriteArray(ctx, path, buf); err != nil {
		return LocationDescriptor{}, layerErr("write", name, path, storeWriteErr(err))
	}

	return LocationDescriptor{
		Path:     path,
		Shape:    desc.Shape,
		DType:    dt,
		Chunks:   chunks,
		Checksum: checksum,
	}, nil
}

package checkpoint

import (
	"errors"
	"fmt"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/dtype"
)

var (
	ErrInvalidName        = errors.New("invalid parameter name")
	ErrUnsupportedDtype   = dtype.ErrUnsupported
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrSchemaMismatch     = errors.New("stored schema does not match location")
	ErrCorruption         = errors.New("checkpoint data corrupt")
	ErrStoreWrite         = errors.New("store write failed")
	ErrStoreRead          = errors.New("store read failed")
	ErrNotFound           = errors.New("array not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrUnknownParameter   = errors.New("unknown parameter")
	ErrDuplicateParameter = errors.New("duplicate parameter")
	ErrInvalidState       = errors.New("invalid checkpoint state")
)

// LayerError describes a failure affecting a single named tensor.
type LayerError struct {
	Name string
	Path string
	Op   string
	Err  error
}

func (e *LayerError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Name, e.Path, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

func layerErr(op, name, path string, err error) *LayerError {
	return &LayerError{Name: name, Path: path, Op: op, Err: err}
}

// storeWriteErr classifies an array store failure raised while writing.
func storeWriteErr(err error) error {
	switch {
	case errors.Is(err, array_store.ErrSchemaConflict):
		return fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	case errors.Is(err, array_store.ErrInvalidPath):
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
}

// storeReadErr classifies an array store failure raised while reading.
func storeReadErr(err error) error {
	switch {
	case errors.Is(err, array_store.ErrArrayNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, array_store.ErrChunkCorrupt),
		errors.Is(err, array_store.ErrChunkMissing),
		errors.Is(err, array_store.ErrInvalidSchema):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
}

// Package interop converts committed checkpoints to and from the
// safetensors file format.
package interop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/dps_tensors/src/checkpoint"
	"github.com/danmuck/dps_tensors/src/dtype"
	"github.com/danmuck/dps_tensors/src/model"
	"github.com/nlpodyssey/safetensors"
)

const (
	// MetaFormat mirrors the key torch writes, so other loaders accept
	// exported files.
	MetaFormat     = "format"
	MetaGeneration = "generation"
	// MetaScalars lists, comma separated, the tensors exported with shape
	// [1] that were rank 0 in the checkpoint.
	MetaScalars = "scalars"
)

var ErrInvalidFile = errors.New("invalid safetensors file")

// ExportSafetensors opens the checkpoint under root and writes every layer
// of its committed index to w. It returns the number of tensors written.
func ExportSafetensors(ctx context.Context, root string, cfg checkpoint.Config, w io.Writer) (int, error) {
	r, err := checkpoint.OpenReader(root, cfg)
	if err != nil {
		return 0, err
	}
	return Export(ctx, r, w)
}

// Export restores the reader's checkpoint in memory and serializes it.
func Export(ctx context.Context, r *checkpoint.Reader, w io.Writer) (int, error) {
	sd := model.NewOpenStateDict()
	if _, err := r.Restore(ctx, sd); err != nil {
		return 0, err
	}
	meta := map[string]string{MetaFormat: "pt"}
	if idx := r.Index(); idx != nil {
		meta[MetaGeneration] = idx.Generation()
	}
	return WriteSafetensors(sd, meta, w)
}

// WriteSafetensors serializes every parameter of src to w. Entries in meta
// are copied into the file header.
func WriteSafetensors(src model.ParameterSource, meta map[string]string, w io.Writer) (int, error) {
	params := src.Parameters()
	views := make(map[string]safetensors.TensorView, len(params))
	var scalars []string
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return 0, err
		}
		dt, err := toSafetensors(p.DType)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", p.Name, err)
		}
		shape := make([]uint64, len(p.Shape))
		for i, d := range p.Shape {
			shape[i] = uint64(d)
		}
		if len(shape) == 0 {
			shape = []uint64{1}
			scalars = append(scalars, p.Name)
		}
		view, err := safetensors.NewTensorView(dt, shape, p.Data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", p.Name, err)
		}
		views[p.Name] = view
	}

	header := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		header[k] = v
	}
	if len(scalars) > 0 {
		sort.Strings(scalars)
		header[MetaScalars] = strings.Join(scalars, ",")
	}
	if err := safetensors.SerializeToWriter(views, header, w); err != nil {
		return 0, err
	}
	return len(views), nil
}

func toSafetensors(dt dtype.DType) (safetensors.DType, error) {
	if err := dt.Validate(); err != nil {
		return 0, err
	}
	return safetensors.ParseDType(dt.String())
}

package interop

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/dps_tensors/src/dtype"
	"github.com/danmuck/dps_tensors/src/model"
	"github.com/edsrzf/mmap-go"
	"github.com/nlpodyssey/safetensors"
)

// ImportSafetensors decodes a whole safetensors buffer into a StateDict,
// ordered by tensor name. Tensor data is copied, so buf may be released
// afterwards.
func ImportSafetensors(buf []byte) (*model.StateDict, error) {
	_, meta, err := safetensors.ReadMetadata(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	scalars := make(map[string]bool)
	if list := meta.Metadata()[MetaScalars]; list != "" {
		for _, name := range strings.Split(list, ",") {
			scalars[name] = true
		}
	}

	names := st.Names()
	sort.Strings(names)
	sd := model.NewStateDict()
	for _, name := range names {
		view, ok := st.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("%w: tensor %q listed but missing", ErrInvalidFile, name)
		}
		dt, err := dtype.Parse(view.DType().String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFile, name, err)
		}
		shape := make([]int, len(view.Shape()))
		for i, d := range view.Shape() {
			shape[i] = int(d)
		}
		if scalars[name] && len(shape) == 1 && shape[0] == 1 {
			shape = []int{}
		}
		// Add clones the data out of buf
		if err := sd.Add(model.Parameter{Name: name, DType: dt, Shape: shape, Data: view.Data()}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
	}
	return sd, nil
}

// ImportSafetensorsFile maps path read-only and decodes it.
func ImportSafetensorsFile(path string) (*model.StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidFile, path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	sd, err := ImportSafetensors(m)
	if uerr := m.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return nil, err
	}
	return sd, nil
}

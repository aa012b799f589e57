package checkpoint

import (
	"context"
	"errors"
)

// VerifyCheckpoint re-reads every tensor the committed index references and
// checks schema and checksum. Returns a list of problems found (empty means
// healthy). Does not modify any state.
func VerifyCheckpoint(ctx context.Context, store Store) []*LayerError {
	idx, err := LoadIndex(store)
	if err != nil {
		return []*LayerError{layerErr("load-index", IndexFile, "", err)}
	}

	reader := NewLayerReader(store)
	var problems []*LayerError
	for _, e := range idx.Entries() {
		if ctx.Err() != nil {
			problems = append(problems, layerErr("verify", e.Name, e.Location.Path, ctx.Err()))
			break
		}
		if _, _, err := reader.Read(ctx, e.Name, e.Location); err != nil {
			var le *LayerError
			if !errors.As(err, &le) {
				le = layerErr("verify", e.Name, e.Location.Path, err)
			}
			problems = append(problems, le)
		}
	}
	return problems
}

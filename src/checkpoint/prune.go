package checkpoint

import (
	"errors"
	"fmt"
	"strings"
)

// PruneReport summarizes a Prune pass.
type PruneReport struct {
	Recovered  int      // unpublished generations rolled back from the intent journal
	Removed    []string // array paths deleted
	Kept       int      // arrays still referenced by the committed index
	BytesFreed int64
}

// Prune deletes every array the committed index does not reference and that
// no in-progress save owns. Without a committed checkpoint nothing is
// referenced and every array goes. A corrupt index aborts the pass.
func Prune(store Store, log Logger) (PruneReport, error) {
	if log == nil {
		log = DefaultLogger()
	}
	var report PruneReport

	recovered, err := Recover(store)
	report.Recovered = recovered
	if err != nil {
		return report, err
	}

	idx, err := LoadIndex(store)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return report, fmt.Errorf("refusing to prune: %w", err)
	}

	intents, err := store.ListIntents()
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
	live := make([]string, len(intents))
	for i, rec := range intents {
		live[i] = rec.Prefix
	}

	before, err := store.DiskUsage("")
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}

	arrays, err := store.ListArrays("")
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
	for _, path := range arrays {
		if idx != nil && idx.References(path) {
			report.Kept++
			continue
		}
		if ownedBy(path, live) {
			continue
		}
		if err := store.RemoveArray(path); err != nil {
			return report, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
		report.Removed = append(report.Removed, path)
		log.Debugf("checkpoint: pruned %s", path)
	}

	after, err := store.DiskUsage("")
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
	report.BytesFreed = before - after
	return report, nil
}

func ownedBy(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

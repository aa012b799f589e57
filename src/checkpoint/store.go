package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/dps_tensors/src/array_store"
)

// Store is the slice of the chunked array store the checkpoint layer uses.
// *array_store.ArrayStore satisfies it.
type Store interface {
	RootDir() string

	CreateArray(path string, schema array_store.ArraySchema, overwrite bool) error
	WriteArray(ctx context.Context, path string, buf []byte) error
	ReadArray(ctx context.Context, path string) (array_store.ArraySchema, []byte, error)
	ReadSchema(path string) (array_store.ArraySchema, error)
	HasPrefix(prefix string) bool
	ListArrays(prefix string) ([]string, error)
	RemoveArray(path string) error
	DiskUsage(prefix string) (int64, error)

	PublishAtomic(name string, data []byte) error
	ReadPublished(name string) ([]byte, error)

	WriteIntent(rec array_store.IntentRecord) error
	ClearIntent(id string) error
	ReleaseIntent(id string)
	ListIntents() ([]array_store.IntentRecord, error)
	RecoverIntents(committed func(array_store.IntentRecord) bool) (int, error)
}

var _ Store = (*array_store.ArrayStore)(nil)

// OpenStore opens the array store rooted at root and rolls back any save
// whose writer died before publishing its index.
func OpenStore(root string, cfg Config) (*array_store.ArrayStore, error) {
	store, err := OpenStoreForRead(root, cfg)
	if err != nil {
		return nil, err
	}
	recovered, err := Recover(store)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		cfg.logger().Infof("checkpoint recovery: removed %d unpublished generation(s) under %s", recovered, root)
	}
	return store, nil
}

// OpenStoreForRead opens the array store rooted at root without running
// recovery.
func OpenStoreForRead(root string, cfg Config) (*array_store.ArrayStore, error) {
	return array_store.InitArrayStoreWithConfig(array_store.StoreConfig{
		RootDir:       root,
		VerifyOnWrite: cfg.VerifyOnWrite,
		Verbose:       cfg.Verbose,
	})
}

// Recover removes the arrays of every save whose intent is still journaled,
// whose generation the committed index does not reference, and whose
// writer is gone. Saves still running in this or another live process are
// left alone.
func Recover(store Store) (int, error) {
	referenced := map[string]bool{}
	idx, err := LoadIndex(store)
	switch {
	case err == nil:
		for _, g := range idx.Generations() {
			referenced[g] = true
		}
	case errors.Is(err, ErrCheckpointNotFound):
	default:
		return 0, fmt.Errorf("failed to load index for recovery: %w", err)
	}

	n, err := store.RecoverIntents(func(rec array_store.IntentRecord) bool {
		return referenced[rec.Prefix]
	})
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return n, nil
}

// generationOf returns the first segment of a stored array path.
func generationOf(path string) string {
	gen, _, _ := strings.Cut(path, "/")
	return gen
}

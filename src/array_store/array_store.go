package array_store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
)

// ArrayStore persists N-dimensional arrays as a directory per array holding
// a TOML schema and one framed file per chunk. Arrays on disjoint paths can
// be written and read concurrently; the lock only guards counters.
type ArrayStore struct {
	rootDir string
	config  StoreConfig
	lock    sync.RWMutex
	stats   StoreStats
}

// StoreStats counts chunk traffic since the store was opened.
type StoreStats struct {
	ChunksWritten int64
	ChunksRead    int64
	BytesWritten  int64
	BytesRead     int64
}

// InitArrayStore opens a store with the default (quiet) config.
func InitArrayStore(rootDir string) (*ArrayStore, error) {
	return InitArrayStoreWithConfig(DefaultConfig(rootDir))
}

// InitArrayStoreWithConfig opens a store with the given configuration,
// creating the root directory if needed.
func InitArrayStoreWithConfig(cfg StoreConfig) (*ArrayStore, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("array store root directory is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &ArrayStore{
		rootDir: filepath.Clean(cfg.RootDir),
		config:  cfg,
	}, nil
}

func (as *ArrayStore) RootDir() string {
	return as.rootDir
}

func (as *ArrayStore) Config() StoreConfig {
	return as.config
}

// Stats returns a snapshot of the chunk counters.
func (as *ArrayStore) Stats() StoreStats {
	as.lock.RLock()
	defer as.lock.RUnlock()
	return as.stats
}

// resolve maps a slash-separated array path onto the filesystem. Segments
// starting with "." are reserved for store internals.
func (as *ArrayStore) resolve(arrayPath string) (string, error) {
	if arrayPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.Contains(arrayPath, `\`) || path.IsAbs(arrayPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, arrayPath)
	}
	for _, seg := range strings.Split(arrayPath, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, arrayPath)
		}
	}
	return filepath.Join(as.rootDir, filepath.FromSlash(arrayPath)), nil
}

// CreateArray prepares path to receive data with the given schema.
// An existing array with an equal schema, or any schema when overwrite is
// set, has its chunks discarded; otherwise ErrSchemaConflict is returned.
func (as *ArrayStore) CreateArray(arrayPath string, schema ArraySchema, overwrite bool) error {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return err
	}
	schema = schema.normalized()
	if err := schema.Validate(); err != nil {
		return err
	}

	existing, err := as.readSchema(dir)
	switch {
	case err == nil:
		if !existing.Equal(schema) && !overwrite {
			return fmt.Errorf("%w: %s has shape %v dtype %s, requested shape %v dtype %s",
				ErrSchemaConflict, arrayPath, existing.Shape, existing.DType, schema.Shape, schema.DType)
		}
		if err := os.RemoveAll(as.chunkDir(dir)); err != nil {
			return fmt.Errorf("failed to clear chunks of %s: %w", arrayPath, err)
		}
	case errors.Is(err, ErrArrayNotFound):
	case errors.Is(err, ErrInvalidSchema) && overwrite:
		if err := os.RemoveAll(as.chunkDir(dir)); err != nil {
			return fmt.Errorf("failed to clear chunks of %s: %w", arrayPath, err)
		}
	default:
		return err
	}

	if err := os.MkdirAll(as.chunkDir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := as.writeSchema(dir, schema); err != nil {
		return err
	}
	if as.config.Verbose {
		logs.Debugf("CreateArray(%s): shape=%v chunks=%v grid=%v", arrayPath, schema.Shape, schema.Chunks, schema.Grid())
	}
	return nil
}

// ReadSchema returns the schema stored at path.
func (as *ArrayStore) ReadSchema(arrayPath string) (ArraySchema, error) {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return ArraySchema{}, err
	}
	schema, err := as.readSchema(dir)
	if err != nil {
		return ArraySchema{}, fmt.Errorf("%s: %w", arrayPath, err)
	}
	return schema, nil
}

// Exists reports whether an array schema is present at path.
func (as *ArrayStore) Exists(arrayPath string) bool {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(as.schemaPath(dir))
	return err == nil
}

// HasPrefix reports whether anything has been stored under prefix.
func (as *ArrayStore) HasPrefix(prefix string) bool {
	dir, err := as.resolve(prefix)
	if err != nil {
		return false
	}
	_, err = os.Stat(dir)
	return err == nil
}

// WriteChunk stores a single chunk of an existing array.
func (as *ArrayStore) WriteChunk(arrayPath string, coords []int, data []byte) error {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return err
	}
	schema, err := as.readSchema(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", arrayPath, err)
	}
	return as.writeChunk(dir, schema, coords, data)
}

// WriteArray scatters a full row-major buffer into the chunks of an
// existing array, one chunk at a time. Cancellation is checked between
// chunks; chunks already written stay on disk.
func (as *ArrayStore) WriteArray(ctx context.Context, arrayPath string, buf []byte) error {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return err
	}
	schema, err := as.readSchema(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", arrayPath, err)
	}
	if len(buf) != schema.ByteSize() {
		return fmt.Errorf("%w: %s expects %d bytes, got %d", ErrSizeMismatch, arrayPath, schema.ByteSize(), len(buf))
	}

	scratch := make([]byte, 0)
	written := 0
	err = forEachChunk(schema, func(r chunkRegion) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := r.numElements() * schema.ElementSize
		if cap(scratch) < size {
			scratch = make([]byte, size)
		}
		payload := scratch[:size]
		copyRegion(buf, payload, schema.Shape, r, schema.ElementSize, true)
		if err := as.writeChunk(dir, schema, r.Coords, payload); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write array %s after %d/%d chunks: %w", arrayPath, written, schema.NumChunks(), err)
	}

	if as.config.Verbose {
		logs.Debugf("WriteArray(%s): %d chunks, %d bytes", arrayPath, written, len(buf))
	}
	return nil
}

// ReadChunk returns the packed payload of one chunk.
func (as *ArrayStore) ReadChunk(arrayPath string, coords []int) ([]byte, error) {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return nil, err
	}
	schema, err := as.readSchema(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", arrayPath, err)
	}
	return as.readChunk(dir, schema, coords)
}

// ReadArray gathers every chunk of the array at path into one row-major
// buffer.
func (as *ArrayStore) ReadArray(ctx context.Context, arrayPath string) (ArraySchema, []byte, error) {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return ArraySchema{}, nil, err
	}
	schema, err := as.readSchema(dir)
	if err != nil {
		return ArraySchema{}, nil, fmt.Errorf("%s: %w", arrayPath, err)
	}

	buf := make([]byte, schema.ByteSize())
	err = forEachChunk(schema, func(r chunkRegion) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := as.readChunk(dir, schema, r.Coords)
		if err != nil {
			return err
		}
		copyRegion(buf, payload, schema.Shape, r, schema.ElementSize, false)
		return nil
	})
	if err != nil {
		return ArraySchema{}, nil, fmt.Errorf("failed to read array %s: %w", arrayPath, err)
	}
	return schema, buf, nil
}

// RemoveArray deletes the schema and chunks at path. Nested arrays below
// path are left alone.
func (as *ArrayStore) RemoveArray(arrayPath string) error {
	dir, err := as.resolve(arrayPath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(as.chunkDir(dir)); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", arrayPath, err)
	}
	if err := os.Remove(as.schemaPath(dir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete schema of %s: %w", arrayPath, err)
	}
	as.removeEmptyParents(dir)
	return nil
}

// RemovePrefix deletes everything stored under prefix.
func (as *ArrayStore) RemovePrefix(prefix string) error {
	dir, err := as.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete %s: %w", prefix, err)
	}
	return nil
}

// removeEmptyParents walks from dir toward the root deleting directories
// that became empty. os.Remove refuses non-empty directories.
func (as *ArrayStore) removeEmptyParents(dir string) {
	for dir != as.rootDir && strings.HasPrefix(dir, as.rootDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ListArrays returns the slash-separated paths of every array under prefix
// (the whole store when prefix is empty), sorted.
func (as *ArrayStore) ListArrays(prefix string) ([]string, error) {
	start := as.rootDir
	if prefix != "" {
		dir, err := as.resolve(prefix)
		if err != nil {
			return nil, err
		}
		start = dir
	}

	var arrays []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != start && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != SchemaFile {
			return nil
		}
		rel, err := filepath.Rel(as.rootDir, filepath.Dir(p))
		if err != nil {
			return err
		}
		arrays = append(arrays, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list arrays: %w", err)
	}
	sort.Strings(arrays)
	return arrays, nil
}

// DiskUsage sums the size of every file under prefix (the whole store when
// prefix is empty).
func (as *ArrayStore) DiskUsage(prefix string) (int64, error) {
	start := as.rootDir
	if prefix != "" {
		dir, err := as.resolve(prefix)
		if err != nil {
			return 0, err
		}
		start = dir
	}

	var total int64
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute disk usage: %w", err)
	}
	return total, nil
}

// PublishAtomic writes a small top-level object (for example a checkpoint
// index) so that readers observe either the old or the new content.
func (as *ArrayStore) PublishAtomic(name string, data []byte) error {
	p, err := as.objectPath(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, data)
}

// ReadPublished returns an object previously stored with PublishAtomic.
func (as *ArrayStore) ReadPublished(name string) ([]byte, error) {
	p, err := as.objectPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// objectPath only accepts plain file names directly under the root.
func (as *ArrayStore) objectPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: object name %q", ErrInvalidPath, name)
	}
	return filepath.Join(as.rootDir, name), nil
}

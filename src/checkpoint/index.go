package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/dtype"
)

const (
	IndexFile          = "index.toml"
	IndexFormatVersion = 1
)

// Handle locates a committed checkpoint: the root directory of its store.
type Handle string

// LocationDescriptor is everything needed to find and validate one stored
// tensor. Path is relative to the checkpoint root.
type LocationDescriptor struct {
	Path     string      `toml:"path"`
	Shape    []int       `toml:"shape"`
	DType    dtype.DType `toml:"dtype"`
	Chunks   []int       `toml:"chunks"`
	Checksum string      `toml:"checksum"`
}

func (l LocationDescriptor) clone() LocationDescriptor {
	l.Shape = cloneInts(l.Shape)
	l.Chunks = cloneInts(l.Chunks)
	return l
}

// ByteSize is the size of the raw tensor buffer.
func (l LocationDescriptor) ByteSize() int {
	return TensorDescriptor{Shape: l.Shape, DType: l.DType}.ByteSize()
}

type IndexEntry struct {
	Name     string             `toml:"name"`
	Location LocationDescriptor `toml:"location"`
}

// indexDocument is the on-disk form of index.toml.
type indexDocument struct {
	FormatVersion  int          `toml:"format_version"`
	Complete       bool         `toml:"complete"`
	Generation     string       `toml:"generation"`
	Created        int64        `toml:"created"`
	ParameterCount int          `toml:"parameter_count"`
	TotalBytes     int64        `toml:"total_bytes"`
	Tensors        []IndexEntry `toml:"tensors"`
}

// Index maps parameter names to stored locations. A draft index accepts
// Put until it is committed; a loaded or committed index is read-only.
type Index struct {
	lock       sync.RWMutex
	generation string
	created    int64
	entries    map[string]LocationDescriptor
	sealed     bool
}

// NewIndex opens an empty draft for the given generation.
func NewIndex(generation string, created time.Time) *Index {
	return &Index{
		generation: generation,
		created:    created.UnixNano(),
		entries:    make(map[string]LocationDescriptor),
	}
}

// Put records a location for name.
func (ix *Index) Put(name string, loc LocationDescriptor) error {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	if ix.sealed {
		return fmt.Errorf("%w: index is read-only", ErrInvalidState)
	}
	if _, exists := ix.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
	}
	ix.entries[name] = loc.clone()
	return nil
}

// Lookup returns a copy of the location stored for name.
func (ix *Index) Lookup(name string) (LocationDescriptor, bool) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	loc, ok := ix.entries[name]
	if !ok {
		return LocationDescriptor{}, false
	}
	return loc.clone(), true
}

// Names returns the indexed names in sorted order.
func (ix *Index) Names() []string {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.namesLocked()
}

func (ix *Index) namesLocked() []string {
	names := make([]string, 0, len(ix.entries))
	for name := range ix.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns copies of every entry sorted by name.
func (ix *Index) Entries() []IndexEntry {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.entriesLocked()
}

func (ix *Index) entriesLocked() []IndexEntry {
	names := ix.namesLocked()
	out := make([]IndexEntry, len(names))
	for i, name := range names {
		out[i] = IndexEntry{Name: name, Location: ix.entries[name].clone()}
	}
	return out
}

func (ix *Index) Len() int {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return len(ix.entries)
}

// Generation is the generation this index was written by.
func (ix *Index) Generation() string {
	return ix.generation
}

func (ix *Index) Created() time.Time {
	return time.Unix(0, ix.created)
}

// TotalBytes sums the raw tensor sizes of every entry.
func (ix *Index) TotalBytes() int64 {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.sumLocked()
}

// Generations lists, sorted, every generation the entries live in. Entries
// carried forward by incremental saves keep their original generation.
func (ix *Index) Generations() []string {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	seen := map[string]bool{}
	var gens []string
	for _, loc := range ix.entries {
		g := generationOf(loc.Path)
		if !seen[g] {
			seen[g] = true
			gens = append(gens, g)
		}
	}
	sort.Strings(gens)
	return gens
}

// References reports whether path is one of the indexed array paths.
func (ix *Index) References(path string) bool {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	for _, loc := range ix.entries {
		if loc.Path == path {
			return true
		}
	}
	return false
}

// Commit seals the draft and atomically publishes it as the checkpoint
// index of store. The caller must have finished every layer write first.
func (ix *Index) Commit(store Store) (Handle, error) {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	if ix.sealed {
		return "", fmt.Errorf("%w: index already committed", ErrInvalidState)
	}

	doc := indexDocument{
		FormatVersion:  IndexFormatVersion,
		Complete:       true,
		Generation:     ix.generation,
		Created:        ix.created,
		ParameterCount: len(ix.entries),
		Tensors:        ix.entriesLocked(),
	}
	doc.TotalBytes = ix.sumLocked()

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	encoder.Indent = "  "
	if err := encoder.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}
	if err := store.PublishAtomic(IndexFile, buf.Bytes()); err != nil {
		return "", fmt.Errorf("%w: failed to publish index: %w", ErrStoreWrite, err)
	}
	ix.sealed = true
	return Handle(store.RootDir()), nil
}

// LoadIndex reads the committed index of store. A missing, incomplete or
// unknown-version index is ErrCheckpointNotFound; a committed index that
// contradicts itself is ErrCorruption.
func LoadIndex(store Store) (*Index, error) {
	data, err := store.ReadPublished(IndexFile)
	if err != nil {
		if errors.Is(err, array_store.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: no %s under %s", ErrCheckpointNotFound, IndexFile, store.RootDir())
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}

	var doc indexDocument
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to decode index: %v", ErrCorruption, err)
	}
	if doc.FormatVersion != IndexFormatVersion {
		return nil, fmt.Errorf("%w: unsupported index format version %d", ErrCheckpointNotFound, doc.FormatVersion)
	}
	if !doc.Complete {
		return nil, fmt.Errorf("%w: index is not marked complete", ErrCheckpointNotFound)
	}
	if doc.ParameterCount != len(doc.Tensors) {
		return nil, fmt.Errorf("%w: index declares %d parameters but lists %d", ErrCorruption, doc.ParameterCount, len(doc.Tensors))
	}

	ix := &Index{
		generation: doc.Generation,
		created:    doc.Created,
		entries:    make(map[string]LocationDescriptor, len(doc.Tensors)),
		sealed:     true,
	}
	for _, e := range doc.Tensors {
		if _, err := PathFor(e.Name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		if _, dup := ix.entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: %w: %s", ErrCorruption, ErrDuplicateParameter, e.Name)
		}
		loc := e.Location.clone()
		if err := loc.DType.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruption, e.Name, err)
		}
		if len(loc.Shape) != len(loc.Chunks) || loc.Path == "" {
			return nil, fmt.Errorf("%w: malformed location for %s", ErrCorruption, e.Name)
		}
		ix.entries[e.Name] = loc
	}
	if total := ix.sumLocked(); total != doc.TotalBytes {
		return nil, fmt.Errorf("%w: index declares %d bytes but entries sum to %d", ErrCorruption, doc.TotalBytes, total)
	}
	return ix, nil
}

func (ix *Index) sumLocked() int64 {
	var total int64
	for _, loc := range ix.entries {
		total += int64(loc.ByteSize())
	}
	return total
}

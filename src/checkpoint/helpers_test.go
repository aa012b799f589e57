package checkpoint

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/dtype"
	"github.com/danmuck/dps_tensors/src/model"
	"github.com/stretchr/testify/require"
)

// recordingStore wraps an ArrayStore and remembers every array path read.
type recordingStore struct {
	*array_store.ArrayStore

	lock      sync.Mutex
	reads     map[string]int
	published []string
}

func newRecordingStore(as *array_store.ArrayStore) *recordingStore {
	return &recordingStore{ArrayStore: as, reads: map[string]int{}}
}

func (s *recordingStore) ReadSchema(path string) (array_store.ArraySchema, error) {
	s.record(path)
	return s.ArrayStore.ReadSchema(path)
}

func (s *recordingStore) ReadArray(ctx context.Context, path string) (array_store.ArraySchema, []byte, error) {
	s.record(path)
	return s.ArrayStore.ReadArray(ctx, path)
}

func (s *recordingStore) ReadPublished(name string) ([]byte, error) {
	s.lock.Lock()
	s.published = append(s.published, name)
	s.lock.Unlock()
	return s.ArrayStore.ReadPublished(name)
}

func (s *recordingStore) record(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reads[path]++
}

func (s *recordingStore) touched() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]string, 0, len(s.reads))
	for p := range s.reads {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *recordingStore) reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reads = map[string]int{}
	s.published = nil
}

// recordingLogger keeps warnings for assertions and drops the rest.
type recordingLogger struct {
	lock     sync.Mutex
	warnings []string
}

func (l *recordingLogger) Debugf(string, ...any) {}
func (l *recordingLogger) Infof(string, ...any)  {}
func (l *recordingLogger) Warnf(format string, args ...any) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = &recordingLogger{}
	cfg.VerifyOnWrite = true
	return cfg
}

func newTestStore(t *testing.T, cfg Config) *array_store.ArrayStore {
	t.Helper()
	store, err := OpenStore(t.TempDir(), cfg)
	require.NoError(t, err)
	return store
}

func reopenStore(t *testing.T, root string, cfg Config) *array_store.ArrayStore {
	t.Helper()
	store, err := OpenStore(root, cfg)
	require.NoError(t, err)
	return store
}

func randomParam(t *testing.T, name string, dt dtype.DType, shape ...int) model.Parameter {
	t.Helper()
	p := model.Parameter{Name: name, DType: dt, Shape: shape}
	p.Data = make([]byte, p.ByteSize())
	_, err := rand.Read(p.Data)
	require.NoError(t, err)
	return p
}

func f32Param(t *testing.T, name string, values []float32, shape ...int) model.Parameter {
	t.Helper()
	return model.Parameter{Name: name, DType: dtype.F32, Shape: shape, Data: dtype.EncodeFloat32s(values)}
}

func stateDictOf(t *testing.T, params ...model.Parameter) *model.StateDict {
	t.Helper()
	sd := model.NewStateDict()
	for _, p := range params {
		require.NoError(t, sd.Add(p))
	}
	return sd
}

// skeletonOf declares every parameter of sd, zero-filled.
func skeletonOf(t *testing.T, sd *model.StateDict) *model.StateDict {
	t.Helper()
	out := model.NewStateDict()
	for _, p := range sd.Parameters() {
		require.NoError(t, out.Declare(p.Name, p.DType, p.Shape))
	}
	return out
}

func saveAll(t *testing.T, store Store, cfg Config, src model.ParameterSource) Handle {
	t.Helper()
	handle, err := NewWriter(store, cfg).Save(context.Background(), src)
	require.NoError(t, err)
	return handle
}

func openReader(t *testing.T, store Store, cfg Config) *Reader {
	t.Helper()
	r := NewReader(store, cfg)
	require.NoError(t, r.Open())
	return r
}

// flipPayloadByte corrupts the first chunk file of the array at path.
func flipPayloadByte(t *testing.T, root, path string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(path), array_store.ChunkDir)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	chunkFile := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(chunkFile)
	require.NoError(t, err)
	// frame ends with the digest field: tag, length, 32 digest bytes
	data[len(data)-array_store.DigestSize-3] ^= 0xFF
	require.NoError(t, os.WriteFile(chunkFile, data, 0644))
}

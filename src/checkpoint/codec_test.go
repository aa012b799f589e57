package checkpoint

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/dtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"layer0.weight", "layer0/weight"},
		{"model.decoder.layers.0.fc1.weight", "model/decoder/layers/0/fc1/weight"},
		{"single", "single"},
		{"with_under-score.x", "with_under-score/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathFor(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := PathFor(tt.name)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestPathForRejectsInvalidNames(t *testing.T) {
	for _, name := range []string{"", ".", "a..b", ".a", "a.", "a/b", `a\b`, "a b", "a.b\t", "ä.b", "a.*", "..", "a.b/c"} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			_, err := PathFor(name)
			require.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestPathForIsInjective(t *testing.T) {
	names := []string{
		"a", "a.b", "a.b.c", "a_b", "a-b", "ab", "a.bc", "ab.c",
		"layers.0.weight", "layers.00.weight", "layers.0.weight0", "layers0.weight",
	}
	seen := map[string]string{}
	for _, name := range names {
		p, err := PathFor(name)
		require.NoError(t, err)
		if prev, dup := seen[p]; dup {
			t.Fatalf("%q and %q both map to %q", prev, name, p)
		}
		seen[p] = name
	}
}

func TestToArraySchemaAndBack(t *testing.T) {
	desc := TensorDescriptor{Name: "x", Shape: []int{3, 5}, DType: dtype.BF16}
	schema, err := ToArraySchema(desc, []int{3, 2})
	require.NoError(t, err)
	assert.Equal(t, "BF16", schema.DType)
	assert.Equal(t, 2, schema.ElementSize)
	assert.Equal(t, []int{3, 5}, schema.Shape)
	assert.Equal(t, []int{3, 2}, schema.Chunks)
	require.NoError(t, schema.Validate())

	raw := make([]byte, 30)
	for i := range raw {
		raw[i] = byte(i)
	}
	got, buf, err := FromArraySchema(schema, raw)
	require.NoError(t, err)
	assert.Equal(t, desc.Shape, got.Shape)
	assert.Equal(t, desc.DType, got.DType)
	assert.Equal(t, raw, buf)

	_, _, err = FromArraySchema(schema, raw[:29])
	require.ErrorIs(t, err, ErrShapeMismatch)

	schema.DType = "C64"
	_, _, err = FromArraySchema(schema, raw)
	require.ErrorIs(t, err, ErrUnsupportedDtype)
}

func TestToArraySchemaRejects(t *testing.T) {
	_, err := ToArraySchema(TensorDescriptor{Shape: []int{4}, DType: dtype.DType(200)}, []int{4})
	require.ErrorIs(t, err, ErrUnsupportedDtype)

	_, err = ToArraySchema(TensorDescriptor{Shape: []int{4}, DType: dtype.F32}, []int{5})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = ToArraySchema(TensorDescriptor{Shape: []int{4, 0}, DType: dtype.F32}, []int{4, 1})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = ToArraySchema(TensorDescriptor{Shape: []int{4}, DType: dtype.F32}, []int{})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestScalarDescriptor(t *testing.T) {
	desc := TensorDescriptor{Shape: []int{}, DType: dtype.F64}
	assert.Equal(t, 1, desc.NumElements())
	assert.Equal(t, 8, desc.ByteSize())

	schema, err := ToArraySchema(desc, nil)
	require.NoError(t, err)
	assert.Empty(t, schema.Shape)
	assert.Empty(t, schema.Chunks)
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("abc"))
	assert.Equal(t, "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.NotEqual(t, sum, Checksum([]byte("abd")))
}

func TestChooseChunks(t *testing.T) {
	tests := []struct {
		name   string
		policy LayoutPolicy
		shape  []int
		elem   int
		want   []int
	}{
		{"scalar", LayoutPolicy{64, 64}, []int{}, 4, []int{}},
		{"small whole", LayoutPolicy{64, 16}, []int{4, 4}, 4, []int{4, 4}},
		{"rows", LayoutPolicy{64, 64}, []int{16, 16}, 4, []int{1, 16}},
		{"even divisor", LayoutPolicy{0, 20}, []int{12, 10}, 4, []int{1, 5}},
		{"good divisor", LayoutPolicy{0, 64}, []int{3, 1000}, 1, []int{1, 50}},
		{"prime falls back to budget", LayoutPolicy{0, 64}, []int{3, 97}, 1, []int{1, 64}},
		{"uneven vector", LayoutPolicy{0, 16}, []int{7}, 4, []int{4}},
		{"several rows", LayoutPolicy{0, 1024}, []int{64, 16}, 4, []int{16, 16}},
		{"element larger than target", LayoutPolicy{0, 2}, []int{3, 3}, 8, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ChooseChunks(tt.shape, tt.elem))
		})
	}
}

func TestChooseChunksInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	policy := LayoutPolicy{MinChunkBytes: 256, TargetChunkBytes: 4096}
	for i := 0; i < 500; i++ {
		rank := rng.IntN(5)
		shape := make([]int, rank)
		for d := range shape {
			shape[d] = 1 + rng.IntN(300)
		}
		elem := []int{1, 2, 4, 8}[rng.IntN(4)]

		chunks := policy.ChooseChunks(shape, elem)
		require.Len(t, chunks, rank)
		bytes := elem
		for d := range shape {
			require.GreaterOrEqual(t, chunks[d], 1)
			require.LessOrEqual(t, chunks[d], shape[d])
			bytes *= chunks[d]
		}
		total := elem
		for _, s := range shape {
			total *= s
		}
		if total > policy.MinChunkBytes {
			require.LessOrEqual(t, bytes, policy.TargetChunkBytes, "shape %v elem %d chunks %v", shape, elem, chunks)
		}
	}
}

func TestIndexPutLookup(t *testing.T) {
	ix := NewIndex("g1", time.Unix(0, 42))
	loc := LocationDescriptor{Path: "g1/a", Shape: []int{2}, DType: dtype.F32, Chunks: []int{2}, Checksum: Checksum(make([]byte, 8))}
	require.NoError(t, ix.Put("a", loc))
	require.ErrorIs(t, ix.Put("a", loc), ErrDuplicateParameter)

	got, ok := ix.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, loc, got)

	// lookups hand out copies
	got.Shape[0] = 99
	again, _ := ix.Lookup("a")
	assert.Equal(t, []int{2}, again.Shape)

	_, ok = ix.Lookup("b")
	assert.False(t, ok)
	assert.Equal(t, int64(8), ix.TotalBytes())
}

func TestIndexCommitAndLoad(t *testing.T) {
	store, err := array_store.InitArrayStore(t.TempDir())
	require.NoError(t, err)

	ix := NewIndex("g5", time.Unix(0, 5))
	require.NoError(t, ix.Put("z.w", LocationDescriptor{Path: "g5/z/w", Shape: []int{2, 2}, DType: dtype.F16, Chunks: []int{1, 2}, Checksum: "sha256:00"}))
	require.NoError(t, ix.Put("a.s", LocationDescriptor{Path: "g4/a/s", Shape: []int{}, DType: dtype.I64, Chunks: []int{}, Checksum: "sha256:01"}))

	handle, err := ix.Commit(store)
	require.NoError(t, err)
	assert.Equal(t, Handle(store.RootDir()), handle)
	require.ErrorIs(t, ix.Put("late", LocationDescriptor{}), ErrInvalidState)
	_, err = ix.Commit(store)
	require.ErrorIs(t, err, ErrInvalidState)

	loaded, err := LoadIndex(store)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.s", "z.w"}, loaded.Names())
	assert.Equal(t, "g5", loaded.Generation())
	assert.Equal(t, int64(5), loaded.Created().UnixNano())
	assert.Equal(t, []string{"g4", "g5"}, loaded.Generations())
	assert.Equal(t, int64(16), loaded.TotalBytes())
	assert.True(t, loaded.References("g4/a/s"))
	assert.False(t, loaded.References("g4/a"))
	require.ErrorIs(t, loaded.Put("x", LocationDescriptor{}), ErrInvalidState)

	for _, e := range ix.Entries() {
		got, ok := loaded.Lookup(e.Name)
		require.True(t, ok)
		assert.Equal(t, e.Location, got)
	}

	data, err := os.ReadFile(filepath.Join(store.RootDir(), IndexFile))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "complete = true")
	assert.Contains(t, text, `dtype = "F16"`)
	assert.Less(t, strings.Index(text, `name = "a.s"`), strings.Index(text, `name = "z.w"`))
}

func TestLoadIndexRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"incomplete", "format_version = 1\ncomplete = false\n", ErrCheckpointNotFound},
		{"future version", "format_version = 2\ncomplete = true\n", ErrCheckpointNotFound},
		{"garbage", "this is not toml", ErrCorruption},
		{"count mismatch", "format_version = 1\ncomplete = true\nparameter_count = 1\n", ErrCorruption},
		{"bad dtype", `format_version = 1
complete = true
parameter_count = 1
[[tensors]]
  name = "a"
  [tensors.location]
    path = "g/a"
    shape = [1]
    dtype = "Q4"
    chunks = [1]
`, ErrCorruption},
		{"bad name", `format_version = 1
complete = true
parameter_count = 1
total_bytes = 4
[[tensors]]
  name = "a b"
  [tensors.location]
    path = "g/a"
    shape = [1]
    dtype = "F32"
    chunks = [1]
`, ErrCorruption},
		{"bytes mismatch", `format_version = 1
complete = true
parameter_count = 1
total_bytes = 5
[[tensors]]
  name = "a"
  [tensors.location]
    path = "g/a"
    shape = [1]
    dtype = "F32"
    chunks = [1]
`, ErrCorruption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := array_store.InitArrayStore(t.TempDir())
			require.NoError(t, err)
			require.NoError(t, store.PublishAtomic(IndexFile, []byte(tt.doc)))
			_, err = LoadIndex(store)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	cfg, err := LoadConfig(write("ok.toml", "concurrency = 8\non_unknown = \"skip\"\nmin_chunk_bytes = 1024\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, OnUnknownSkip, cfg.OnUnknown)
	assert.Equal(t, 1024, cfg.MinChunkBytes)
	assert.Equal(t, DefaultTargetChunkBytes, cfg.TargetChunkBytes)

	_, err = LoadConfig(write("unknown.toml", "concurrency = 2\nbogus = 1\n"))
	require.ErrorContains(t, err, "bogus")

	_, err = LoadConfig(write("policy.toml", "on_unknown = \"maybe\"\n"))
	require.ErrorContains(t, err, "on_unknown")

	_, err = LoadConfig(write("zero.toml", "concurrency = 0\n"))
	require.Error(t, err)

	_, err = LoadConfig(write("huge.toml", "target_chunk_bytes = 536870912\n"))
	require.ErrorContains(t, err, "target_chunk_bytes")

	_, err = LoadConfig(write("huge_min.toml", "min_chunk_bytes = 536870912\n"))
	require.ErrorContains(t, err, "min_chunk_bytes")

	atLimit := DefaultConfig()
	atLimit.TargetChunkBytes = array_store.MaxChunkBytes
	require.NoError(t, atLimit.Validate())

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	require.NoError(t, DefaultConfig().Validate())
}

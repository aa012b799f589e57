package array_store

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("failed to generate random bytes: %v", err)
	}
	return buf
}

func newTestArrayStore(t *testing.T) *ArrayStore {
	t.Helper()
	as, err := InitArrayStoreWithConfig(StoreConfig{
		RootDir:       t.TempDir(),
		VerifyOnWrite: true,
	})
	if err != nil {
		t.Fatalf("failed to create array store: %v", err)
	}
	return as
}

func f32Schema(shape, chunks []int) ArraySchema {
	return ArraySchema{DType: "F32", ElementSize: 4, Shape: shape, Chunks: chunks}
}

func TestWriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		schema ArraySchema
	}{
		{"scalar", f32Schema([]int{}, []int{})},
		{"vector single chunk", f32Schema([]int{16}, []int{16})},
		{"vector even tiling", f32Schema([]int{16}, []int{4})},
		{"vector uneven tiling", f32Schema([]int{17}, []int{5})},
		{"matrix even tiling", f32Schema([]int{8, 6}, []int{4, 3})},
		{"matrix uneven tiling", f32Schema([]int{7, 5}, []int{3, 2})},
		{"rank three", f32Schema([]int{3, 4, 5}, []int{2, 3, 2})},
		{"one byte elements", ArraySchema{DType: "U8", ElementSize: 1, Shape: []int{9, 9}, Chunks: []int{4, 4}}},
	}

	as := newTestArrayStore(t)
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "round/" + filepath.Base(t.Name())
			if err := as.CreateArray(path, tt.schema, false); err != nil {
				t.Fatalf("CreateArray failed: %v", err)
			}
			data := randomBytes(t, tt.schema.normalized().ByteSize())
			if err := as.WriteArray(ctx, path, data); err != nil {
				t.Fatalf("WriteArray failed: %v", err)
			}

			schema, got, err := as.ReadArray(ctx, path)
			if err != nil {
				t.Fatalf("ReadArray failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("read data does not match written data")
			}
			if !slices.Equal(schema.Shape, tt.schema.normalized().Shape) {
				t.Fatalf("shape mismatch: got %v, expected %v", schema.Shape, tt.schema.Shape)
			}

			entries, err := os.ReadDir(filepath.Join(as.RootDir(), filepath.FromSlash(path), ChunkDir))
			if err != nil {
				t.Fatalf("failed to read chunk directory: %v", err)
			}
			if len(entries) != schema.NumChunks() {
				t.Fatalf("expected %d chunk files, got %d", schema.NumChunks(), len(entries))
			}
		})
	}
}

func TestScalarUsesZeroChunkKey(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("s", f32Schema(nil, nil), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteChunk("s", []int{}, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(as.RootDir(), "s", ChunkDir, "0"+ChunkExtension)); err != nil {
		t.Fatalf("expected scalar chunk file: %v", err)
	}
}

func TestCreateArraySchemaConflict(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("a/b", f32Schema([]int{4, 4}, []int{4, 4}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}

	err := as.CreateArray("a/b", f32Schema([]int{2, 8}, []int{2, 8}), false)
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("expected ErrSchemaConflict, got %v", err)
	}

	if err := as.CreateArray("a/b", f32Schema([]int{2, 8}, []int{2, 8}), true); err != nil {
		t.Fatalf("overwrite should succeed: %v", err)
	}
	schema, err := as.ReadSchema("a/b")
	if err != nil {
		t.Fatalf("ReadSchema failed: %v", err)
	}
	if !slices.Equal(schema.Shape, []int{2, 8}) {
		t.Fatalf("expected overwritten shape [2 8], got %v", schema.Shape)
	}
}

func TestCreateArrayCompatibleClearsChunks(t *testing.T) {
	as := newTestArrayStore(t)
	ctx := context.Background()
	schema := f32Schema([]int{8}, []int{2})
	if err := as.CreateArray("x", schema, false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteArray(ctx, "x", randomBytes(t, 32)); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}
	if err := as.CreateArray("x", schema, false); err != nil {
		t.Fatalf("re-create with same schema failed: %v", err)
	}
	_, _, err := as.ReadArray(ctx, "x")
	if !errors.Is(err, ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing after re-create, got %v", err)
	}
}

func TestInvalidSchemasRejected(t *testing.T) {
	tests := []struct {
		name   string
		schema ArraySchema
	}{
		{"no dtype", ArraySchema{ElementSize: 4, Shape: []int{1}, Chunks: []int{1}}},
		{"no element size", ArraySchema{DType: "F32", Shape: []int{1}, Chunks: []int{1}}},
		{"rank mismatch", f32Schema([]int{4, 4}, []int{4})},
		{"zero dimension", f32Schema([]int{0}, []int{1})},
		{"chunk larger than dim", f32Schema([]int{4}, []int{5})},
		{"zero chunk", f32Schema([]int{4}, []int{0})},
		{"fortran order", ArraySchema{DType: "F32", ElementSize: 4, Shape: []int{1}, Chunks: []int{1}, Order: "F"}},
		{"oversized chunk", ArraySchema{DType: "U8", ElementSize: 1, Shape: []int{1 << 30}, Chunks: []int{1 << 30}}},
	}

	as := newTestArrayStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := as.CreateArray("bad", tt.schema, false)
			if !errors.Is(err, ErrInvalidSchema) {
				t.Fatalf("expected ErrInvalidSchema, got %v", err)
			}
		})
	}
}

func TestInvalidPathsRejected(t *testing.T) {
	as := newTestArrayStore(t)
	schema := f32Schema([]int{1}, []int{1})
	for _, p := range []string{"", "/abs", "a//b", "a/../b", ".hidden", "a/.chunks", `a\b`, "a/"} {
		if err := as.CreateArray(p, schema, false); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("path %q: expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestWriteArraySizeMismatch(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("v", f32Schema([]int{4}, []int{4}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	err := as.WriteArray(context.Background(), "v", make([]byte, 15))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestWriteArrayHonorsCancellation(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("v", f32Schema([]int{16}, []int{4}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := as.WriteArray(ctx, "v", make([]byte, 64))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadMissingArray(t *testing.T) {
	as := newTestArrayStore(t)
	_, _, err := as.ReadArray(context.Background(), "nope")
	if !errors.Is(err, ErrArrayNotFound) {
		t.Fatalf("expected ErrArrayNotFound, got %v", err)
	}
	if as.Exists("nope") {
		t.Fatal("Exists reported a missing array")
	}
}

func TestCorruptChunkDetected(t *testing.T) {
	as := newTestArrayStore(t)
	ctx := context.Background()
	if err := as.CreateArray("c", f32Schema([]int{4, 4}, []int{2, 4}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteArray(ctx, "c", randomBytes(t, 64)); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}

	chunkFile := filepath.Join(as.RootDir(), "c", ChunkDir, "1.0"+ChunkExtension)
	data, err := os.ReadFile(chunkFile)
	if err != nil {
		t.Fatalf("failed to read chunk: %v", err)
	}
	// last bytes of the frame are the digest; flip one inside the payload
	data[len(data)-DigestSize-4] ^= 0xFF
	if err := os.WriteFile(chunkFile, data, 0644); err != nil {
		t.Fatalf("failed to corrupt chunk: %v", err)
	}

	_, _, err = as.ReadArray(ctx, "c")
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}

	problems := as.VerifyArray("c")
	if len(problems) != 1 {
		t.Fatalf("expected 1 verify problem, got %d: %v", len(problems), problems)
	}
	if !slices.Equal(problems[0].Coords, []int{1, 0}) {
		t.Fatalf("expected problem at chunk [1 0], got %v", problems[0].Coords)
	}
	if !errors.Is(problems[0], ErrChunkCorrupt) {
		t.Fatalf("expected verify problem to wrap ErrChunkCorrupt, got %v", problems[0].Err)
	}
}

func TestTruncatedChunkDetected(t *testing.T) {
	as := newTestArrayStore(t)
	ctx := context.Background()
	if err := as.CreateArray("t", f32Schema([]int{8}, []int{8}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteArray(ctx, "t", randomBytes(t, 32)); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}
	chunkFile := filepath.Join(as.RootDir(), "t", ChunkDir, "0"+ChunkExtension)
	data, err := os.ReadFile(chunkFile)
	if err != nil {
		t.Fatalf("failed to read chunk: %v", err)
	}
	if err := os.WriteFile(chunkFile, data[:len(data)/2], 0644); err != nil {
		t.Fatalf("failed to truncate chunk: %v", err)
	}
	if _, err := as.ReadChunk("t", []int{0}); !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestMissingChunkDetected(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("m", f32Schema([]int{4}, []int{2}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteChunk("m", []int{0}, randomBytes(t, 8)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	_, _, err := as.ReadArray(context.Background(), "m")
	if !errors.Is(err, ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing, got %v", err)
	}
}

func TestWriteChunkValidatesCoordsAndSize(t *testing.T) {
	as := newTestArrayStore(t)
	if err := as.CreateArray("w", f32Schema([]int{5}, []int{2}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteChunk("w", []int{3}, make([]byte, 8)); err == nil {
		t.Fatal("expected error for out-of-grid coordinates")
	}
	// edge chunk [2] holds one element
	if err := as.WriteChunk("w", []int{2}, make([]byte, 8)); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if err := as.WriteChunk("w", []int{2}, make([]byte, 4)); err != nil {
		t.Fatalf("edge chunk write failed: %v", err)
	}
}

func TestListAndRemoveArrays(t *testing.T) {
	as := newTestArrayStore(t)
	schema := f32Schema([]int{1}, []int{1})
	paths := []string{"g1/model/w", "g1/model/w/nested", "g1/b", "g2/model/w"}
	for _, p := range paths {
		if err := as.CreateArray(p, schema, false); err != nil {
			t.Fatalf("CreateArray(%s) failed: %v", p, err)
		}
	}
	if err := as.PublishAtomic("index.toml", []byte("x = 1\n")); err != nil {
		t.Fatalf("PublishAtomic failed: %v", err)
	}

	all, err := as.ListArrays("")
	if err != nil {
		t.Fatalf("ListArrays failed: %v", err)
	}
	want := []string{"g1/b", "g1/model/w", "g1/model/w/nested", "g2/model/w"}
	if !slices.Equal(all, want) {
		t.Fatalf("ListArrays() = %v, expected %v", all, want)
	}

	g1, err := as.ListArrays("g1")
	if err != nil {
		t.Fatalf("ListArrays(g1) failed: %v", err)
	}
	if len(g1) != 3 {
		t.Fatalf("expected 3 arrays under g1, got %v", g1)
	}

	if err := as.RemoveArray("g1/model/w"); err != nil {
		t.Fatalf("RemoveArray failed: %v", err)
	}
	if as.Exists("g1/model/w") {
		t.Fatal("removed array still exists")
	}
	if !as.Exists("g1/model/w/nested") {
		t.Fatal("RemoveArray removed a nested array")
	}

	if err := as.RemovePrefix("g2"); err != nil {
		t.Fatalf("RemovePrefix failed: %v", err)
	}
	if as.HasPrefix("g2") {
		t.Fatal("prefix still present after RemovePrefix")
	}

	missing, err := as.ListArrays("g9")
	if err != nil {
		t.Fatalf("ListArrays on missing prefix failed: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no arrays under missing prefix, got %v", missing)
	}
}

func TestPublishAtomic(t *testing.T) {
	as := newTestArrayStore(t)

	if _, err := as.ReadPublished("index.toml"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := as.PublishAtomic("index.toml", []byte("first")); err != nil {
		t.Fatalf("PublishAtomic failed: %v", err)
	}
	if err := as.PublishAtomic("index.toml", []byte("second")); err != nil {
		t.Fatalf("PublishAtomic failed: %v", err)
	}
	got, err := as.ReadPublished("index.toml")
	if err != nil {
		t.Fatalf("ReadPublished failed: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected latest content, got %q", got)
	}

	entries, err := os.ReadDir(as.RootDir())
	if err != nil {
		t.Fatalf("failed to read root: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}

	for _, name := range []string{"", "a/b", ".hidden"} {
		if err := as.PublishAtomic(name, nil); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("name %q: expected ErrInvalidPath, got %v", name, err)
		}
	}
}

func TestStatsAndDiskUsage(t *testing.T) {
	as := newTestArrayStore(t)
	ctx := context.Background()
	if err := as.CreateArray("s", f32Schema([]int{8}, []int{2}), false); err != nil {
		t.Fatalf("CreateArray failed: %v", err)
	}
	if err := as.WriteArray(ctx, "s", randomBytes(t, 32)); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}
	if _, _, err := as.ReadArray(ctx, "s"); err != nil {
		t.Fatalf("ReadArray failed: %v", err)
	}

	stats := as.Stats()
	if stats.ChunksWritten != 4 {
		t.Fatalf("expected 4 chunks written, got %d", stats.ChunksWritten)
	}
	// VerifyOnWrite reads each chunk back once
	if stats.ChunksRead != 8 {
		t.Fatalf("expected 8 chunks read, got %d", stats.ChunksRead)
	}

	usage, err := as.DiskUsage("s")
	if err != nil {
		t.Fatalf("DiskUsage failed: %v", err)
	}
	if usage <= 32 {
		t.Fatalf("expected disk usage above payload size, got %d", usage)
	}
}

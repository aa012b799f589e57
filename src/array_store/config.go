package array_store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	SchemaFile     = ".zarray.toml" // per-array schema, next to the chunk directory
	ChunkDir       = ".chunks"
	ChunkExtension = ".chunk"
	IntentDir      = ".intents"
	FormatVersion  = 1
	DigestSize     = sha256.Size
	MaxChunkBytes  = 1 << 28 // refuse schemas whose single chunk would exceed 256mb
)

var (
	ErrArrayNotFound  = errors.New("array not found")
	ErrObjectNotFound = errors.New("published object not found")
	ErrSchemaConflict = errors.New("existing array has an incompatible schema")
	ErrInvalidSchema  = errors.New("invalid array schema")
	ErrInvalidPath    = errors.New("invalid array path")
	ErrChunkCorrupt   = errors.New("chunk data corrupt")
	ErrChunkMissing   = errors.New("chunk missing")
	ErrSizeMismatch   = errors.New("buffer size does not match schema")
)

// StoreConfig controls runtime behavior of an ArrayStore instance.
type StoreConfig struct {
	RootDir       string `toml:"root_dir"`        // root directory for arrays, published objects and intents
	VerifyOnWrite bool   `toml:"verify_on_write"` // read back and verify each chunk immediately after writing
	Verbose       bool   `toml:"verbose"`         // emit per-array progress through smplog
}

// DefaultConfig returns a quiet StoreConfig rooted at rootDir.
func DefaultConfig(rootDir string) StoreConfig {
	return StoreConfig{
		RootDir:       rootDir,
		VerifyOnWrite: false,
		Verbose:       false,
	}
}

// writeFileAtomic publishes data at path via temp file + fsync + rename so
// readers see either the previous content or the new content, never a mix.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to atomically publish %s: %w", filepath.Base(path), err)
	}
	cleanupTmp = false
	return syncDir(dir)
}

// syncDir makes a rename durable. Directories cannot be fsynced on windows.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

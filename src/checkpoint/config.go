package checkpoint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_tensors/src/array_store"
)

// UnknownPolicy selects how a restore treats layers it cannot deliver.
type UnknownPolicy string

const (
	OnUnknownSkip UnknownPolicy = "skip" // log, record in the report, continue
	OnUnknownFail UnknownPolicy = "fail" // abort the restore
)

const (
	DefaultConcurrency      = 4
	DefaultMinChunkBytes    = 64 * 1024       // 64KB, same floor as the block store
	DefaultTargetChunkBytes = 4 * 1024 * 1024 // 4MB
)

// Config is passed explicitly to writers and readers. Nothing here is
// process-global.
type Config struct {
	Concurrency      int           `toml:"concurrency"`        // max tensors written or read at once
	MinChunkBytes    int           `toml:"min_chunk_bytes"`    // tensors up to this size use a single chunk
	TargetChunkBytes int           `toml:"target_chunk_bytes"` // upper bound for a chunk
	OnUnknown        UnknownPolicy `toml:"on_unknown"`
	Overwrite        bool          `toml:"overwrite"`       // replace an existing array with an incompatible schema
	VerifyOnWrite    bool          `toml:"verify_on_write"` // read back every chunk after writing
	Verbose          bool          `toml:"verbose"`         // array store progress logging
	Logger           Logger        `toml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency,
		MinChunkBytes:    DefaultMinChunkBytes,
		TargetChunkBytes: DefaultTargetChunkBytes,
		OnUnknown:        OnUnknownFail,
		Overwrite:        false,
		VerifyOnWrite:    false,
		Verbose:          false,
	}
}

// LoadConfig decodes a TOML file over DefaultConfig. Keys that do not map
// to a Config field are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MinChunkBytes < 0 {
		return fmt.Errorf("min_chunk_bytes must not be negative, got %d", c.MinChunkBytes)
	}
	if c.TargetChunkBytes < 1 {
		return fmt.Errorf("target_chunk_bytes must be positive, got %d", c.TargetChunkBytes)
	}
	if c.TargetChunkBytes > array_store.MaxChunkBytes {
		return fmt.Errorf("target_chunk_bytes must not exceed %d, got %d", array_store.MaxChunkBytes, c.TargetChunkBytes)
	}
	if c.MinChunkBytes > array_store.MaxChunkBytes {
		return fmt.Errorf("min_chunk_bytes must not exceed %d, got %d", array_store.MaxChunkBytes, c.MinChunkBytes)
	}
	switch c.OnUnknown {
	case OnUnknownSkip, OnUnknownFail:
	default:
		return fmt.Errorf("on_unknown must be %q or %q, got %q", OnUnknownSkip, OnUnknownFail, c.OnUnknown)
	}
	return nil
}

func (c Config) layout() LayoutPolicy {
	return LayoutPolicy{MinChunkBytes: c.MinChunkBytes, TargetChunkBytes: c.TargetChunkBytes}
}

func (c Config) logger() Logger {
	if c.Logger == nil {
		return DefaultLogger()
	}
	return c.Logger
}

// normalized fills zero values left by a partially populated Config.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.TargetChunkBytes < 1 {
		c.TargetChunkBytes = def.TargetChunkBytes
	}
	if c.OnUnknown == "" {
		c.OnUnknown = def.OnUnknown
	}
	return c
}

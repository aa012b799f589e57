package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "SMPLOG_CONFIG"

var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load resolves the logging configuration: an explicit path first, then
// $SMPLOG_CONFIG, then the well-known local files, then smplog defaults.
// Verbose lowers the threshold to debug regardless of the source.
func Load(path string, verbose bool) logs.Config {
	cfg := resolve(path)
	if verbose {
		cfg.Level = logs.DebugLevel
	}
	return cfg
}

func resolve(path string) logs.Config {
	if path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	if env := os.Getenv(envConfigPath); env != "" {
		if cfg, err := logs.ConfigFromFile(env); err == nil {
			return cfg
		}
	}
	for _, p := range candidates {
		if cfg, err := logs.ConfigFromFile(p); err == nil {
			return cfg
		}
	}
	return logs.DefaultConfig()
}

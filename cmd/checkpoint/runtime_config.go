package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/dps_tensors/src/checkpoint"
	"github.com/danmuck/dps_tensors/src/model"
)

type Action string

const (
	ActionSave       Action = "save"
	ActionSaveLayers Action = "save-layers"
	ActionLoad       Action = "load"
	ActionInspect    Action = "inspect"
	ActionVerify     Action = "verify"
	ActionPrune      Action = "prune"
	ActionExport     Action = "export"
	ActionImport     Action = "import"
	ActionStats      Action = "stats"
)

var actions = []Action{
	ActionSave, ActionSaveLayers, ActionLoad, ActionInspect, ActionVerify,
	ActionPrune, ActionExport, ActionImport, ActionStats,
}

const (
	PresetTiny    = "tiny"
	PresetOPT125M = "opt-125m"
)

const (
	ROOT_FLAG        = "--root"
	CONFIG_FLAG      = "--config"
	LOG_CONFIG_FLAG  = "--log-config"
	CONCURRENCY_FLAG = "--concurrency"
	NAMES_FLAG       = "--names"
	ON_UNKNOWN_FLAG  = "--on-unknown"
	VERBOSE_FLAG     = "--verbose"
	OUT_FLAG         = "--out"
	IN_FLAG          = "--in"
	SEED_FLAG        = "--seed"
	MODEL_FLAG       = "--model"
)

type RuntimeConfig struct {
	Root          string
	ConfigPath    string
	LogConfigPath string
	Action        Action
	Names         []string
	Seed          uint64
	Preset        string
	OutPath       string
	InPath        string
	Verbose       bool

	// overrides applied on top of the config file; zero means unset
	Concurrency int
	OnUnknown   checkpoint.UnknownPolicy
}

func defaultConfig() RuntimeConfig {
	return RuntimeConfig{
		Root:   "./local/checkpoint",
		Seed:   1,
		Preset: PresetTiny,
	}
}

var defaultRuntimeConfig = defaultConfig()

// flagValue matches "--flag VALUE" and "--flag=VALUE" at args[*i],
// advancing *i past a separate value.
func flagValue(args []string, i *int, flag string) (string, bool, error) {
	arg := args[*i]
	if arg == flag {
		if *i+1 >= len(args) {
			return "", true, fmt.Errorf("missing value after %q", flag)
		}
		*i++
		return strings.TrimSpace(args[*i]), true, nil
	}
	if after, ok := strings.CutPrefix(arg, flag+"="); ok {
		return strings.TrimSpace(after), true, nil
	}
	return "", false, nil
}

func parseCLI(args []string, cfg RuntimeConfig) (RuntimeConfig, error) {
	runtimeCfg := cfg
	actionProvided := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == VERBOSE_FLAG {
			runtimeCfg.Verbose = true
			continue
		}

		if v, ok, err := flagValue(args, &i, ROOT_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			if v == "" {
				return runtimeCfg, fmt.Errorf("%s must not be empty", ROOT_FLAG)
			}
			runtimeCfg.Root = v
			continue
		}

		if v, ok, err := flagValue(args, &i, CONFIG_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.ConfigPath = v
			continue
		}

		if v, ok, err := flagValue(args, &i, LOG_CONFIG_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.LogConfigPath = v
			continue
		}

		if v, ok, err := flagValue(args, &i, CONCURRENCY_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return runtimeCfg, fmt.Errorf("invalid %s value %q: %w", CONCURRENCY_FLAG, v, err)
			}
			if parsed < 1 {
				return runtimeCfg, fmt.Errorf("%s must be >= 1", CONCURRENCY_FLAG)
			}
			runtimeCfg.Concurrency = parsed
			continue
		}

		if v, ok, err := flagValue(args, &i, NAMES_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Names = splitNames(v)
			if len(runtimeCfg.Names) == 0 {
				return runtimeCfg, fmt.Errorf("%s needs at least one name", NAMES_FLAG)
			}
			continue
		}

		if v, ok, err := flagValue(args, &i, ON_UNKNOWN_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			policy := checkpoint.UnknownPolicy(strings.ToLower(v))
			if policy != checkpoint.OnUnknownSkip && policy != checkpoint.OnUnknownFail {
				return runtimeCfg, fmt.Errorf("%s must be %q or %q, got %q", ON_UNKNOWN_FLAG, checkpoint.OnUnknownSkip, checkpoint.OnUnknownFail, v)
			}
			runtimeCfg.OnUnknown = policy
			continue
		}

		if v, ok, err := flagValue(args, &i, OUT_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.OutPath = v
			continue
		}

		if v, ok, err := flagValue(args, &i, IN_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.InPath = v
			continue
		}

		if v, ok, err := flagValue(args, &i, SEED_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			parsed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return runtimeCfg, fmt.Errorf("invalid %s value %q: %w", SEED_FLAG, v, err)
			}
			runtimeCfg.Seed = parsed
			continue
		}

		if v, ok, err := flagValue(args, &i, MODEL_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			preset := strings.ToLower(v)
			if _, err := presetConfig(preset); err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Preset = preset
			continue
		}

		if strings.HasPrefix(arg, "--") {
			return runtimeCfg, fmt.Errorf("unsupported flag %q", arg)
		}

		action, ok := parseAction(arg)
		if !ok {
			return runtimeCfg, fmt.Errorf("unsupported argument %q", arg)
		}
		if actionProvided {
			return runtimeCfg, fmt.Errorf("multiple actions provided: %q", arg)
		}
		runtimeCfg.Action = action
		actionProvided = true
	}

	if !actionProvided {
		return runtimeCfg, fmt.Errorf("no action provided")
	}
	switch runtimeCfg.Action {
	case ActionSaveLayers:
		if len(runtimeCfg.Names) == 0 {
			return runtimeCfg, fmt.Errorf("%s requires %s", ActionSaveLayers, NAMES_FLAG)
		}
	case ActionExport:
		if runtimeCfg.OutPath == "" {
			return runtimeCfg, fmt.Errorf("%s requires %s", ActionExport, OUT_FLAG)
		}
	case ActionImport:
		if runtimeCfg.InPath == "" {
			return runtimeCfg, fmt.Errorf("%s requires %s", ActionImport, IN_FLAG)
		}
	}
	return runtimeCfg, nil
}

func parseAction(arg string) (Action, bool) {
	normalized := strings.ToLower(strings.TrimSpace(arg))
	switch normalized {
	case "save_layers", "savelayers":
		return ActionSaveLayers, true
	}
	for _, a := range actions {
		if string(a) == normalized {
			return a, true
		}
	}
	return "", false
}

func splitNames(raw string) []string {
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func presetConfig(preset string) (model.OPTConfig, error) {
	switch preset {
	case PresetTiny:
		return model.TinyOPT(), nil
	case PresetOPT125M:
		return model.OPT125M(), nil
	default:
		return model.OPTConfig{}, fmt.Errorf("unknown model preset %q (want %q or %q)", preset, PresetTiny, PresetOPT125M)
	}
}

// checkpointConfig loads the config file when given and applies the
// command line overrides on top.
func (c RuntimeConfig) checkpointConfig() (checkpoint.Config, error) {
	cfg := checkpoint.DefaultConfig()
	if c.ConfigPath != "" {
		loaded, err := checkpoint.LoadConfig(c.ConfigPath)
		if err != nil {
			return checkpoint.Config{}, err
		}
		cfg = loaded
	}
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.OnUnknown != "" {
		cfg.OnUnknown = c.OnUnknown
	}
	if c.Verbose {
		cfg.Verbose = true
	}
	return cfg, cfg.Validate()
}

func printUsage(cfg RuntimeConfig) {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	fmt.Printf("Usage: checkpoint [%s] [%s DIR] [%s FILE] [%s N] [%s a,b] [%s skip|fail] [%s N] [%s %s|%s] [%s FILE] [%s FILE] [%s]\n",
		strings.Join(names, "|"),
		ROOT_FLAG, CONFIG_FLAG, CONCURRENCY_FLAG, NAMES_FLAG, ON_UNKNOWN_FLAG,
		SEED_FLAG, MODEL_FLAG, PresetTiny, PresetOPT125M, OUT_FLAG, IN_FLAG, VERBOSE_FLAG,
	)
	fmt.Printf("Checkpoint root defaults to %s.\n", cfg.Root)
	fmt.Printf("Synthetic model defaults to %q with seed %d.\n", cfg.Preset, cfg.Seed)
	fmt.Println("Actions: save (synthetic model), save-layers (re-randomize and save --names only), load (restore and summarize), inspect (list index entries), verify (deep integrity scan), prune (drop unreferenced arrays), export (--out safetensors), import (--in safetensors then save), stats (runtime + storage usage).")
}

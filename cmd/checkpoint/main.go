package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/danmuck/dps_tensors/cmd/internal/logcfg"
	logs "github.com/danmuck/smplog"
)

var errVerifyFailed = errors.New("checkpoint failed verification")

func main() {
	cfg, err := parseCLI(os.Args[1:], defaultRuntimeConfig)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		printUsage(defaultRuntimeConfig)
		os.Exit(1)
	}
	logs.Configure(logcfg.Load(cfg.LogConfigPath, cfg.Verbose))
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	printRuntimeSummary(cfg)
	if err := executeAction(ctx, cfg); err != nil {
		logs.Fatalf(err, "Action %q failed", cfg.Action)
	}
}

func printRuntimeSummary(cfg RuntimeConfig) {
	logs.Printf("\n")
	logs.Field("Action", cfg.Action)
	logs.Printf("\n")
	logs.Field("Checkpoint root", cfg.Root)
	logs.Printf("\n")
	if cfg.ConfigPath != "" {
		logs.Field("Config file", cfg.ConfigPath)
		logs.Printf("\n")
	}
	if len(cfg.Names) > 0 {
		logs.Field("Names", len(cfg.Names))
		logs.Printf("\n")
	}
}

func executeAction(ctx context.Context, cfg RuntimeConfig) error {
	ckptCfg, err := cfg.checkpointConfig()
	if err != nil {
		return err
	}
	if err := createDirPath(cfg.Root); err != nil {
		return fmt.Errorf("failed to ensure checkpoint root %s: %w", cfg.Root, err)
	}

	switch cfg.Action {
	case ActionSave:
		return executeSaveAction(ctx, cfg, ckptCfg)
	case ActionSaveLayers:
		return executeSaveLayersAction(ctx, cfg, ckptCfg)
	case ActionLoad:
		return executeLoadAction(ctx, cfg, ckptCfg)
	case ActionInspect:
		return executeInspectAction(cfg, ckptCfg)
	case ActionVerify:
		return executeVerifyAction(ctx, cfg, ckptCfg)
	case ActionPrune:
		return executePruneAction(cfg, ckptCfg)
	case ActionExport:
		return executeExportAction(ctx, cfg, ckptCfg)
	case ActionImport:
		return executeImportAction(ctx, cfg, ckptCfg)
	case ActionStats:
		return executeStatsAction(cfg, ckptCfg)
	default:
		return fmt.Errorf("unsupported action: %s", cfg.Action)
	}
}

func createDirPath(path string) error {
	return os.MkdirAll(path, 0755)
}

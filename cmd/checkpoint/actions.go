package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/dps_tensors/src/checkpoint"
	"github.com/danmuck/dps_tensors/src/interop"
	"github.com/danmuck/dps_tensors/src/model"
	logs "github.com/danmuck/smplog"
)

func executeSaveAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	summary := OpSummary{Operation: "save", Target: cfg.Root}
	var sd *model.StateDict
	err := summary.Timer.Run("build model", func() error {
		optCfg, err := presetConfig(cfg.Preset)
		if err != nil {
			return err
		}
		sd, err = model.NewOPTLike(optCfg, cfg.Seed)
		if err != nil {
			return fmt.Errorf("failed to build %s model: %w", cfg.Preset, err)
		}
		return nil
	})
	if err == nil {
		err = saveStateDict(ctx, cfg, ckptCfg, sd, &summary)
	}
	summary.Err = err
	renderSummary(summary)
	return err
}

func saveStateDict(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config, sd *model.StateDict, summary *OpSummary) error {
	var store checkpoint.Store
	err := summary.Timer.Run("open store", func() error {
		var err error
		store, err = checkpoint.OpenStore(cfg.Root, ckptCfg)
		return err
	})
	if err != nil {
		return err
	}

	w := checkpoint.NewWriter(store, ckptCfg)
	var handle checkpoint.Handle
	err = summary.Timer.Run("write + commit", func() error {
		var err error
		handle, err = w.Save(ctx, sd)
		return err
	})
	if err != nil {
		return err
	}

	s := model.Summarize(sd)
	summary.Tensors = s.Parameters
	summary.Bytes = uint64(s.Bytes)
	logs.Titlef("\nSaved checkpoint\n")
	logs.DataKV("Handle", string(handle))
	logs.DataKV("Generation", w.Generation())
	logs.DataKV("Model", s.String())
	return nil
}

func executeSaveLayersAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	optCfg, err := presetConfig(cfg.Preset)
	if err != nil {
		return err
	}
	sd, err := model.NewOPTSkeleton(optCfg)
	if err != nil {
		return err
	}
	if err := model.Randomize(sd, cfg.Seed, cfg.Names...); err != nil {
		return err
	}
	changed, err := sd.Select(cfg.Names...)
	if err != nil {
		return err
	}

	store, err := checkpoint.OpenStore(cfg.Root, ckptCfg)
	if err != nil {
		return err
	}
	w := checkpoint.NewWriter(store, ckptCfg)
	if _, err := w.SaveLayers(ctx, changed); err != nil {
		return err
	}
	idx, err := checkpoint.LoadIndex(store)
	if err != nil {
		return err
	}
	logs.Titlef("\nSaved %d layer(s) into generation %s\n", len(changed), w.Generation())
	logs.DataKV("Tensors in index", idx.Len())
	logs.DataKV("Generations referenced", strings.Join(idx.Generations(), ", "))
	return nil
}

func executeLoadAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	summary := OpSummary{Operation: "load", Target: cfg.Root}
	err := loadCheckpoint(ctx, cfg, ckptCfg, &summary)
	summary.Err = err
	renderSummary(summary)
	return err
}

func loadCheckpoint(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config, summary *OpSummary) error {
	var r *checkpoint.Reader
	err := summary.Timer.Run("open index", func() error {
		var err error
		r, err = checkpoint.OpenReader(cfg.Root, ckptCfg)
		return err
	})
	if err != nil {
		return err
	}

	sd := model.NewOpenStateDict()
	var report checkpoint.RestoreReport
	err = summary.Timer.Run("restore", func() error {
		var err error
		report, err = r.Restore(ctx, sd, cfg.Names...)
		return err
	})
	if err != nil {
		return err
	}

	s := model.Summarize(sd)
	summary.Tensors = len(report.Restored)
	summary.Bytes = uint64(s.Bytes)
	logs.Titlef("\nRestored generation %s\n", r.Index().Generation())
	logs.DataKV("Model", s.String())
	for _, skipped := range report.Skipped {
		logs.StatusWarn(fmt.Sprintf("skipped %s: %v", skipped.Name, skipped.Err))
		logs.Printf("\n")
	}
	return nil
}

func executeInspectAction(cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	store, err := checkpoint.OpenStoreForRead(cfg.Root, ckptCfg)
	if err != nil {
		return err
	}
	idx, err := checkpoint.LoadIndex(store)
	if err != nil {
		return err
	}

	logs.Titlef("\nCheckpoint index (%d tensors):\n", idx.Len())
	logs.DataKV("Generation", idx.Generation())
	logs.DataKV("Created", idx.Created().Format(time.RFC3339))
	logs.DataKV("Total size", formatBytes(uint64(idx.TotalBytes())))
	for i, e := range idx.Entries() {
		loc := e.Location
		logs.MenuItem(i, e.Name, false)
		logs.Printf("\n")
		logs.Dataf("      %s %v  chunks: %v  size: %s\n", loc.DType, loc.Shape, loc.Chunks, formatBytes(uint64(loc.ByteSize())))
		logs.Dataf("      path: %s  checksum: %s\n", loc.Path, shortChecksum(loc.Checksum))
	}
	return nil
}

func executeVerifyAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	store, err := checkpoint.OpenStoreForRead(cfg.Root, ckptCfg)
	if err != nil {
		return err
	}
	logs.Println("\nRunning integrity scan...")

	problems := checkpoint.VerifyCheckpoint(ctx, store)
	chunkErrs := store.VerifyAll("")
	if len(problems) == 0 && len(chunkErrs) == 0 {
		logs.StatusInfo("All layers and chunks verified: healthy.")
		logs.Printf("\n")
		return nil
	}

	logs.Printf("Found %d layer error(s) and %d chunk error(s):\n", len(problems), len(chunkErrs))
	for i, p := range problems {
		logs.MenuItem(i, p.Error(), false)
		logs.Printf("\n")
	}
	for i, ce := range chunkErrs {
		logs.MenuItem(len(problems)+i, ce.Error(), false)
		logs.Printf("\n")
	}
	return errVerifyFailed
}

func executePruneAction(cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	store, err := checkpoint.OpenStore(cfg.Root, ckptCfg)
	if err != nil {
		return err
	}
	report, err := checkpoint.Prune(store, ckptCfg.Logger)
	if err != nil {
		return err
	}
	logs.Printf("Prune complete: removed %d array(s), kept %d, freed %s, rolled back %d save(s).\n",
		len(report.Removed),
		report.Kept,
		formatBytes(uint64(report.BytesFreed)),
		report.Recovered,
	)
	if cfg.Verbose {
		for _, path := range report.Removed {
			logs.Dataf("  removed %s\n", path)
		}
	}
	return nil
}

func executeExportAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	summary := OpSummary{Operation: "export", Target: cfg.OutPath}
	err := exportCheckpoint(ctx, cfg, ckptCfg, &summary)
	summary.Err = err
	renderSummary(summary)
	return err
}

func exportCheckpoint(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config, summary *OpSummary) error {
	dir := filepath.Dir(cfg.OutPath)
	if err := createDirPath(dir); err != nil {
		return fmt.Errorf("failed to ensure output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	out := &countingWriter{dst: tmp}
	err = summary.Timer.Run("restore + serialize", func() error {
		n, err := interop.ExportSafetensors(ctx, cfg.Root, ckptCfg, out)
		summary.Tensors = n
		return err
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	summary.Bytes = out.Written()
	return os.Rename(tmp.Name(), cfg.OutPath)
}

func executeImportAction(ctx context.Context, cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	summary := OpSummary{Operation: "import", Target: cfg.InPath}
	var sd *model.StateDict
	err := summary.Timer.Run("map + decode", func() error {
		var err error
		sd, err = interop.ImportSafetensorsFile(cfg.InPath)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", cfg.InPath, err)
		}
		return nil
	})
	if err == nil {
		err = saveStateDict(ctx, cfg, ckptCfg, sd, &summary)
	}
	summary.Err = err
	renderSummary(summary)
	return err
}

func shortChecksum(sum string) string {
	const keep = len("sha256:") + 16
	if len(sum) > keep {
		return sum[:keep] + "..."
	}
	return sum
}

func formatBytes(value uint64) string {
	if value == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(value)
	unitIdx := 0
	for size >= 1024 && unitIdx < len(units)-1 {
		size /= 1024
		unitIdx++
	}

	if unitIdx == 0 {
		return fmt.Sprintf("%d %s", value, units[unitIdx])
	}

	formatted := fmt.Sprintf("%.2f", size)
	formatted = strings.TrimRight(strings.TrimRight(formatted, "0"), ".")
	return fmt.Sprintf("%s %s", formatted, units[unitIdx])
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/checkpoint"
	logs "github.com/danmuck/smplog"
)

type RuntimeStats struct {
	GoVersion    string
	NumCPU       int
	NumGoroutine int
	AllocBytes   uint64
	TotalAlloc   uint64
	SysBytes     uint64
	NumGC        uint32
}

// StorageStats splits the checkpoint root by role. Live generations are
// those the committed index references; everything else under a
// generation directory is prunable.
type StorageStats struct {
	RootPath          string
	IndexBytes        uint64
	IntentBytes       uint64
	LiveBytes         uint64
	PrunableBytes     uint64
	OtherBytes        uint64
	TotalBytes        uint64
	LiveGenerations   int
	TotalGenerations  int
	CommittedTensors  int
	CommittedGen      string
	CheckpointPresent bool
}

func executeStatsAction(cfg RuntimeConfig, ckptCfg checkpoint.Config) error {
	runtimeStats := collectRuntimeStats()

	store, err := checkpoint.OpenStoreForRead(cfg.Root, ckptCfg)
	if err != nil {
		return err
	}
	storageStats, err := collectStorageStats(store)
	if err != nil {
		return err
	}

	logs.Titlef("\nSystem Stats\n")
	logs.DataKV("Generated at", time.Now().Format(time.RFC3339))
	logs.DataKV("Go version", runtimeStats.GoVersion)
	logs.Dataf("CPUs: %d  Goroutines: %d\n", runtimeStats.NumCPU, runtimeStats.NumGoroutine)
	logs.Dataf("Memory: alloc=%s  total_alloc=%s  sys=%s  num_gc=%d\n",
		formatBytes(runtimeStats.AllocBytes),
		formatBytes(runtimeStats.TotalAlloc),
		formatBytes(runtimeStats.SysBytes),
		runtimeStats.NumGC,
	)

	logs.Titlef("\nCheckpoint Storage\n")
	logs.DataKV("Root", storageStats.RootPath)
	if storageStats.CheckpointPresent {
		logs.DataKV("Committed generation", storageStats.CommittedGen)
		logs.DataKV("Committed tensors", storageStats.CommittedTensors)
	} else {
		logs.StatusWarn("no committed checkpoint")
		logs.Printf("\n")
	}
	logs.DataKV("Generations (live/total)", fmt.Sprintf("%d/%d", storageStats.LiveGenerations, storageStats.TotalGenerations))
	logs.DataKV(checkpoint.IndexFile, formatBytes(storageStats.IndexBytes))
	logs.DataKV(array_store.IntentDir+"/", formatBytes(storageStats.IntentBytes))
	logs.DataKV("live arrays", formatBytes(storageStats.LiveBytes))
	logs.DataKV("prunable arrays", formatBytes(storageStats.PrunableBytes))
	logs.DataKV("other", formatBytes(storageStats.OtherBytes))
	logs.DataKV("total", formatBytes(storageStats.TotalBytes))
	return nil
}

func collectRuntimeStats() RuntimeStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeStats{
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		AllocBytes:   mem.Alloc,
		TotalAlloc:   mem.TotalAlloc,
		SysBytes:     mem.Sys,
		NumGC:        mem.NumGC,
	}
}

func collectStorageStats(store checkpoint.Store) (StorageStats, error) {
	root := store.RootDir()
	stats := StorageStats{RootPath: filepath.Clean(root)}

	var live []string
	idx, err := checkpoint.LoadIndex(store)
	switch {
	case err == nil:
		stats.CheckpointPresent = true
		stats.CommittedGen = idx.Generation()
		stats.CommittedTensors = idx.Len()
		live = idx.Generations()
	case errors.Is(err, checkpoint.ErrCheckpointNotFound):
	default:
		return stats, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to read checkpoint root %s: %w", root, err)
	}

	for _, entry := range entries {
		size, err := pathSize(filepath.Join(root, entry.Name()))
		if err != nil {
			return stats, err
		}

		name := entry.Name()
		switch {
		case name == checkpoint.IndexFile:
			stats.IndexBytes += size
		case name == array_store.IntentDir:
			stats.IntentBytes += size
		case entry.IsDir() && store.HasPrefix(name):
			stats.TotalGenerations++
			if slices.Contains(live, name) {
				stats.LiveGenerations++
				stats.LiveBytes += size
			} else {
				stats.PrunableBytes += size
			}
		default:
			stats.OtherBytes += size
		}
	}

	stats.TotalBytes = stats.IndexBytes + stats.IntentBytes + stats.LiveBytes + stats.PrunableBytes + stats.OtherBytes
	return stats, nil
}

func pathSize(path string) (uint64, error) {
	var total uint64

	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Size() > 0 && !info.IsDir() {
			total += uint64(info.Size())
		}

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan %s: %w", path, err)
	}

	return total, nil
}

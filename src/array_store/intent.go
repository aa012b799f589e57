package array_store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
)

// IntentRecord is the JSON structure written to .intents/{id}.json before a
// batch of arrays is written under Prefix. If the owning process dies before
// the batch is published, RecoverIntents removes the prefix.
type IntentRecord struct {
	ID        string `json:"id"`
	Prefix    string `json:"prefix"`
	StartedAt int64  `json:"started_at"`
	Host      string `json:"host,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// heldIntents tracks the intent files this process still owns, keyed by
// absolute path. An intent of this process that is not held was abandoned.
var heldIntents = struct {
	sync.Mutex
	paths map[string]bool
}{paths: map[string]bool{}}

var hostname = sync.OnceValue(func() string {
	h, _ := os.Hostname()
	return h
})

func intentKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func holdIntent(path string, held bool) {
	key := intentKey(path)
	heldIntents.Lock()
	defer heldIntents.Unlock()
	if held {
		heldIntents.paths[key] = true
		return
	}
	delete(heldIntents.paths, key)
}

func intentHeld(path string) bool {
	heldIntents.Lock()
	defer heldIntents.Unlock()
	return heldIntents.paths[intentKey(path)]
}

// ownerAlive reports whether the process that wrote rec may still be
// writing under its prefix. Owners on another host cannot be checked and
// count as alive; records without an owner count as abandoned.
func ownerAlive(path string, rec IntentRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	if rec.Host != "" && rec.Host != hostname() {
		return true
	}
	if rec.PID == os.Getpid() {
		return intentHeld(path)
	}
	return processAlive(rec.PID)
}

func (as *ArrayStore) intentDir() string {
	return filepath.Join(as.rootDir, IntentDir)
}

func (as *ArrayStore) intentPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: intent id %q", ErrInvalidPath, id)
	}
	return filepath.Join(as.intentDir(), id+".json"), nil
}

// WriteIntent durably records that writes under rec.Prefix are in progress.
// Unless rec names another owner, the intent is stamped with this process
// and held until ClearIntent or ReleaseIntent.
func (as *ArrayStore) WriteIntent(rec IntentRecord) error {
	path, err := as.intentPath(rec.ID)
	if err != nil {
		return err
	}
	if _, err := as.resolve(rec.Prefix); err != nil {
		return err
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
		rec.Host = hostname()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to publish intent %s: %w", rec.ID, err)
	}
	if rec.PID == os.Getpid() {
		holdIntent(path, true)
	}
	return nil
}

// ClearIntent removes the intent once its batch has been published.
func (as *ArrayStore) ClearIntent(id string) error {
	path, err := as.intentPath(id)
	if err != nil {
		return err
	}
	holdIntent(path, false)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear intent file: %w", err)
	}
	return nil
}

// ReleaseIntent gives up ownership of an intent without removing it. The
// next RecoverIntents treats its batch as abandoned.
func (as *ArrayStore) ReleaseIntent(id string) {
	if path, err := as.intentPath(id); err == nil {
		holdIntent(path, false)
	}
}

// ListIntents returns every readable intent ordered by ID. Unparseable
// intent files are skipped.
func (as *ArrayStore) ListIntents() ([]IntentRecord, error) {
	entries, err := os.ReadDir(as.intentDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read intents directory: %w", err)
	}

	var records []IntentRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := readIntentFile(filepath.Join(as.intentDir(), entry.Name()))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// RecoverIntents scans the intent journal and removes the prefix of every
// intent that committed reports as unpublished and whose owner is gone.
// Intents of a live owner are left alone; every other intent file is
// deleted. It returns the number of prefixes removed.
func (as *ArrayStore) RecoverIntents(committed func(IntentRecord) bool) (int, error) {
	dir := as.intentDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read intents directory: %w", err)
	}

	var issues []string
	cleaned := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		removed, err := as.recoverIntentFile(filepath.Join(dir, entry.Name()), committed)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", entry.Name(), err))
			if as.config.Verbose {
				logs.Warnf("intent recovery issue for %s: %v", entry.Name(), err)
			}
			continue
		}
		if removed {
			cleaned++
		}
	}

	if len(issues) > 0 {
		return cleaned, fmt.Errorf("intent recovery encountered %d issue(s): %s", len(issues), strings.Join(issues, "; "))
	}
	return cleaned, nil
}

func (as *ArrayStore) recoverIntentFile(intentPath string, committed func(IntentRecord) bool) (bool, error) {
	rec, err := readIntentFile(intentPath)
	if err != nil {
		if rmErr := os.Remove(intentPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, fmt.Errorf("failed to parse and remove corrupt intent: %w", rmErr)
		}
		return false, nil
	}

	if committed != nil && committed(rec) {
		if as.config.Verbose {
			logs.Infof("Intent recovery: skipping cleanup for published batch %s (%s)", rec.ID, rec.Prefix)
		}
		if err := os.Remove(intentPath); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to remove stale intent: %w", err)
		}
		return false, nil
	}

	if ownerAlive(intentPath, rec) {
		if as.config.Verbose {
			logs.Debugf("Intent recovery: batch %s (%s) is still owned by pid %d", rec.ID, rec.Prefix, rec.PID)
		}
		return false, nil
	}

	removed := false
	if rec.Prefix != "" && as.HasPrefix(rec.Prefix) {
		if err := as.RemovePrefix(rec.Prefix); err != nil {
			return false, fmt.Errorf("failed to remove orphaned prefix %s: %w", rec.Prefix, err)
		}
		removed = true
		if as.config.Verbose {
			logs.Infof("Intent recovery: removed orphaned arrays under %s (%s)", rec.Prefix, rec.ID)
		}
	}

	if err := os.Remove(intentPath); err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("failed to remove recovered intent file: %w", err)
	}
	return removed, nil
}

func readIntentFile(path string) (IntentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IntentRecord{}, fmt.Errorf("failed to read intent file: %w", err)
	}
	var rec IntentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return IntentRecord{}, fmt.Errorf("failed to parse intent file: %w", err)
	}
	if rec.ID == "" {
		return IntentRecord{}, fmt.Errorf("intent file has no id")
	}
	return rec, nil
}

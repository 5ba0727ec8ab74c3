package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultSnapshotHistory = 5

// SnapshotWriter persists the aggregated catalog to disk so a run's tool
// surface can be diffed after the fact. Writes are atomic; a bounded number
// of timestamped copies is kept alongside the current file.
type SnapshotWriter struct {
	catalog *Catalog
	path    string
	history int
}

func NewSnapshotWriter(catalog *Catalog, cfg *SnapshotConfig) *SnapshotWriter {
	if cfg == nil {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "catalog.json"
	}
	history := cfg.History
	if history <= 0 {
		history = envInt("MCPRELAY_SNAPSHOT_HISTORY", defaultSnapshotHistory)
	}
	return &SnapshotWriter{catalog: catalog, path: path, history: history}
}

// Write dumps the current catalog. Failures are logged, not fatal: a broken
// snapshot never takes down live traffic.
func (s *SnapshotWriter) Write() {
	if s == nil {
		return
	}
	payload := map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"tools":       s.catalog.Aggregate(),
	}
	written, err := writeSnapshotWithHistory(stateHome(), s.path, payload, s.history, time.Now())
	if err != nil {
		log.Printf("<snapshot> write failed: %v", err)
		return
	}
	log.Printf("<snapshot> wrote %s", written)
}

func writeSnapshotWithHistory(home, basePath string, payload any, historyCount int, stamp time.Time) (string, error) {
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	resolvedBase, err := mkdirAllUnder(home, filepath.Join(home, basePath))
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if err := writeAtomic(resolvedBase, data); err != nil {
		return "", err
	}
	if historyCount > 0 {
		ts := stamp.UTC().Format("20060102-150405")
		stamped := fmt.Sprintf("%s.%s.json", strings.TrimSuffix(resolvedBase, ".json"), ts)
		_ = writeAtomic(stamped, data)
		_ = pruneHistory(resolvedBase, historyCount)
	}
	return resolvedBase, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func pruneHistory(basePath string, keep int) error {
	if keep < 0 {
		return nil
	}
	dir := filepath.Dir(basePath)
	prefix := strings.TrimSuffix(filepath.Base(basePath), ".json") + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	history := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		full := filepath.Join(dir, name)
		if full == basePath {
			continue
		}
		history = append(history, full)
	}
	if len(history) <= keep {
		return nil
	}
	sort.Strings(history)
	for i := 0; i < len(history)-keep; i++ {
		_ = os.Remove(history[i])
	}
	return nil
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSnapshotWriteIsAtomicAndKeepsHistory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MCPRELAY_STATE_HOME", home)

	c := NewCatalog(&RelayConfig{Name: "relay", Version: "0.1.0"}, nil)
	c.SetTools("alpha", testTools("echo"))

	w := NewSnapshotWriter(c, &SnapshotConfig{Path: "catalog.json", History: 3})
	w.Write()

	current := filepath.Join(home, "catalog.json")
	data, err := os.ReadFile(current)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("snapshot is not valid json: %v", err)
	}
	if payload["generatedAt"] == nil {
		t.Fatalf("snapshot missing generatedAt")
	}
	tools, ok := payload["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("snapshot tools = %v", payload["tools"])
	}

	// no leftover tmp file
	if _, err := os.Stat(current + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}

	entries, err := os.ReadDir(home)
	if err != nil {
		t.Fatalf("read state dir: %v", err)
	}
	stamped := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "catalog.") && name != "catalog.json" && strings.HasSuffix(name, ".json") {
			stamped++
		}
	}
	if stamped != 1 {
		t.Fatalf("stamped copies = %d, want 1", stamped)
	}
}

func TestPruneHistoryKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(base, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	stamps := []string{"20240101-000000", "20240102-000000", "20240103-000000", "20240104-000000"}
	for _, ts := range stamps {
		path := filepath.Join(dir, "catalog."+ts+".json")
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write stamped: %v", err)
		}
	}

	if err := pruneHistory(base, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	remaining := make([]string, 0)
	for _, entry := range entries {
		if entry.Name() != "catalog.json" {
			remaining = append(remaining, entry.Name())
		}
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining history = %v, want 2 newest", remaining)
	}
	for _, name := range remaining {
		if name == "catalog.20240101-000000.json" || name == "catalog.20240102-000000.json" {
			t.Fatalf("oldest history kept: %v", remaining)
		}
	}
}

func TestWriteAtomicReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := writeAtomic(path, []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := writeAtomic(path, []byte("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q", data)
	}
}

func TestSnapshotWriterNilConfigDisabled(t *testing.T) {
	if w := NewSnapshotWriter(NewCatalog(&RelayConfig{}, nil), nil); w != nil {
		t.Fatalf("expected nil writer without config")
	}
	var w *SnapshotWriter
	w.Write() // must not panic
}

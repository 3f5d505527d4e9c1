package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFlushSettledBatchesByRoot(t *testing.T) {
	dir := t.TempDir()
	submitter := &captureSubmitter{}
	w, err := NewWatcher(submitter, []WatchPath{{Path: dir, Recursive: true, Debounce: 10 * time.Millisecond}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	now := time.Now()
	w.mu.Lock()
	w.pending[filepath.Join(dir, "a.go")] = pendingChange{root: dir, at: now.Add(-time.Millisecond)}
	w.pending[filepath.Join(dir, "b.go")] = pendingChange{root: dir, at: now.Add(-time.Millisecond)}
	w.pending[filepath.Join(dir, "late.go")] = pendingChange{root: dir, at: now.Add(time.Hour)}
	w.mu.Unlock()

	w.flushSettled(context.Background(), now)

	if len(submitter.requests) != 1 {
		t.Fatalf("expected one directive, got %d", len(submitter.requests))
	}
	req := submitter.requests[0]
	if req.Action != "file_change_event" || req.Source != "event_monitor" {
		t.Fatalf("unexpected request: %+v", req)
	}
	files, ok := req.Metadata["files"].([]string)
	if !ok || len(files) != 2 {
		t.Fatalf("unexpected files metadata: %+v", req.Metadata)
	}

	w.mu.Lock()
	remaining := len(w.pending)
	w.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("debounce window ignored, pending=%d", remaining)
	}
}

func TestWatcherCapsReportedFiles(t *testing.T) {
	dir := t.TempDir()
	submitter := &captureSubmitter{}
	w, err := NewWatcher(submitter, []WatchPath{{Path: dir, Recursive: false}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	now := time.Now()
	w.mu.Lock()
	for i := 0; i < defaultMaxReportedFiles+5; i++ {
		name := filepath.Join(dir, string(rune('a'+i))+".go")
		w.pending[name] = pendingChange{root: dir, at: now.Add(-time.Millisecond)}
	}
	w.mu.Unlock()

	w.flushSettled(context.Background(), now)

	if len(submitter.requests) != 1 {
		t.Fatalf("expected one directive, got %d", len(submitter.requests))
	}
	files := submitter.requests[0].Metadata["files"].([]string)
	if len(files) != defaultMaxReportedFiles {
		t.Fatalf("expected %d reported files, got %d", defaultMaxReportedFiles, len(files))
	}
}

func TestWatcherOptionsOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	submitter := &captureSubmitter{}
	w, err := NewWatcher(submitter, []WatchPath{{Path: dir, Recursive: false}},
		WithRescanInterval(3*time.Second),
		WithMaxReportedFiles(2),
	)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	if w.rescan != 3*time.Second {
		t.Fatalf("expected rescan interval 3s, got %v", w.rescan)
	}

	now := time.Now()
	w.mu.Lock()
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go"} {
		w.pending[filepath.Join(dir, name)] = pendingChange{root: dir, at: now.Add(-time.Millisecond)}
	}
	w.mu.Unlock()

	w.flushSettled(context.Background(), now)

	if len(submitter.requests) != 1 {
		t.Fatalf("expected one directive, got %d", len(submitter.requests))
	}
	files := submitter.requests[0].Metadata["files"].([]string)
	if len(files) != 2 {
		t.Fatalf("expected configured cap of 2 files, got %d", len(files))
	}
}

func TestWatcherOptionsRejectInvalidValues(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil, []WatchPath{{Path: dir}},
		WithRescanInterval(0),
		WithMaxReportedFiles(-1),
	)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	if w.rescan != 10*time.Second {
		t.Fatalf("expected default rescan kept, got %v", w.rescan)
	}
	if w.maxFiles != defaultMaxReportedFiles {
		t.Fatalf("expected default file cap kept, got %d", w.maxFiles)
	}
}

func TestWatcherLookupRoot(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	w, err := NewWatcher(nil, []WatchPath{{Path: dir, Recursive: true}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.watcher.Close()

	if _, _, ok := w.lookupRoot(filepath.Join(dir, "sub", "x.go")); !ok {
		t.Fatal("nested path should resolve to watch root")
	}
	if _, _, ok := w.lookupRoot(filepath.Join(other, "x.go")); ok {
		t.Fatal("foreign path should not match")
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

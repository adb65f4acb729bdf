package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWrite_CreatesFileAndObjectKey(t *testing.T) {
	dir := t.TempDir()

	localPath, objectKey, err := Write(dir, "topsql", 1, time.Unix(0, 1000), map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected contents: %s", data)
	}
	if filepath.Dir(objectKey) != "topsql" {
		t.Errorf("expected object key under topsql/, got %s", objectKey)
	}
	if _, err := os.Stat(localPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be renamed away")
	}
}

func TestWatcher_EmitsEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Write(dir, "topsql", 1, time.Unix(0, 1), "a"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	w := NewWatcher(dir, "topsql", 5*time.Millisecond)
	out := make(chan Event, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, out)

	select {
	case ev := <-out:
		if ev.ObjectKey == "" || ev.LocalPath == "" {
			t.Error("expected non-empty event fields")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}

	if _, _, err := Write(dir, "topsql", 2, time.Unix(0, 2), "b"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}

	select {
	case ev := <-out:
		t.Fatalf("expected no further events, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSpoolFinalizer_DeliveredRemovesFile(t *testing.T) {
	dir := t.TempDir()
	localPath, _, err := Write(dir, "topsql", 1, time.Unix(0, 1), "x")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	ev := Event{LocalPath: localPath}
	ev.Finalizer().Delivered()

	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Error("expected file to be removed after Delivered")
	}
}

func TestSpoolFinalizer_RejectedLeavesFile(t *testing.T) {
	dir := t.TempDir()
	localPath, _, err := Write(dir, "topsql", 1, time.Unix(0, 1), "x")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	ev := Event{LocalPath: localPath}
	ev.Finalizer().Rejected()

	if _, err := os.Stat(localPath); err != nil {
		t.Errorf("expected file to remain after Rejected, stat error: %v", err)
	}
}

package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/taskflow/taskflow/internal/types"
)

func TestWatcherAdmitsNewTaskFile(t *testing.T) {
	dir := t.TempDir()

	admitted := make(chan *types.Task, 1)
	w := NewWatcher(dir, func(task *types.Task) error {
		admitted <- task
		return nil
	}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Give the watcher a moment to register with the filesystem before
	// writing, since fsnotify.Add is itself asynchronous on some platforms.
	time.Sleep(50 * time.Millisecond)

	def := `id: newly-added
title: Newly added task
owner: backend
priority: MED
`
	if err := os.WriteFile(filepath.Join(dir, "newly-added.yaml"), []byte(def), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}

	select {
	case task := <-admitted:
		if task.ID != "newly-added" {
			t.Errorf("admitted task id = %q, want newly-added", task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not admit the new task file within the deadline")
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned error after cancellation: %v", err)
	}
}

func TestWatcherSkipsNonTaskFiles(t *testing.T) {
	dir := t.TempDir()

	admitted := make(chan *types.Task, 1)
	w := NewWatcher(dir, func(task *types.Task) error {
		admitted <- task
		return nil
	}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a task"), 0o644); err != nil {
		t.Fatalf("write non-task file: %v", err)
	}

	select {
	case task := <-admitted:
		t.Fatalf("watcher admitted a non-task file: %+v", task)
	case <-time.After(200 * time.Millisecond):
	}
}

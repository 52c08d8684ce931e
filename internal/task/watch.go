package task

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// Watcher watches the task definition directory for files added or
// edited after the initial LoadDir sweep (AMBIENT STACK: "fsnotify
// watches the task definition directory... so newly dropped or edited
// task files feed the Graph Builder's incremental update path").
// Grounded on internal/hitl/policy.go's fsnotify.Watcher usage — same
// directory-level watch, filtered to this package's file extensions.
type Watcher struct {
	dir    string
	onTask func(*types.Task) error
	log    logr.Logger
}

// NewWatcher builds a Watcher over dir. onTask is called with every
// task successfully parsed from a changed file; a typical onTask is
// (*scheduler.Scheduler).AddTask.
func NewWatcher(dir string, onTask func(*types.Task) error, log logr.Logger) *Watcher {
	return &Watcher{dir: dir, onTask: onTask, log: log}
}

// Run blocks watching dir until ctx is cancelled or the watcher itself
// fails to start. A file that fails to parse or validate is logged and
// skipped rather than aborting the watch — one malformed edit should
// not take down an already-running process.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "start task directory watcher")
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeInternal, "watch task directory %s", w.dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "task directory watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isTaskDefinitionFile(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	t, err := LoadFile(ev.Name)
	if err != nil {
		w.log.Error(err, "skipping invalid task definition change", "path", ev.Name)
		return
	}
	if err := w.onTask(t); err != nil {
		w.log.Error(err, "failed to admit updated task", "task_id", t.ID, "path", ev.Name)
	}
}

func isTaskDefinitionFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

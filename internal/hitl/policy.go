package hitl

import (
	"context"
	"embed"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/open-policy-agent/opa/rego"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

//go:embed policy/escalation.rego
var defaultPolicyFS embed.FS

// PolicyConfig selects the escalation-ladder policy source.
type PolicyConfig struct {
	// PolicyPath, if set, overrides the embedded default policy with a
	// file on disk, hot-reloaded when the file changes and on a periodic
	// fallback tick (see watch).
	PolicyPath string
}

// Evaluator resolves a review item's escalation rung via an embedded
// Rego policy, grounded on the teacher's pkg/aianalysis/rego.Evaluator
// contract (Config{PolicyPath}, NewEvaluator, StartHotReload, Evaluate) —
// that package exists in the retrieval pack only as test files, so this
// is a from-scratch implementation matching the interface those tests
// imply, retargeted from approval-gating to escalation-rung lookup
// (Evaluate's role is played here by Rung).
type Evaluator struct {
	cfg PolicyConfig
	log logr.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modTime time.Time
}

func NewEvaluator(cfg PolicyConfig, log logr.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: log}
}

// StartHotReload compiles the configured policy and, when PolicyPath is
// set, watches its parent directory for changes (grounded on
// theRebelliousNerd-codenerd's MangleWatcher: a directory-level
// fsnotify.Watcher filtering events down to the one path of interest,
// since editors commonly replace a file via rename rather than an
// in-place write that a file-level watch would catch). A periodic
// fallback reload still runs alongside it — the same ticker idiom
// internal/memory/sweeper.go uses for its tier-demotion pass — in case
// an fsnotify event is ever missed (network filesystems, some CI
// environments).
func (e *Evaluator) StartHotReload(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return err
	}
	if e.cfg.PolicyPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "start hitl policy file watcher")
	}
	if err := watcher.Add(filepath.Dir(e.cfg.PolicyPath)); err != nil {
		_ = watcher.Close()
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "watch hitl policy directory")
	}

	go e.watch(ctx, watcher)
	return nil
}

func (e *Evaluator) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	target := filepath.Clean(e.cfg.PolicyPath)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := e.reload(ctx); err != nil {
				e.log.Error(err, "hitl policy reload failed, keeping previous policy")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.log.Error(err, "hitl policy watcher error")
		case <-ticker.C:
			if err := e.reload(ctx); err != nil {
				e.log.Error(err, "hitl policy reload failed, keeping previous policy")
			}
		}
	}
}

func (e *Evaluator) reload(ctx context.Context) error {
	text, modTime, err := e.readPolicy()
	if err != nil {
		return err
	}

	e.mu.RLock()
	unchanged := !modTime.IsZero() && modTime.Equal(e.modTime)
	e.mu.RUnlock()
	if unchanged {
		return nil
	}

	query, err := rego.New(
		rego.Query("data.taskflow.hitl.rung"),
		rego.Module("escalation.rego", text),
	).PrepareForEval(ctx)
	if err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "compile hitl escalation policy")
	}

	e.mu.Lock()
	e.query = query
	e.modTime = modTime
	e.mu.Unlock()
	return nil
}

func (e *Evaluator) readPolicy() (string, time.Time, error) {
	if e.cfg.PolicyPath == "" {
		data, err := defaultPolicyFS.ReadFile("policy/escalation.rego")
		if err != nil {
			return "", time.Time{}, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "read embedded hitl escalation policy")
		}
		return string(data), time.Time{}, nil
	}
	info, err := os.Stat(e.cfg.PolicyPath)
	if err != nil {
		return "", time.Time{}, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "stat hitl policy file")
	}
	data, err := os.ReadFile(e.cfg.PolicyPath)
	if err != nil {
		return "", time.Time{}, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "read hitl policy file")
	}
	return string(data), info.ModTime(), nil
}

// Stop is a no-op placeholder matching the teacher-implied Evaluator
// contract; the watch goroutine exits via ctx cancellation instead of an
// explicit stop signal.
func (e *Evaluator) Stop() {}

// Rung evaluates the escalation ladder for a review item that has been
// promoted the given number of times.
func (e *Evaluator) Rung(ctx context.Context, promotions int) (string, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(map[string]any{"promotions": promotions}))
	if err != nil {
		return "", taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "evaluate hitl escalation policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", taskflowerrors.NewValidationError("hitl escalation policy returned no rung")
	}
	rung, _ := results[0].Expressions[0].Value.(string)
	if rung == "" {
		return "", taskflowerrors.NewValidationError("hitl escalation policy returned an empty rung")
	}
	return rung, nil
}

// Package artifact implements the Artifact Writer (spec §4.6): atomic
// persistence of task outputs and QA reports under a per-task output
// directory, with path-traversal rejection and digest-based integrity
// checks on read.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// Writer persists artifacts under root/<task_id>/artifacts/<relative_path>,
// one fsynced temp-write-then-rename per write, recording a sidecar
// JSON line per artifact so reads can verify digests without
// re-deriving them from the file alone.
type Writer struct {
	root string

	mu     sync.Mutex
	leases map[string]bool
}

func NewWriter(root string) *Writer {
	return &Writer{root: root, leases: make(map[string]bool)}
}

// Lease grants the caller exclusive write access to taskID's output
// directory for the duration of release(); a second concurrent lease
// for the same task is rejected (spec §5: "concurrent writers for the
// same task are rejected").
func (w *Writer) Lease(taskID string) (release func(), err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.leases[taskID] {
		return nil, taskflowerrors.NewValidationError("output directory already leased: " + taskID)
	}
	w.leases[taskID] = true
	return func() {
		w.mu.Lock()
		delete(w.leases, taskID)
		w.mu.Unlock()
	}, nil
}

// resolvePath enforces spec §4.6's path rules: relative_path must stay
// under the task's artifact directory, no "..", no absolute paths.
func (w *Writer) resolvePath(taskID, relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", taskflowerrors.NewValidationError("artifact path must be relative: " + relativePath)
	}
	taskDir := filepath.Join(w.root, taskID, "artifacts")
	full := filepath.Join(taskDir, relativePath)
	rel, err := filepath.Rel(taskDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", taskflowerrors.NewValidationError("artifact path escapes task directory: " + relativePath)
	}
	return full, nil
}

// Write atomically persists bytes at relative_path under task_id's
// output directory: temp file, fsync, rename, then sha256 over the
// renamed file (spec §4.6). Re-writing identical content under the
// same (task_id, relative_path) is a no-op that returns the existing
// record — the idempotent-rerun dedup spec.md §8 requires.
func (w *Writer) Write(taskID, relativePath string, data []byte) (types.Artifact, error) {
	full, err := w.resolvePath(taskID, relativePath)
	if err != nil {
		return types.Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "create artifact dir for %s", taskID).WithDetails("IO_ERROR")
	}

	digest := sha256.Sum256(data)
	sum := hex.EncodeToString(digest[:])

	if existing, ok, _ := w.readRecord(taskID, relativePath); ok && existing.SHA256 == sum {
		return existing, nil
	}

	tmp := full + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "open temp artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "write temp artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "fsync artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "close artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "rename artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	written, err := os.ReadFile(full)
	if err != nil {
		return types.Artifact{}, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read back artifact for %s", taskID).WithDetails("IO_ERROR")
	}
	renamedDigest := sha256.Sum256(written)
	sum = hex.EncodeToString(renamedDigest[:])

	rec := types.Artifact{
		TaskID:       taskID,
		RelativePath: relativePath,
		Bytes:        int64(len(data)),
		SHA256:       sum,
		WrittenAt:    time.Now(),
	}
	if err := w.appendRecord(rec); err != nil {
		return types.Artifact{}, err
	}
	return rec, nil
}

// Read returns the bytes at relative_path, verifying the stored digest
// first (spec §4.6: mismatch surfaces INTEGRITY_ERROR).
func (w *Writer) Read(taskID, relativePath string) ([]byte, error) {
	full, err := w.resolvePath(taskID, relativePath)
	if err != nil {
		return nil, err
	}
	rec, ok, err := w.readRecord(taskID, relativePath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, taskflowerrors.NewNotFoundError("artifact " + relativePath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, taskflowerrors.NewNotFoundError("artifact " + relativePath)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != rec.SHA256 {
		return nil, taskflowerrors.NewIntegrityError("artifact digest mismatch: " + relativePath).WithDetails("INTEGRITY_ERROR")
	}
	return data, nil
}

func (w *Writer) ledgerPath(taskID string) string {
	return filepath.Join(w.root, taskID, "artifacts.jsonl")
}

// appendRecord appends one JSON line to the task's artifact ledger
// using go-faster/jx, matching the audit log's append path (internal/task
// uses the same library for the same reason: avoid reflection on a hot,
// high-volume append).
func (w *Writer) appendRecord(rec types.Artifact) error {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("task_id")
	e.Str(rec.TaskID)
	e.FieldStart("relative_path")
	e.Str(rec.RelativePath)
	e.FieldStart("bytes")
	e.Int64(rec.Bytes)
	e.FieldStart("sha256")
	e.Str(rec.SHA256)
	e.FieldStart("written_at")
	e.Str(rec.WrittenAt.Format(time.RFC3339Nano))
	e.ObjEnd()

	f, err := os.OpenFile(w.ledgerPath(rec.TaskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "open artifact ledger for %s", rec.TaskID).WithDetails("IO_ERROR")
	}
	defer f.Close()
	if _, err := f.Write(append(e.Bytes(), '\n')); err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "append artifact ledger for %s", rec.TaskID).WithDetails("IO_ERROR")
	}
	return f.Sync()
}

type ledgerLine struct {
	TaskID       string    `json:"task_id"`
	RelativePath string    `json:"relative_path"`
	Bytes        int64     `json:"bytes"`
	SHA256       string    `json:"sha256"`
	WrittenAt    time.Time `json:"written_at"`
}

// readRecord returns the most recent ledger entry for relativePath, so
// a re-write with identical content can be detected as a no-op.
func (w *Writer) readRecord(taskID, relativePath string) (types.Artifact, bool, error) {
	data, err := os.ReadFile(w.ledgerPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Artifact{}, false, nil
		}
		return types.Artifact{}, false, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read artifact ledger for %s", taskID)
	}

	var found *ledgerLine
	dec := json.NewDecoder(strings.NewReader(string(data)))
	for dec.More() {
		var line ledgerLine
		if err := dec.Decode(&line); err != nil {
			return types.Artifact{}, false, taskflowerrors.NewIntegrityError("corrupt artifact ledger for " + taskID)
		}
		if line.RelativePath == relativePath {
			l := line
			found = &l
		}
	}
	if found == nil {
		return types.Artifact{}, false, nil
	}
	return types.Artifact{
		TaskID:       found.TaskID,
		RelativePath: found.RelativePath,
		Bytes:        found.Bytes,
		SHA256:       found.SHA256,
		WrittenAt:    found.WrittenAt,
	}, true, nil
}

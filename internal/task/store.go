package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-faster/jx"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// AuditEntry is one append-only line of a task's audit log (spec §3
// invariant: "transitions are append-only in the audit log"; spec §8:
// "the number of state transitions equals the number of entries...
// and the log is strictly monotonic in timestamp").
type AuditEntry struct {
	SequenceNo int           `json:"sequence_no"`
	Monotonic  time.Duration `json:"monotonic_ns"`
	WallClock  time.Time     `json:"wall_clock"`
	FromState  types.State   `json:"from_state"`
	ToState    types.State   `json:"to_state"`
	Attempt    int           `json:"attempt"`
	ErrorCode  string        `json:"error_code,omitempty"`
}

// Store owns task records and their audit logs under storeDir, one
// subdirectory per task id (spec §6). Writers serialize per task id
// via an advisory file lock on that task's directory, satisfying the
// "multi-process contention... resolved by advisory file locks" clause
// of spec §1 for the fields this store owns.
type Store struct {
	dir string

	mu      sync.RWMutex
	cache   map[string]*types.Task
	monoRef time.Time

	subMu       sync.Mutex
	subscribers []func(id string, from, to types.State)
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "create store dir %s", dir)
	}
	return &Store{dir: dir, cache: make(map[string]*types.Task), monoRef: time.Now()}, nil
}

// Subscribe registers fn to be called, synchronously and in order, after
// every committed Transition. Used by the Scheduler to resume driving a
// task once an asynchronous component (HITL Engine) applies a decision
// outside the scheduler's own dispatch loop.
func (s *Store) Subscribe(fn func(id string, from, to types.State)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify(id string, from, to types.State) {
	s.subMu.Lock()
	subs := append([]func(string, types.State, types.State){}, s.subscribers...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(id, from, to)
	}
}

// Seed registers freshly loaded task definitions, creating their
// on-disk directories if this is the first time the store has seen
// them (idempotent across restarts: an existing on-disk record wins
// over the freshly parsed definition in full, definition fields
// included).
func (s *Store) Seed(tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		taskDir := s.taskDir(t.ID)
		if err := os.MkdirAll(filepath.Join(taskDir, "artifacts"), 0o755); err != nil {
			return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "create task dir for %s", t.ID)
		}
		if existing, err := s.readRecord(t.ID); err == nil {
			s.cache[t.ID] = existing
			continue
		}
		if err := s.writeRecordLocked(t); err != nil {
			return err
		}
		s.cache[t.ID] = t.Clone()
	}
	return nil
}

func (s *Store) taskDir(id string) string { return filepath.Join(s.dir, id) }
func (s *Store) recordPath(id string) string { return filepath.Join(s.taskDir(id), "task.json") }
func (s *Store) auditPath(id string) string  { return filepath.Join(s.taskDir(id), "audit.jsonl") }
func (s *Store) lockPath(id string) string   { return filepath.Join(s.taskDir(id), ".lock") }

// Get returns a read-through cache snapshot; callers must not mutate
// the returned pointer's slices in place (use Clone first if they do).
func (s *Store) Get(id string) (*types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns a snapshot of every known task.
func (s *Store) All() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.cache))
	for _, t := range s.cache {
		out = append(out, t.Clone())
	}
	return out
}

// Transition moves a task to a new state, appending one audit log
// entry and persisting the record, all under the task's advisory file
// lock. mutate may adjust other execution-record fields (attempts,
// timestamps, errors) before the write; it must not change ID or
// DependsOn.
func (s *Store) Transition(id string, to types.State, mutate func(*types.Task)) error {
	unlock, err := s.lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.readRecord(id)
	if err != nil {
		return err
	}
	from := current.State
	if !types.CanTransition(from, to) {
		return taskflowerrors.NewValidationError(
			fmt.Sprintf("illegal transition for %s: %s -> %s", id, from, to))
	}
	current.State = to
	if mutate != nil {
		mutate(current)
	}

	if err := s.writeRecordLocked(current); err != nil {
		return err
	}
	if err := s.appendAuditLocked(id, from, to, current.Attempts, current.LastError); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[id] = current.Clone()
	s.mu.Unlock()
	s.notify(id, from, to)
	return nil
}

func (s *Store) lock(id string) (func(), error) {
	f, err := os.OpenFile(s.lockPath(id), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "open lock file for %s", id)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "lock %s", id)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) readRecord(id string) (*types.Task, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, taskflowerrors.NewNotFoundError(fmt.Sprintf("task %s", id))
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, taskflowerrors.NewIntegrityError(fmt.Sprintf("corrupt task record %s: %v", id, err))
	}
	return &t, nil
}

// writeRecordLocked performs the atomic temp-write-then-rename pattern
// used throughout taskflow's persistence layer (spec §4.6): never leave
// a torn task.json visible to a concurrent reader.
func (s *Store) writeRecordLocked(t *types.Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "marshal task %s", t.ID)
	}
	path := s.recordPath(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "write task %s", t.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "persist task %s", t.ID)
	}
	return nil
}

// appendAuditLocked appends one JSON line using go-faster/jx, which
// avoids reflection on this hot, high-volume append path.
func (s *Store) appendAuditLocked(id string, from, to types.State, attempt int, errCode string) error {
	seq, err := s.nextSequence(id)
	if err != nil {
		return err
	}
	entry := AuditEntry{
		SequenceNo: seq,
		Monotonic:  time.Since(s.monoRef),
		WallClock:  time.Now(),
		FromState:  from,
		ToState:    to,
		Attempt:    attempt,
		ErrorCode:  errCode,
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("sequence_no")
	e.Int(entry.SequenceNo)
	e.FieldStart("monotonic_ns")
	e.Int64(int64(entry.Monotonic))
	e.FieldStart("wall_clock")
	e.Str(entry.WallClock.Format(time.RFC3339Nano))
	e.FieldStart("from_state")
	e.Str(string(entry.FromState))
	e.FieldStart("to_state")
	e.Str(string(entry.ToState))
	e.FieldStart("attempt")
	e.Int(entry.Attempt)
	if entry.ErrorCode != "" {
		e.FieldStart("error_code")
		e.Str(entry.ErrorCode)
	}
	e.ObjEnd()

	f, err := os.OpenFile(s.auditPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "open audit log for %s", id)
	}
	defer f.Close()
	if _, err := f.Write(append(e.Bytes(), '\n')); err != nil {
		return taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "append audit log for %s", id)
	}
	return f.Sync()
}

func (s *Store) nextSequence(id string) (int, error) {
	entries, err := s.ReadAudit(id)
	if err != nil {
		return 0, err
	}
	return len(entries) + 1, nil
}

// ReadAudit returns the full audit log for a task, in append order.
func (s *Store) ReadAudit(id string) ([]AuditEntry, error) {
	data, err := os.ReadFile(s.auditPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read audit log for %s", id)
	}
	var entries []AuditEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			return nil, taskflowerrors.NewIntegrityError(fmt.Sprintf("corrupt audit log for %s: %v", id, err))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

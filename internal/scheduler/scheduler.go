// Package scheduler drives tasks from READY to a terminal state,
// respecting dependencies, concurrency limits and cancellation (spec
// §4.3). It owns the ready-set/priority-queue bookkeeping and a bounded
// worker pool; it delegates the actual work of a task to an Executor
// (the Agent Dispatcher) and to a HitlGate (the HITL Engine) for
// risk-gated completions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/graph"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

// ExecResult is what an Executor returns for one task attempt.
type ExecResult struct {
	Artifacts []types.ArtifactRef
	QAVerdict types.QAVerdict
}

// Executor invokes the Agent Dispatcher for a single READY task. A
// returned error is treated as an ExecutorError under the scheduler's
// retry policy (spec §7); ctx carries the per-task hard timeout and is
// cancelled on scheduler shutdown.
type Executor interface {
	Execute(ctx context.Context, t *types.Task) (ExecResult, error)
}

// HitlDecision is the outcome of submitting a QA-passed task to the
// HITL Engine.
type HitlDecision int

const (
	// HitlAutoApprove means the risk score was below the auto-approve
	// threshold; the scheduler may advance the task to DONE immediately.
	HitlAutoApprove HitlDecision = iota
	// HitlPending means a review item was queued; the scheduler parks
	// the task and waits for the Store to observe a terminal transition
	// applied later by the HITL Engine.
	HitlPending
)

// HitlGate is the HITL Engine's scheduler-facing contract.
type HitlGate interface {
	Submit(ctx context.Context, t *types.Task) (HitlDecision, error)
}

// Snapshot is the Metrics Emitter's read-only view of scheduler state
// (spec §4.7).
type Snapshot struct {
	TakenAt       time.Time
	TotalTasks    int
	ByState       map[types.State]int
	ActiveWorkers int
	Completed     int
	Failed        int
}

// Scheduler is the single-process event loop of spec §4.3.
type Scheduler struct {
	dag      *graph.DAG
	store    *task.Store
	executor Executor
	hitl     HitlGate
	cfg      config.SchedulerConfig
	log      logr.Logger

	globalSem *semaphore.Weighted
	roleSems  map[types.Role]*semaphore.Weighted

	mu         sync.Mutex
	unmet      map[string]int
	cancelled  map[string]bool
	parked     map[string]bool
	terminal   map[string]bool
	retrying   map[string]bool
	queue      *priorityQueue
	onCritical map[string]bool

	results chan taskOutcome
	wake    chan struct{}
	active  int

	wg sync.WaitGroup
}

type taskOutcome struct {
	taskID        string
	to            types.State
	err           error
	retryEligible bool
}

// New builds a Scheduler for dag, bounded by cfg's global and per-role
// concurrency caps. hitl may be nil, in which case every QA-passed task
// auto-approves (useful for tests that don't exercise HITL).
func New(dag *graph.DAG, store *task.Store, executor Executor, hitl HitlGate, cfg config.SchedulerConfig, log logr.Logger) *Scheduler {
	roleSems := make(map[types.Role]*semaphore.Weighted, len(cfg.MaxParallelRole))
	for role, n := range cfg.MaxParallelRole {
		if n > 0 {
			roleSems[types.Role(role)] = semaphore.NewWeighted(int64(n))
		}
	}

	onCritical := make(map[string]bool, len(dag.CriticalPath()))
	for _, id := range dag.CriticalPath() {
		onCritical[id] = true
	}

	s := &Scheduler{
		dag:        dag,
		store:      store,
		executor:   executor,
		hitl:       hitl,
		cfg:        cfg,
		log:        log,
		globalSem:  semaphore.NewWeighted(int64(maxInt(cfg.MaxParallel, 1))),
		roleSems:   roleSems,
		unmet:      make(map[string]int),
		cancelled:  make(map[string]bool),
		parked:     make(map[string]bool),
		terminal:   make(map[string]bool),
		retrying:   make(map[string]bool),
		onCritical: onCritical,
		queue:      newPriorityQueue(),
		results:    make(chan taskOutcome, maxInt(cfg.MaxParallel, 1)),
		wake:       make(chan struct{}, 1),
	}

	store.Subscribe(s.onExternalTransition)
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// onExternalTransition resumes a parked task when the HITL Engine (or
// any other external actor) commits a terminal-ish state for it.
func (s *Scheduler) onExternalTransition(id string, from, to types.State) {
	s.mu.Lock()
	if !s.parked[id] {
		s.mu.Unlock()
		return
	}
	delete(s.parked, id)
	s.mu.Unlock()

	switch to {
	case types.StateDone:
		s.results <- taskOutcome{taskID: id, to: types.StateDone}
	case types.StateNeedsRework:
		s.results <- taskOutcome{taskID: id, to: types.StateNeedsRework}
	case types.StateFailed, types.StateRejected:
		// HITL rejection is a final verdict, never retried.
		s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: taskflowerrors.NewHitlRejectedError(id), retryEligible: false}
	case types.StateCancelled:
		s.results <- taskOutcome{taskID: id, to: types.StateCancelled}
	}
}

// Run blocks until every task is terminal or ctx is cancelled (spec
// §4.3).
func (s *Scheduler) Run(ctx context.Context) error {
	s.seedReady()

	for {
		s.dispatchReady(ctx)

		if s.allTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case outcome := <-s.results:
			s.handleOutcome(ctx, outcome)
		case <-s.wake:
		}
	}
}

func (s *Scheduler) seedReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range flatten(s.dag.Layers()) {
		t := s.dag.Task(id)
		s.unmet[id] = len(t.DependsOn)
		if s.unmet[id] == 0 && s.promoteToReadyLocked(id) {
			s.enqueueLocked(id, now)
		}
	}
}

// promoteToReadyLocked transitions id from DECLARED to READY — the
// same promotion unblockDependents performs for a task whose last
// dependency just finished — and reports whether the caller should go
// on to enqueue it. A task a caller (a test harness, or a re-admitted
// task) has already moved to READY is left untouched.
func (s *Scheduler) promoteToReadyLocked(id string) bool {
	cur, ok := s.store.Get(id)
	if !ok {
		return false
	}
	if cur.State != types.StateDeclared {
		return true
	}
	if err := s.store.Transition(id, types.StateReady, nil); err != nil {
		s.log.Error(err, "failed to mark task READY", "task_id", id)
		return false
	}
	return true
}

func flatten(layers [][]string) []string {
	var out []string
	for _, l := range layers {
		out = append(out, l...)
	}
	return out
}

func (s *Scheduler) enqueueLocked(id string, submittedAt time.Time) {
	t := s.dag.Task(id)
	s.queue.push(&readyItem{
		taskID:         id,
		priorityRank:   t.Priority.Rank(),
		onCriticalPath: s.onCritical[id],
		submittedAt:    submittedAt,
	})
}

// AddTask admits a task into a running scheduler without a restart:
// the task is merged into the DAG via graph.DAG.WithTask (spec §4.2's
// incremental-update path), seeded into the Store (a no-op if the task
// id is already recorded), and enqueued immediately if it has no unmet
// dependencies. The task directory watcher (internal/task.Watcher)
// calls this for every file it sees added or edited after startup.
func (s *Scheduler) AddTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newDAG, err := s.dag.WithTask(t)
	if err != nil {
		return err
	}
	if err := s.store.Seed([]*types.Task{t}); err != nil {
		return err
	}
	s.dag = newDAG

	onCritical := make(map[string]bool, len(newDAG.CriticalPath()))
	for _, id := range newDAG.CriticalPath() {
		onCritical[id] = true
	}
	s.onCritical = onCritical

	if _, seen := s.unmet[t.ID]; seen {
		return nil
	}

	// Unlike seedReady's initial sweep (where every dependency is
	// necessarily fresh), a task admitted mid-run may depend on work
	// that already settled before it arrived, so its dependency states
	// have to be read from the Store rather than assumed unmet.
	unmet := 0
	failedAncestor := false
	for _, dep := range t.DependsOn {
		depTask, ok := s.store.Get(dep)
		if !ok {
			unmet++
			continue
		}
		switch depTask.State {
		case types.StateDone:
		case types.StateFailed, types.StateCancelled, types.StateRejected:
			failedAncestor = true
		default:
			unmet++
		}
	}
	s.unmet[t.ID] = unmet

	if failedAncestor && !t.IndependentOnFail {
		s.cancelled[t.ID] = true
		s.terminal[t.ID] = true
		return s.store.Transition(t.ID, types.StateCancelled, func(tt *types.Task) {
			tt.LastError = "ancestor failed or was cancelled"
		})
	}
	if unmet == 0 && s.promoteToReadyLocked(t.ID) {
		s.enqueueLocked(t.ID, time.Now())
		s.notifyWake()
	}
	return nil
}

// dispatchReady pulls ready tasks off the queue while capacity allows,
// launching each in its own goroutine. A task whose role is at its
// per-role cap is set aside rather than blocking lower-priority, other-
// role tasks behind it; every set-aside item is restored to the queue
// before returning.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []*readyItem
	for s.queue.len() > 0 {
		if !s.globalSem.TryAcquire(1) {
			break
		}
		item := s.queue.pop()
		t := s.dag.Task(item.taskID)
		var roleSem *semaphore.Weighted
		if sem, ok := s.roleSems[t.Owner]; ok {
			if !sem.TryAcquire(1) {
				s.globalSem.Release(1)
				skipped = append(skipped, item)
				continue
			}
			roleSem = sem
		}
		s.active++

		s.wg.Add(1)
		go s.runTask(ctx, item.taskID, roleSem)
	}

	for _, item := range skipped {
		s.queue.push(item)
	}
}

func (s *Scheduler) runTask(ctx context.Context, id string, roleSem *semaphore.Weighted) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		s.globalSem.Release(1)
		if roleSem != nil {
			roleSem.Release(1)
		}
	}()

	t, ok := s.store.Get(id)
	if !ok {
		return
	}

	if err := s.store.Transition(id, types.StateRunning, func(tt *types.Task) {
		now := time.Now()
		tt.StartedAt = &now
		tt.Attempts++
	}); err != nil {
		s.log.Error(err, "failed to transition task to RUNNING", "task_id", id)
		return
	}

	timeout := hardTimeout(s.cfg, t.EstimatedEffort)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.executor.Execute(execCtx, t)
	if err != nil {
		if tErr := s.store.Transition(id, types.StateFailed, func(tt *types.Task) {
			tt.LastError = err.Error()
		}); tErr != nil {
			s.log.Error(tErr, "failed to transition task to FAILED", "task_id", id)
		}
		s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: err, retryEligible: true}
		return
	}

	if err := s.store.Transition(id, types.StateQAPending, func(tt *types.Task) {
		tt.QAVerdict = result.QAVerdict
		tt.ProducedArtifacts = dedupArtifacts(tt.ProducedArtifacts, result.Artifacts)
	}); err != nil {
		s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: err}
		return
	}

	if result.QAVerdict == types.QAVerdictBlocker {
		if err := s.store.Transition(id, types.StateNeedsRework, nil); err != nil {
			s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: err}
			return
		}
		s.results <- taskOutcome{taskID: id, to: types.StateNeedsRework}
		return
	}

	s.gateOnHitl(execCtx, id)
}

// dedupArtifacts applies spec §4.3's idempotent-rerun rule: an artifact
// whose digest already appears in produced does not get a second entry.
func dedupArtifacts(produced []types.ArtifactRef, fresh []types.ArtifactRef) []types.ArtifactRef {
	seen := make(map[string]bool, len(produced))
	for _, a := range produced {
		seen[a.SHA256] = true
	}
	out := append([]types.ArtifactRef(nil), produced...)
	for _, a := range fresh {
		if seen[a.SHA256] {
			continue
		}
		seen[a.SHA256] = true
		out = append(out, a)
	}
	return out
}

func (s *Scheduler) gateOnHitl(ctx context.Context, id string) {
	t, _ := s.store.Get(id)

	if s.hitl == nil {
		s.advanceToDone(id)
		return
	}

	decision, err := s.hitl.Submit(ctx, t)
	if err != nil {
		s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: err}
		return
	}

	switch decision {
	case HitlAutoApprove:
		s.advanceToDone(id)
	case HitlPending:
		s.mu.Lock()
		s.parked[id] = true
		s.mu.Unlock()
	}
}

func (s *Scheduler) advanceToDone(id string) {
	if err := s.store.Transition(id, types.StateDone, func(tt *types.Task) {
		now := time.Now()
		tt.FinishedAt = &now
	}); err != nil {
		s.results <- taskOutcome{taskID: id, to: types.StateFailed, err: err}
		return
	}
	s.results <- taskOutcome{taskID: id, to: types.StateDone}
}

// handleOutcome reacts to one task's result for this attempt: success
// unblocks dependents; a retryable failure schedules another attempt
// (tracked in s.retrying so Run doesn't mistake the quiet backoff
// interval for completion); everything else is terminal and propagates
// cancellation to descendants (spec §4.3).
func (s *Scheduler) handleOutcome(ctx context.Context, outcome taskOutcome) {
	switch outcome.to {
	case types.StateDone:
		s.mu.Lock()
		s.terminal[outcome.taskID] = true
		s.mu.Unlock()
		s.unblockDependents(outcome.taskID)
	case types.StateNeedsRework:
		s.retryOrFail(ctx, outcome.taskID, true)
	case types.StateFailed:
		s.retryOrFail(ctx, outcome.taskID, outcome.retryEligible)
	case types.StateCancelled:
		s.mu.Lock()
		s.terminal[outcome.taskID] = true
		s.mu.Unlock()
		s.cancelDescendants(outcome.taskID)
	}
}

// retryOrFail applies spec §4.3/§7's retry policy. A NEEDS_REWORK result
// (QA or HITL asked for rework) and a retryable ExecutorError both land
// here; an outcome that is not retry-eligible (e.g. a HITL rejection)
// goes straight to descendant cancellation.
func (s *Scheduler) retryOrFail(ctx context.Context, id string, retryEligible bool) {
	t, ok := s.store.Get(id)
	if !ok {
		return
	}

	if !retryEligible || t.Attempts >= s.cfg.MaxAttempts {
		if t.State != types.StateFailed {
			_ = s.store.Transition(id, types.StateFailed, func(tt *types.Task) {
				tt.LastError = "retry cap exhausted"
			})
		}
		s.mu.Lock()
		s.terminal[id] = true
		s.mu.Unlock()
		s.cancelDescendants(id)
		return
	}

	s.mu.Lock()
	s.retrying[id] = true
	s.mu.Unlock()

	delay := backoffDelay(s.cfg, t.Attempts)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.retrying, id)
			s.mu.Unlock()
			return
		}
		if err := s.store.Transition(id, types.StateReady, nil); err != nil {
			s.log.Error(err, "failed to requeue task after retry backoff", "task_id", id)
			s.mu.Lock()
			delete(s.retrying, id)
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		delete(s.retrying, id)
		s.enqueueLocked(id, time.Now())
		s.mu.Unlock()
		s.notifyWake()
	}()
}

// notifyWake nudges Run's event loop to re-evaluate the ready queue
// after a state change that didn't arrive via the results channel (a
// retry backoff finishing, a dependent becoming READY).
func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) unblockDependents(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range s.dag.Dependents(id) {
		if s.cancelled[dep] {
			continue
		}
		s.unmet[dep]--
		if s.unmet[dep] == 0 && s.promoteToReadyLocked(dep) {
			s.enqueueLocked(dep, time.Now())
		}
	}
}

// cancelDescendants implements spec §4.3: a permanently failed or
// cancelled task cancels its transitive dependents unless a dependent
// is flagged independent_on_failure.
func (s *Scheduler) cancelDescendants(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var walk func(string)
	walk = func(curr string) {
		for _, dep := range s.dag.Dependents(curr) {
			depTask := s.dag.Task(dep)
			if depTask.IndependentOnFail || s.cancelled[dep] {
				continue
			}
			s.cancelled[dep] = true
			s.terminal[dep] = true
			_ = s.store.Transition(dep, types.StateCancelled, func(tt *types.Task) {
				tt.LastError = "ancestor failed or was cancelled"
			})
			walk(dep)
		}
	}
	walk(id)
}

// Cancel cancels a single task (and its descendants), or the whole run
// when id is empty (spec §4.3).
func (s *Scheduler) Cancel(id string) {
	if id == "" {
		s.mu.Lock()
		ids := make([]string, 0, len(s.unmet))
		for taskID := range s.unmet {
			if !s.cancelled[taskID] {
				ids = append(ids, taskID)
			}
		}
		for _, taskID := range ids {
			s.cancelled[taskID] = true
		}
		s.mu.Unlock()

		for _, taskID := range ids {
			t, ok := s.store.Get(taskID)
			if ok && !t.State.Terminal() {
				_ = s.store.Transition(taskID, types.StateCancelled, func(tt *types.Task) {
					tt.LastError = "run cancelled"
				})
			}
			s.mu.Lock()
			s.terminal[taskID] = true
			s.mu.Unlock()
		}
		s.notifyWake()
		return
	}
	s.mu.Lock()
	s.cancelled[id] = true
	s.terminal[id] = true
	s.mu.Unlock()
	_ = s.store.Transition(id, types.StateCancelled, nil)
	s.cancelDescendants(id)
}

// drain awaits in-flight workers up to the configured grace period
// before returning (spec §4.3, §6 "graceful shutdown").
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (s *Scheduler) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unmet) == 0 {
		return true
	}
	return len(s.terminal) >= len(s.unmet) && s.active == 0 && s.queue.len() == 0 &&
		len(s.parked) == 0 && len(s.retrying) == 0
}

// Status returns a consistent read-only snapshot for the Metrics
// Emitter (spec §4.7).
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	byState := make(map[types.State]int)
	completed, failed := 0, 0
	for id := range s.unmet {
		t, ok := s.store.Get(id)
		if !ok {
			continue
		}
		byState[t.State]++
		switch t.State {
		case types.StateDone:
			completed++
		case types.StateFailed:
			failed++
		}
	}

	return Snapshot{
		TakenAt:       time.Now(),
		TotalTasks:    len(s.unmet),
		ByState:       byState,
		ActiveWorkers: s.active,
		Completed:     completed,
		Failed:        failed,
	}
}

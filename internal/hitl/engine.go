// Package hitl implements the HITL Engine (spec §4.5): it risk-scores a
// QA-passed task, decides whether it may auto-approve or must queue for
// human review, runs the escalation ladder on deadline breach, and
// applies reviewer decisions back onto the task state machine.
package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/scheduler"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

// Engine is the HITL Engine's scheduler-facing gate plus its own
// escalation loop.
type Engine struct {
	store    *task.Store
	cfg      config.HitlConfig
	history  *HistoryStore
	policy   *Evaluator
	notifier *Notifier
	log      logr.Logger

	mu    sync.Mutex
	queue *reviewQueue
	items map[string]*types.ReviewItem // id -> item, for decision application
	locks map[string]*sync.Mutex       // taskID -> per-task serialization lock
}

// New builds an Engine. history, policy, and notifier may each be nil
// (tests exercising pure scoring/queueing logic don't need a live
// Postgres, compiled policy, or Slack client); their absence degrades
// gracefully rather than panicking.
func New(store *task.Store, cfg config.HitlConfig, history *HistoryStore, policy *Evaluator, notifier *Notifier, log logr.Logger) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		history:  history,
		policy:   policy,
		notifier: notifier,
		log:      log,
		queue:    newReviewQueue(),
		items:    make(map[string]*types.ReviewItem),
		locks:    make(map[string]*sync.Mutex),
	}
}

var _ scheduler.HitlGate = (*Engine)(nil)

func (e *Engine) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// Submit implements scheduler.HitlGate: score t, auto-approve below
// threshold, otherwise queue a review item (escalated on entry if the
// score is already at or above the escalation threshold) and park the
// task (spec §4.5).
func (e *Engine) Submit(ctx context.Context, t *types.Task) (scheduler.HitlDecision, error) {
	lock := e.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	score, factors := e.scoreTask(ctx, t)

	if score < e.cfg.AutoApproveBelow {
		return scheduler.HitlAutoApprove, nil
	}

	if err := e.store.Transition(t.ID, types.StateHitlPending, nil); err != nil {
		return 0, err
	}

	now := time.Now()
	sla := e.cfg.StandardSLA
	if sla <= 0 {
		sla = 4 * time.Hour
	}
	escalatedSLA := e.cfg.EscalatedSLA
	if escalatedSLA <= 0 {
		escalatedSLA = time.Hour
	}

	item := &types.ReviewItem{
		ID:           uuid.NewString(),
		TaskID:       t.ID,
		RiskScore:    score,
		RiskFactors:  factors,
		ReviewerRole: "reviewer",
		CreatedAt:    now,
		State:        types.ReviewAwaitingHuman,
	}

	if score >= e.cfg.EscalateAtOrAbove {
		if err := e.store.Transition(t.ID, types.StateEscalated, nil); err != nil {
			return 0, err
		}
		item.State = types.ReviewEscalated
		item.ReviewerRole = "team_lead"
		item.Deadline = now.Add(escalatedSLA)
	} else {
		item.Deadline = now.Add(sla)
	}

	e.mu.Lock()
	e.items[item.ID] = item
	e.queue.push(&reviewItemEntry{
		id:        item.ID,
		taskID:    item.TaskID,
		deadline:  item.Deadline,
		score:     item.RiskScore,
		createdAt: item.CreatedAt,
	})
	e.mu.Unlock()

	return scheduler.HitlPending, nil
}

// ApplyDecision implements spec §4.5's decision-application rule:
// approve -> DONE, reject -> FAILED, request_rework -> NEEDS_REWORK with
// notes recorded for the next attempt. Duplicate decisions for an
// already-terminal review item collapse idempotently.
func (e *Engine) ApplyDecision(ctx context.Context, d types.ReviewDecision) error {
	e.mu.Lock()
	var item *types.ReviewItem
	for _, it := range e.items {
		if it.TaskID == d.TaskID && !it.State.Terminal() {
			item = it
			break
		}
	}
	e.mu.Unlock()
	if item == nil {
		// No outstanding review item: either it was never queued (the
		// task auto-approved) or a prior decision already resolved it.
		return nil
	}

	lock := e.taskLock(d.TaskID)
	lock.Lock()
	defer lock.Unlock()

	switch d.Verdict {
	case types.DecisionApprove:
		if err := e.store.Transition(d.TaskID, types.StateDone, func(tt *types.Task) {
			now := time.Now()
			tt.FinishedAt = &now
		}); err != nil {
			return err
		}
		item.State = types.ReviewApproved
		e.recordOutcome(ctx, d.TaskID, true)
	case types.DecisionReject:
		to := types.StateFailed
		if item.State == types.ReviewEscalated {
			to = types.StateRejected
		}
		if err := e.store.Transition(d.TaskID, to, func(tt *types.Task) {
			tt.LastError = "rejected in human review: " + d.Notes
		}); err != nil {
			return err
		}
		if to == types.StateRejected {
			// REJECTED still needs one more hop to the terminal FAILED
			// state the scheduler recognizes (spec §3: REJECTED -> FAILED).
			_ = e.store.Transition(d.TaskID, types.StateFailed, nil)
		}
		item.State = types.ReviewRejected
		e.recordOutcome(ctx, d.TaskID, false)
	case types.DecisionRework:
		if err := e.store.Transition(d.TaskID, types.StateNeedsRework, func(tt *types.Task) {
			tt.HitlVerdict = d.Notes
		}); err != nil {
			return err
		}
		item.State = types.ReviewApproved // request_rework resolves this review item; a fresh one opens next attempt
	default:
		return taskflowerrors.NewValidationError("unknown hitl decision verdict: " + string(d.Verdict))
	}

	e.mu.Lock()
	e.queue.remove(item.ID)
	e.mu.Unlock()
	return nil
}

// Snapshot is the Metrics Emitter's read-only view of the review queue
// (spec §4.7: "active reviews, overdue reviews"). It never mutates
// state.
type Snapshot struct {
	ActiveReviews  int
	OverdueReviews int
}

func (e *Engine) Snapshot() Snapshot {
	now := time.Now()
	e.mu.Lock()
	entries := e.queue.peekAll()
	e.mu.Unlock()

	snap := Snapshot{ActiveReviews: len(entries)}
	for _, entry := range entries {
		if entry.deadline.Before(now) {
			snap.OverdueReviews++
		}
	}
	return snap
}

func (e *Engine) recordOutcome(ctx context.Context, taskID string, succeeded bool) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordOutcome(ctx, taskID, succeeded); err != nil {
		e.log.Error(err, "failed to record hitl task outcome", "task_id", taskID)
	}
}

// RunEscalation drives the deadline-breach promotion loop until ctx is
// cancelled (spec §4.5: "breach of deadline promotes one level and
// resets the per-level deadline... maximum 3 promotions; final breach
// marks the item REJECTED").
func (e *Engine) RunEscalation(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkDeadlines(ctx)
		}
	}
}

func (e *Engine) checkDeadlines(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	var breached []*reviewItemEntry
	for _, entry := range e.queue.peekAll() {
		if entry.deadline.Before(now) {
			breached = append(breached, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range breached {
		e.promote(ctx, entry)
	}
}

func (e *Engine) promote(ctx context.Context, entry *reviewItemEntry) {
	lock := e.taskLock(entry.taskID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	item, ok := e.items[entry.id]
	e.mu.Unlock()
	if !ok || item.State.Terminal() {
		return
	}

	item.Promotions++
	maxPromotions := e.cfg.MaxPromotions
	if maxPromotions <= 0 {
		maxPromotions = 3
	}

	if item.Promotions > maxPromotions {
		item.State = types.ReviewRejected
		if tt, ok := e.store.Get(entry.taskID); ok && tt.State == types.StateHitlPending {
			// The task may still be in HITL_PENDING if it never crossed
			// the escalation threshold on its own; force it through
			// ESCALATED so REJECTED is a legal transition (spec §3).
			_ = e.store.Transition(entry.taskID, types.StateEscalated, nil)
		}
		if err := e.store.Transition(entry.taskID, types.StateRejected, func(tt *types.Task) {
			tt.LastError = "hitl escalation ladder exhausted"
		}); err != nil {
			e.log.Error(err, "failed to reject task after escalation exhaustion", "task_id", entry.taskID)
		}
		_ = e.store.Transition(entry.taskID, types.StateFailed, nil)
		e.recordOutcome(ctx, entry.taskID, false)
		if e.notifier != nil {
			_ = e.notifier.PostIncident(ctx, item, "escalation ladder exhausted")
		}
		e.mu.Lock()
		e.queue.remove(entry.id)
		e.mu.Unlock()
		return
	}

	rung := "reviewer"
	if e.policy != nil {
		if r, err := e.policy.Rung(ctx, item.Promotions); err == nil {
			rung = r
		} else {
			e.log.Error(err, "hitl escalation policy evaluation failed, defaulting rung", "task_id", entry.taskID)
		}
	}
	item.ReviewerRole = rung

	if item.State != types.ReviewEscalated {
		item.State = types.ReviewEscalated
		if tt, ok := e.store.Get(entry.taskID); ok && tt.State == types.StateHitlPending {
			_ = e.store.Transition(entry.taskID, types.StateEscalated, nil)
		}
	}

	escalatedSLA := e.cfg.EscalatedSLA
	if escalatedSLA <= 0 {
		escalatedSLA = time.Hour
	}
	newDeadline := time.Now().Add(escalatedSLA)
	item.Deadline = newDeadline

	e.mu.Lock()
	e.queue.reprioritize(entry.id, newDeadline)
	e.mu.Unlock()

	if rung == "incident_channel" && e.notifier != nil {
		_ = e.notifier.PostIncident(ctx, item, "deadline breach promoted to incident channel")
	}
}

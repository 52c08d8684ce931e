package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/taskflow/taskflow/internal/config"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

func newTestStore(t *testing.T, tk *types.Task) *task.Store {
	t.Helper()
	st, err := task.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := st.Seed([]*types.Task{tk}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	for _, to := range []types.State{types.StateReady, types.StateRunning, types.StateQAPending} {
		if err := st.Transition(tk.ID, to, nil); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}
	return st
}

func testCfg() config.HitlConfig {
	return config.HitlConfig{
		AutoApproveBelow:  3,
		EscalateAtOrAbove: 7,
		StandardSLA:       4 * time.Hour,
		EscalatedSLA:      time.Hour,
		MaxPromotions:     3,
	}
}

func TestSubmitAutoApprovesLowRisk(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleFrontend, RiskTier: types.RiskLow, QAVerdict: types.QAVerdictPass}
	st := newTestStore(t, tk)
	e := New(st, testCfg(), nil, nil, nil, logr.Discard())

	decision, err := e.Submit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if decision != 0 {
		t.Errorf("decision = %v, want HitlAutoApprove", decision)
	}
	got, _ := st.Get(tk.ID)
	if got.State != types.StateQAPending {
		t.Errorf("auto-approved task's state should be untouched by HITL, got %s", got.State)
	}
}

func TestSubmitQueuesModerateRisk(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleBackend, RiskTier: types.RiskMedium, QAVerdict: types.QAVerdictMajor}
	st := newTestStore(t, tk)
	e := New(st, testCfg(), nil, nil, nil, logr.Discard())

	decision, err := e.Submit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if decision != 1 {
		t.Errorf("decision = %v, want HitlPending", decision)
	}
	got, _ := st.Get(tk.ID)
	if got.State != types.StateHitlPending {
		t.Errorf("state = %s, want HITL_PENDING", got.State)
	}
	if e.queue.len() != 1 {
		t.Errorf("queue length = %d, want 1", e.queue.len())
	}
}

func TestSubmitEscalatesOnEntryForHighRisk(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleTechnicalLead, RiskTier: types.RiskHigh, QAVerdict: types.QAVerdictBlocker}
	st := newTestStore(t, tk)
	e := New(st, testCfg(), nil, nil, nil, logr.Discard())

	decision, err := e.Submit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if decision != 1 {
		t.Errorf("decision = %v, want HitlPending", decision)
	}
	got, _ := st.Get(tk.ID)
	if got.State != types.StateEscalated {
		t.Errorf("state = %s, want ESCALATED for a score above the escalation threshold", got.State)
	}
}

func TestApplyDecisionApprove(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleBackend, RiskTier: types.RiskMedium, QAVerdict: types.QAVerdictMajor}
	st := newTestStore(t, tk)
	e := New(st, testCfg(), nil, nil, nil, logr.Discard())

	if _, err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := e.ApplyDecision(context.Background(), types.ReviewDecision{
		TaskID: tk.ID, Verdict: types.DecisionApprove, Reviewer: "alice",
	}); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	got, _ := st.Get(tk.ID)
	if got.State != types.StateDone {
		t.Errorf("state = %s, want DONE", got.State)
	}
	if e.queue.len() != 0 {
		t.Error("approved review item should be removed from the queue")
	}
}

func TestApplyDecisionDuplicateCollapsesIdempotently(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleBackend, RiskTier: types.RiskMedium, QAVerdict: types.QAVerdictMajor}
	st := newTestStore(t, tk)
	e := New(st, testCfg(), nil, nil, nil, logr.Discard())
	if _, err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	decision := types.ReviewDecision{TaskID: tk.ID, Verdict: types.DecisionApprove, Reviewer: "alice"}
	if err := e.ApplyDecision(context.Background(), decision); err != nil {
		t.Fatalf("first ApplyDecision: %v", err)
	}
	if err := e.ApplyDecision(context.Background(), decision); err != nil {
		t.Fatalf("duplicate ApplyDecision should be a no-op, got error: %v", err)
	}
}

func TestEscalationExhaustionRejectsTask(t *testing.T) {
	tk := &types.Task{ID: "T1", Title: "x", Owner: types.RoleBackend, RiskTier: types.RiskMedium, QAVerdict: types.QAVerdictMajor}
	st := newTestStore(t, tk)
	cfg := testCfg()
	cfg.StandardSLA = -time.Hour // already past deadline the moment it's queued
	cfg.EscalatedSLA = -time.Hour
	cfg.MaxPromotions = 1
	e := New(st, cfg, nil, nil, nil, logr.Discard())

	if _, err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Two breach passes: first promotes, second exceeds MaxPromotions
	// and rejects.
	e.checkDeadlines(context.Background())
	e.checkDeadlines(context.Background())

	got, _ := st.Get(tk.ID)
	if got.State != types.StateFailed {
		t.Errorf("state = %s, want FAILED after escalation ladder exhaustion", got.State)
	}
}

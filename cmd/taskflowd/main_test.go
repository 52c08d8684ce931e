package main

import (
	"testing"
	"time"

	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

func TestFinalExitCodeAllDone(t *testing.T) {
	st, err := task.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	now := time.Now()
	if err := st.Seed([]*types.Task{
		{ID: "a", Title: "a", Owner: types.RoleBackend, Priority: types.PriorityMed,
			State: types.StateDone, FinishedAt: &now},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if got := finalExitCode(st); got != exitOK {
		t.Errorf("finalExitCode = %d, want exitOK", got)
	}
}

func TestFinalExitCodeWithFailure(t *testing.T) {
	st, err := task.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := st.Seed([]*types.Task{
		{ID: "a", Title: "a", Owner: types.RoleBackend, Priority: types.PriorityMed, State: types.StateDone},
		{ID: "b", Title: "b", Owner: types.RoleFrontend, Priority: types.PriorityMed, State: types.StateFailed},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if got := finalExitCode(st); got != exitTaskFailures {
		t.Errorf("finalExitCode = %d, want exitTaskFailures", got)
	}
}

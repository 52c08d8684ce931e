package types

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDeclared, StateReady, true},
		{StateReady, StateRunning, true},
		{StateRunning, StateQAPending, true},
		{StateRunning, StateFailed, true},
		{StateQAPending, StateHitlPending, true},
		{StateQAPending, StateDone, true},
		{StateHitlPending, StateEscalated, true},
		{StateEscalated, StateRejected, true},
		{StateNeedsRework, StateReady, true},
		{StateRejected, StateFailed, true},
		{StateFailed, StateReady, true},
		// illegal
		{StateDeclared, StateDone, false},
		{StateReady, StateDone, false},
		{StateDone, StateReady, false},
		// any non-terminal state cancels
		{StateRunning, StateCancelled, true},
		{StateHitlPending, StateCancelled, true},
		// terminal states never transition again
		{StateDone, StateCancelled, false},
		{StateFailed, StateCancelled, false},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateDeclared, StateReady, StateRunning, StateQAPending, StateHitlPending, StateEscalated, StateNeedsRework, StateRejected} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() <= PriorityMed.Rank() {
		t.Error("HIGH must outrank MED")
	}
	if PriorityMed.Rank() <= PriorityLow.Rank() {
		t.Error("MED must outrank LOW")
	}
}

func TestTaskClone(t *testing.T) {
	original := &Task{
		ID:            "BE-01",
		DependsOn:     []string{"BE-00"},
		ContextTopics: []string{"billing"},
	}
	clone := original.Clone()
	clone.DependsOn[0] = "MUTATED"
	if original.DependsOn[0] != "BE-00" {
		t.Error("Clone must not alias the original's slices")
	}
}

func TestReviewStateTerminal(t *testing.T) {
	if !ReviewApproved.Terminal() || !ReviewRejected.Terminal() {
		t.Error("approved/rejected review states must be terminal")
	}
	if ReviewAwaitingHuman.Terminal() || ReviewEscalated.Terminal() {
		t.Error("awaiting/escalated review states must not be terminal")
	}
}

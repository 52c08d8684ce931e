package hitl

import (
	"testing"
	"time"
)

func TestReviewQueueOrdering(t *testing.T) {
	now := time.Now()
	q := newReviewQueue()
	q.push(&reviewItemEntry{id: "a", deadline: now.Add(2 * time.Hour), score: 5, createdAt: now})
	q.push(&reviewItemEntry{id: "b", deadline: now.Add(time.Hour), score: 3, createdAt: now})
	q.push(&reviewItemEntry{id: "c", deadline: now.Add(time.Hour), score: 9, createdAt: now})
	q.push(&reviewItemEntry{id: "d", deadline: now.Add(time.Hour), score: 9, createdAt: now.Add(-time.Minute)})

	want := []string{"d", "c", "b", "a"}
	for _, id := range want {
		item := q.pop()
		if item == nil || item.id != id {
			got := ""
			if item != nil {
				got = item.id
			}
			t.Fatalf("pop() = %q, want %q", got, id)
		}
	}
}

func TestReviewQueueRemoveAndReprioritize(t *testing.T) {
	now := time.Now()
	q := newReviewQueue()
	q.push(&reviewItemEntry{id: "a", deadline: now.Add(time.Hour), score: 1, createdAt: now})
	q.push(&reviewItemEntry{id: "b", deadline: now.Add(2 * time.Hour), score: 1, createdAt: now})

	q.reprioritize("b", now.Add(time.Minute))
	if got := q.pop(); got.id != "b" {
		t.Errorf("pop() after reprioritize = %q, want b", got.id)
	}

	if removed := q.remove("a"); removed == nil || removed.id != "a" {
		t.Error("remove(a) should return the removed entry")
	}
	if q.len() != 0 {
		t.Errorf("len() = %d, want 0", q.len())
	}
}

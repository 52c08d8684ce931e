package scheduler

import (
	"container/heap"
	"time"
)

// readyItem is one entry in the scheduler's ready queue.
type readyItem struct {
	taskID        string
	priorityRank  int
	onCriticalPath bool
	submittedAt   time.Time
	index         int // heap bookkeeping
}

// readyQueue orders items by (priority_class DESC, critical_path_membership
// DESC, submitted_at ASC), per spec §4.3. It implements container/heap.Interface
// so the scheduler gets an O(log n) pop of the highest-priority ready task.
type readyQueue []*readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priorityRank != b.priorityRank {
		return a.priorityRank > b.priorityRank
	}
	if a.onCriticalPath != b.onCriticalPath {
		return a.onCriticalPath
	}
	return a.submittedAt.Before(b.submittedAt)
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*readyItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// priorityQueue wraps readyQueue with the heap package's free functions so
// callers never touch container/heap directly.
type priorityQueue struct {
	items readyQueue
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{items: readyQueue{}}
	heap.Init(&pq.items)
	return pq
}

func (pq *priorityQueue) push(item *readyItem) { heap.Push(&pq.items, item) }

func (pq *priorityQueue) pop() *readyItem {
	if len(pq.items) == 0 {
		return nil
	}
	return heap.Pop(&pq.items).(*readyItem)
}

func (pq *priorityQueue) len() int { return len(pq.items) }

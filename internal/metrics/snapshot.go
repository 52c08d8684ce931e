// Package metrics implements the Metrics Emitter (spec §4.7): a
// read-only, strongly-typed snapshot of task/role/global state for
// external dashboards, backed by Prometheus collectors and served over
// a chi router. It never mutates state.
package metrics

import (
	"sync"
	"time"

	"github.com/taskflow/taskflow/internal/hitl"
	"github.com/taskflow/taskflow/internal/memory"
	"github.com/taskflow/taskflow/internal/scheduler"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

// TaskSnapshot is one task's per-task metrics (spec §4.7: "state,
// attempts, duration, qa_verdict, hitl_state").
type TaskSnapshot struct {
	ID         string        `json:"id"`
	Owner      types.Role    `json:"owner"`
	State      types.State   `json:"state"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	QAVerdict  types.QAVerdict `json:"qa_verdict,omitempty"`
	HitlState  string        `json:"hitl_state,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// RoleSnapshot aggregates metrics for one role (spec §4.7: "throughput,
// backlog, mean latency").
type RoleSnapshot struct {
	Role         types.Role    `json:"role"`
	Completed    int           `json:"completed"`
	Backlog      int           `json:"backlog"`
	MeanLatency  time.Duration `json:"mean_latency_ns"`
}

// Snapshot is the full read-only view served by the Metrics Emitter.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	Tasks []TaskSnapshot `json:"tasks"`
	Roles []RoleSnapshot `json:"roles"`

	CompletionRate  float64 `json:"completion_rate"`
	QAPassRate      float64 `json:"qa_pass_rate"`
	AverageCoverage float64 `json:"average_coverage,omitempty"`
	ActiveReviews   int     `json:"active_reviews"`
	OverdueReviews  int     `json:"overdue_reviews"`
	L1HitRatio      float64 `json:"l1_hit_ratio"`
	L2HitRatio      float64 `json:"l2_hit_ratio"`
	ActiveWorkers   int     `json:"active_workers"`

	// HealthScore is an additive derived metric (spec §9 open question:
	// "the dashboard's health score formula is not canonicalized in the
	// source"). Its formula lives in healthScore alone, so a new
	// contributing term changes only this field's value, not the
	// snapshot's shape.
	HealthScore float64 `json:"health_score"`
}

// Emitter assembles Snapshot from the live components. Every dependency
// is optional except store; a nil scheduler/memory/hitl simply omits
// the fields it would have populated, so the emitter can run against a
// partially wired process (e.g. in tests) without panicking.
type Emitter struct {
	store *task.Store
	sched *scheduler.Scheduler
	mem   *memory.Engine
	hitl  *hitl.Engine

	mu sync.Mutex // serializes Compute so concurrent scrapes see one coherent snapshot

	otel *otelGauges // best-effort OTel mirror of the health score; nil if registration failed
}

func New(store *task.Store, sched *scheduler.Scheduler, mem *memory.Engine, hitlEngine *hitl.Engine) *Emitter {
	otel, _ := newOtelGauges()
	return &Emitter{store: store, sched: sched, mem: mem, hitl: hitlEngine, otel: otel}
}

// Compute takes the emitter's serialization lock (spec §4.7: "taken
// under a brief read lock") and assembles a consistent snapshot from
// whichever dependencies are wired.
func (e *Emitter) Compute() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	all := e.store.All()

	snap := Snapshot{TakenAt: now, Tasks: make([]TaskSnapshot, 0, len(all))}

	roleAgg := make(map[types.Role]*RoleSnapshot)
	var completed, terminal, qaObserved, qaPassed int
	roleLatency := make(map[types.Role]time.Duration)
	roleLatencyCount := make(map[types.Role]int)

	for _, t := range all {
		dur := taskDuration(t, now)
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:        t.ID,
			Owner:     t.Owner,
			State:     t.State,
			Attempts:  t.Attempts,
			Duration:  dur,
			QAVerdict: t.QAVerdict,
			HitlState: hitlStateLabel(t.State),
			LastError: t.LastError,
		})

		agg, ok := roleAgg[t.Owner]
		if !ok {
			agg = &RoleSnapshot{Role: t.Owner}
			roleAgg[t.Owner] = agg
		}
		if t.State.Terminal() {
			terminal++
			if t.State == types.StateDone {
				completed++
				agg.Completed++
				if t.StartedAt != nil && t.FinishedAt != nil {
					roleLatency[t.Owner] += t.FinishedAt.Sub(*t.StartedAt)
					roleLatencyCount[t.Owner]++
				}
			}
		} else {
			agg.Backlog++
		}

		if t.QAVerdict != "" {
			qaObserved++
			if t.QAVerdict == types.QAVerdictPass {
				qaPassed++
			}
		}
	}

	for _, agg := range roleAgg {
		if agg.Completed > 0 {
			agg.MeanLatency = roleLatency[agg.Role] / time.Duration(max(1, roleLatencyCount[agg.Role]))
		}
		snap.Roles = append(snap.Roles, *agg)
	}

	if len(all) > 0 {
		snap.CompletionRate = float64(completed) / float64(len(all))
	}
	if qaObserved > 0 {
		snap.QAPassRate = float64(qaPassed) / float64(qaObserved)
	}

	if e.sched != nil {
		status := e.sched.Status()
		snap.ActiveWorkers = status.ActiveWorkers
	}
	if e.mem != nil {
		cs := e.mem.CacheStats()
		snap.L1HitRatio = cs.L1HitRatio
		snap.L2HitRatio = cs.L2HitRatio
	}
	if e.hitl != nil {
		hs := e.hitl.Snapshot()
		snap.ActiveReviews = hs.ActiveReviews
		snap.OverdueReviews = hs.OverdueReviews
	}

	snap.HealthScore = healthScore(snap)
	if e.otel != nil {
		e.otel.record(snap.HealthScore)
	}
	return snap
}

func taskDuration(t *types.Task, now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.FinishedAt != nil {
		end = *t.FinishedAt
	}
	return end.Sub(*t.StartedAt)
}

func hitlStateLabel(s types.State) string {
	switch s {
	case types.StateHitlPending:
		return "AWAITING_HUMAN"
	case types.StateEscalated:
		return "ESCALATED"
	case types.StateRejected:
		return "REJECTED"
	default:
		return ""
	}
}

// healthScore is an additive weighted blend of the snapshot's own
// fields: completion rate (40%), QA pass rate (30%), an overdue-review
// penalty (20%, saturating at 20 overdue reviews), and cache health
// (10%, averaging L1/L2 hit ratio). Each term is independently
// computable from fields already on Snapshot, so adding a new
// contributing term later only requires a new weighted clause here.
func healthScore(s Snapshot) float64 {
	overduePenalty := 1.0 - min(1.0, float64(s.OverdueReviews)/20.0)
	cacheHealth := (s.L1HitRatio + s.L2HitRatio) / 2
	score := 0.4*s.CompletionRate + 0.3*s.QAPassRate + 0.2*overduePenalty + 0.1*cacheHealth
	return 100 * score
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// collectorSet mirrors the teacher's registry-of-gauges-and-counters
// idiom: one private Prometheus registry per process, refreshed from
// the latest Snapshot on every scrape rather than incremented inline
// at the call sites (the pull model spec §4.7 calls for).
type collectorSet struct {
	registry *prometheus.Registry

	taskState    *prometheus.GaugeVec
	taskAttempts *prometheus.GaugeVec
	taskDuration *prometheus.GaugeVec

	roleCompleted *prometheus.GaugeVec
	roleBacklog   *prometheus.GaugeVec
	roleLatency   *prometheus.GaugeVec

	completionRate  prometheus.Gauge
	qaPassRate      prometheus.Gauge
	activeReviews   prometheus.Gauge
	overdueReviews  prometheus.Gauge
	l1HitRatio      prometheus.Gauge
	l2HitRatio      prometheus.Gauge
	activeWorkers   prometheus.Gauge
	healthScore     prometheus.Gauge
}

func newCollectorSet() *collectorSet {
	cs := &collectorSet{
		registry: prometheus.NewRegistry(),
		taskState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "task", Name: "state",
			Help: "One-hot gauge of a task's current state (1 for the active state label, absent otherwise).",
		}, []string{"task_id", "owner", "state"}),
		taskAttempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "task", Name: "attempts",
			Help: "Attempt count for a task.",
		}, []string{"task_id", "owner"}),
		taskDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "task", Name: "duration_seconds",
			Help: "Elapsed time since a task started (to finish time if terminal, else to now).",
		}, []string{"task_id", "owner"}),
		roleCompleted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "role", Name: "completed_total",
			Help: "Completed (DONE) task count per role.",
		}, []string{"role"}),
		roleBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "role", Name: "backlog",
			Help: "Non-terminal task count per role.",
		}, []string{"role"}),
		roleLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "role", Name: "mean_latency_seconds",
			Help: "Mean start-to-finish latency of completed tasks per role.",
		}, []string{"role"}),
		completionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "global", Name: "completion_rate",
			Help: "Fraction of all loaded tasks currently DONE.",
		}),
		qaPassRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "global", Name: "qa_pass_rate",
			Help: "Fraction of QA-observed tasks with a PASS verdict.",
		}),
		activeReviews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "hitl", Name: "active_reviews",
			Help: "Outstanding HITL review items.",
		}),
		overdueReviews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "hitl", Name: "overdue_reviews",
			Help: "HITL review items past their current SLA deadline.",
		}),
		l1HitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "memory", Name: "l1_hit_ratio",
			Help: "Memory Engine L1 (in-process LRU) cache hit ratio.",
		}),
		l2HitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "memory", Name: "l2_hit_ratio",
			Help: "Memory Engine L2 (Redis) cache hit ratio.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "scheduler", Name: "active_workers",
			Help: "Scheduler workers currently executing a task.",
		}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow", Subsystem: "global", Name: "health_score",
			Help: "Additive derived health score (0-100), see DESIGN.md for the formula.",
		}),
	}

	cs.registry.MustRegister(
		cs.taskState, cs.taskAttempts, cs.taskDuration,
		cs.roleCompleted, cs.roleBacklog, cs.roleLatency,
		cs.completionRate, cs.qaPassRate,
		cs.activeReviews, cs.overdueReviews,
		cs.l1HitRatio, cs.l2HitRatio,
		cs.activeWorkers, cs.healthScore,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return cs
}

// refresh resets every label-partitioned gauge and re-populates it from
// snap so a task or role that disappears between scrapes (e.g. was
// never present) doesn't leave a stale series behind.
func (cs *collectorSet) refresh(snap Snapshot) {
	cs.taskState.Reset()
	cs.taskAttempts.Reset()
	cs.taskDuration.Reset()
	cs.roleCompleted.Reset()
	cs.roleBacklog.Reset()
	cs.roleLatency.Reset()

	for _, t := range snap.Tasks {
		cs.taskState.WithLabelValues(t.ID, string(t.Owner), string(t.State)).Set(1)
		cs.taskAttempts.WithLabelValues(t.ID, string(t.Owner)).Set(float64(t.Attempts))
		cs.taskDuration.WithLabelValues(t.ID, string(t.Owner)).Set(t.Duration.Seconds())
	}
	for _, r := range snap.Roles {
		cs.roleCompleted.WithLabelValues(string(r.Role)).Set(float64(r.Completed))
		cs.roleBacklog.WithLabelValues(string(r.Role)).Set(float64(r.Backlog))
		cs.roleLatency.WithLabelValues(string(r.Role)).Set(r.MeanLatency.Seconds())
	}

	cs.completionRate.Set(snap.CompletionRate)
	cs.qaPassRate.Set(snap.QAPassRate)
	cs.activeReviews.Set(float64(snap.ActiveReviews))
	cs.overdueReviews.Set(float64(snap.OverdueReviews))
	cs.l1HitRatio.Set(snap.L1HitRatio)
	cs.l2HitRatio.Set(snap.L2HitRatio)
	cs.activeWorkers.Set(float64(snap.ActiveWorkers))
	cs.healthScore.Set(snap.HealthScore)
}

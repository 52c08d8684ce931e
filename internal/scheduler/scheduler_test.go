package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/graph"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

// scriptedExecutor lets a test script a per-task sequence of outcomes
// and records the wall-clock window each task ran in, for asserting
// ordering/overlap per spec §8's seed scenarios.
type scriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[string][]func() (ExecResult, error)
	calls    map[string]int
	started  map[string][]time.Time
	finished map[string][]time.Time
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		scripts:  make(map[string][]func() (ExecResult, error)),
		calls:    make(map[string]int),
		started:  make(map[string][]time.Time),
		finished: make(map[string][]time.Time),
	}
}

func (e *scriptedExecutor) always(id string, fn func() (ExecResult, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[id] = []func() (ExecResult, error){fn}
}

func (e *scriptedExecutor) sequence(id string, fns ...func() (ExecResult, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[id] = fns
}

func (e *scriptedExecutor) Execute(ctx context.Context, t *types.Task) (ExecResult, error) {
	e.mu.Lock()
	e.started[t.ID] = append(e.started[t.ID], time.Now())
	n := e.calls[t.ID]
	e.calls[t.ID]++
	fns := e.scripts[t.ID]
	e.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	var result ExecResult
	var err error
	if len(fns) == 0 {
		result = ExecResult{QAVerdict: types.QAVerdictPass}
	} else if n < len(fns) {
		result, err = fns[n]()
	} else {
		result, err = fns[len(fns)-1]()
	}

	e.mu.Lock()
	e.finished[t.ID] = append(e.finished[t.ID], time.Now())
	e.mu.Unlock()
	return result, err
}

func testConfig(maxParallel int) config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxParallel:    maxParallel,
		MaxAttempts:    3,
		BackoffBase:    10 * time.Millisecond,
		BackoffFactor:  2,
		BackoffJitter:  0.1,
		GracePeriod:    time.Second,
		MinHardTimeout: time.Second,
		MaxHardTimeout: 5 * time.Second,
	}
}

func buildStore(tasks []*types.Task) (*task.Store, *graph.DAG) {
	dag, err := graph.Build(tasks)
	Expect(err).ToNot(HaveOccurred())

	store, err := task.NewStore(GinkgoT().TempDir())
	Expect(err).ToNot(HaveOccurred())
	Expect(store.Seed(tasks)).To(Succeed())

	for _, t := range tasks {
		Expect(store.Transition(t.ID, types.StateReady, nil)).To(Or(Succeed(), HaveOccurred()))
	}
	return store, dag
}

func mkTask(id string, owner types.Role, deps ...string) *types.Task {
	return &types.Task{
		ID:              id,
		Title:           id,
		Owner:           owner,
		DependsOn:       deps,
		Priority:        types.PriorityMed,
		EstimatedEffort: 10 * time.Millisecond,
		State:           types.StateDeclared,
	}
}

var _ = Describe("Scheduler", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() { cancel() })

	It("runs a linear chain A->B->C to completion in dependency order", func() {
		a := mkTask("A", types.RoleBackend)
		b := mkTask("B", types.RoleBackend, "A")
		c := mkTask("C", types.RoleBackend, "B")
		store, dag := buildStore([]*types.Task{a, b, c})

		exec := newScriptedExecutor()
		sched := New(dag, store, exec, nil, testConfig(3), logr.Discard())

		Expect(sched.Run(ctx)).To(Succeed())

		for _, id := range []string{"A", "B", "C"} {
			got, _ := store.Get(id)
			Expect(got.State).To(Equal(types.StateDone))
		}

		Expect(exec.finished["A"][0]).To(BeTemporally("<=", exec.started["B"][0]))
		Expect(exec.finished["B"][0]).To(BeTemporally("<=", exec.started["C"][0]))
	})

	It("runs a fan-out/fan-in graph with overlapping siblings", func() {
		a := mkTask("A", types.RoleBackend)
		b := mkTask("B", types.RoleBackend, "A")
		c := mkTask("C", types.RoleFrontend, "A")
		d := mkTask("D", types.RoleQA, "A")
		e := mkTask("E", types.RoleBackend, "B", "C", "D")
		store, dag := buildStore([]*types.Task{a, b, c, d, e})

		exec := newScriptedExecutor()
		sched := New(dag, store, exec, nil, testConfig(3), logr.Discard())

		Expect(sched.Run(ctx)).To(Succeed())

		for _, id := range []string{"A", "B", "C", "D", "E"} {
			got, _ := store.Get(id)
			Expect(got.State).To(Equal(types.StateDone))
		}

		eStart := exec.started["E"][0]
		for _, id := range []string{"B", "C", "D"} {
			Expect(exec.finished[id][0]).To(BeTemporally("<=", eStart))
			Expect(exec.started[id][0]).To(BeTemporally(">=", exec.finished["A"][0]))
		}
	})

	It("retries a failing task up to max_attempts and succeeds on the last try", func() {
		x := mkTask("X", types.RoleBackend)
		store, dag := buildStore([]*types.Task{x})

		exec := newScriptedExecutor()
		exec.sequence("X",
			func() (ExecResult, error) { return ExecResult{}, taskflowerrors.NewExecutorError("backend", "boom") },
			func() (ExecResult, error) { return ExecResult{}, taskflowerrors.NewExecutorError("backend", "boom again") },
			func() (ExecResult, error) { return ExecResult{QAVerdict: types.QAVerdictPass}, nil },
		)

		sched := New(dag, store, exec, nil, testConfig(1), logr.Discard())
		Expect(sched.Run(ctx)).To(Succeed())

		got, _ := store.Get("X")
		Expect(got.State).To(Equal(types.StateDone))
		Expect(got.Attempts).To(Equal(3))

		audit, err := store.ReadAudit("X")
		Expect(err).ToNot(HaveOccurred())
		failedToReady := 0
		for _, e := range audit {
			if e.FromState == types.StateFailed && e.ToState == types.StateReady {
				failedToReady++
			}
		}
		Expect(failedToReady).To(Equal(2))
	})

	It("cancels a dependent when its ancestor permanently fails", func() {
		y := mkTask("Y", types.RoleBackend)
		z := mkTask("Z", types.RoleBackend, "Y")
		store, dag := buildStore([]*types.Task{y, z})

		exec := newScriptedExecutor()
		exec.always("Y", func() (ExecResult, error) {
			return ExecResult{}, taskflowerrors.NewExecutorError("backend", "permanent")
		})

		cfg := testConfig(2)
		cfg.MaxAttempts = 0 // first failure is terminal
		sched := New(dag, store, exec, nil, cfg, logr.Discard())
		Expect(sched.Run(ctx)).To(Succeed())

		gotY, _ := store.Get("Y")
		Expect(gotY.State).To(Equal(types.StateFailed))

		gotZ, _ := store.Get("Z")
		Expect(gotZ.State).To(Equal(types.StateCancelled))
		Expect(exec.calls["Z"]).To(Equal(0), "Z's executor must never be invoked")
	})

	It("reduces max_parallel=1 to strict sequential execution", func() {
		a := mkTask("A", types.RoleBackend)
		b := mkTask("B", types.RoleFrontend)
		c := mkTask("C", types.RoleQA)
		store, dag := buildStore([]*types.Task{a, b, c})

		exec := newScriptedExecutor()
		sched := New(dag, store, exec, nil, testConfig(1), logr.Discard())
		Expect(sched.Run(ctx)).To(Succeed())

		var windows [][2]time.Time
		for _, id := range []string{"A", "B", "C"} {
			windows = append(windows, [2]time.Time{exec.started[id][0], exec.finished[id][0]})
		}
		for i := 0; i < len(windows); i++ {
			for j := i + 1; j < len(windows); j++ {
				overlap := windows[i][0].Before(windows[j][1]) && windows[j][0].Before(windows[i][1])
				Expect(overlap).To(BeFalse(), fmt.Sprintf("windows %d and %d must not overlap under max_parallel=1", i, j))
			}
		}
	})

	It("exits immediately for an empty task set", func() {
		store, dag := buildStore(nil)
		exec := newScriptedExecutor()
		sched := New(dag, store, exec, nil, testConfig(1), logr.Discard())
		Expect(sched.Run(ctx)).To(Succeed())
	})

	It("admits a task added at runtime via AddTask and runs it to completion", func() {
		a := mkTask("A", types.RoleBackend)
		store, dag := buildStore([]*types.Task{a})

		// A blocks on release so the run loop is still live (and A is
		// still non-terminal) when AddTask is called, matching the
		// watcher's real use case: a new file dropped in while the run
		// has outstanding work, not into an already-drained scheduler.
		release := make(chan struct{})
		exec := newScriptedExecutor()
		exec.always("A", func() (ExecResult, error) {
			<-release
			return ExecResult{QAVerdict: types.QAVerdictPass}, nil
		})
		sched := New(dag, store, exec, nil, testConfig(2), logr.Discard())

		done := make(chan error, 1)
		go func() { done <- sched.Run(ctx) }()

		Eventually(func() bool {
			_, started := exec.started["A"]
			return started
		}, time.Second, 5*time.Millisecond).Should(BeTrue())

		b := mkTask("B", types.RoleBackend, "A")
		Expect(sched.AddTask(b)).To(Succeed())

		gotB, ok := store.Get("B")
		Expect(ok).To(BeTrue())
		Expect(gotB.State).To(Equal(types.StateDeclared), "B depends on the still-running A, so it must stay blocked")

		close(release)
		Expect(<-done).To(Succeed())

		gotB, ok = store.Get("B")
		Expect(ok).To(BeTrue())
		Expect(gotB.State).To(Equal(types.StateDone))
	})

	It("AddTask is a no-op for a task id the scheduler already knows", func() {
		a := mkTask("A", types.RoleBackend)
		store, dag := buildStore([]*types.Task{a})

		exec := newScriptedExecutor()
		sched := New(dag, store, exec, nil, testConfig(2), logr.Discard())

		done := make(chan error, 1)
		go func() { done <- sched.Run(ctx) }()

		Eventually(func() int {
			return sched.Status().TotalTasks
		}, time.Second, 5*time.Millisecond).Should(Equal(1))

		Expect(sched.AddTask(mkTask("A", types.RoleBackend))).To(Succeed())
		Expect(<-done).To(Succeed())

		Expect(exec.calls["A"]).To(Equal(1), "re-adding a known task id must not re-run it")
	})
})

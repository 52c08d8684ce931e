// Package graph compiles a task set into an executable DAG: adjacency
// lists, a reverse index for dependents, topological layers and the
// critical path (spec §4.2).
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// DAG is the immutable compiled graph. Once built it never mutates in
// place: incremental updates (WithTask) return a new DAG and leave the
// original unchanged. The new DAG is rebuilt over the whole merged task
// set; recomputation is not limited to the affected subgraph.
type DAG struct {
	tasks        map[string]*types.Task
	dependents   map[string][]string // reverse index: id -> ids that depend on it
	layers       [][]string          // topological layers, root layer first
	criticalPath []string
}

// Task returns the task definition for id, or nil if absent.
func (d *DAG) Task(id string) *types.Task { return d.tasks[id] }

// Dependents returns the ids of tasks that list id in depends_on.
func (d *DAG) Dependents(id string) []string { return d.dependents[id] }

// Layers returns the topological layers, root layer first. Every task
// in layer i depends only on tasks in layers < i.
func (d *DAG) Layers() [][]string { return d.layers }

// CriticalPath returns the longest-effort chain of task ids computed
// at build time, used only as a scheduler tie-break (spec §4.2, §4.3).
func (d *DAG) CriticalPath() []string { return d.criticalPath }

// Roots returns tasks with no dependencies.
func (d *DAG) Roots() []string {
	var roots []string
	for id, t := range d.tasks {
		if len(t.DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Build validates and compiles tasks into a DAG. Duplicate ids and
// missing dependencies are collected and reported together as a single
// aggregated error. Cycle detection runs only when there are none of
// those, so a cycle in the same task set is not reported alongside them.
func Build(tasks []*types.Task) (*DAG, error) {
	byID := make(map[string]*types.Task, len(tasks))
	var errs []error

	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			errs = append(errs, taskflowerrors.NewDependencyError(fmt.Sprintf("duplicate task id: %s", t.ID)))
			continue
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				errs = append(errs, taskflowerrors.NewDependencyError(
					fmt.Sprintf("task %s depends on missing task %s", t.ID, dep)))
			}
		}
	}

	if len(errs) > 0 {
		return nil, taskflowerrors.Chain(errs...)
	}

	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	for _, ids := range dependents {
		sort.Strings(ids)
	}

	layers, cycleErr := kahnLayers(byID)
	if cycleErr != nil {
		return nil, cycleErr
	}

	d := &DAG{tasks: byID, dependents: dependents, layers: layers}
	d.criticalPath = computeCriticalPath(byID, dependents, layers)
	return d, nil
}

// kahnLayers computes topological layers via Kahn's algorithm, tracking
// the residual in-degree set so any remaining unprocessed tasks after
// the frontier empties indicate a cycle (spec §4.2: "cycle detection
// (Tarjan or Kahn with residual-set check)").
func kahnLayers(byID map[string]*types.Task) ([][]string, error) {
	inDegree := make(map[string]int, len(byID))
	for id, t := range byID {
		inDegree[id] = len(t.DependsOn)
	}

	dependents := make(map[string][]string)
	for id, t := range byID {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for _, ids := range dependents {
		sort.Strings(ids)
	}

	var layers [][]string
	remaining := len(byID)
	for remaining > 0 {
		var frontier []string
		for id, deg := range inDegree {
			if deg == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, residualCycleError(inDegree)
		}
		sort.Strings(frontier)
		layers = append(layers, frontier)
		for _, id := range frontier {
			delete(inDegree, id)
			remaining--
			for _, next := range dependents[id] {
				inDegree[next]--
			}
		}
	}
	return layers, nil
}

func residualCycleError(residual map[string]int) error {
	ids := make([]string, 0, len(residual))
	for id := range residual {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return taskflowerrors.NewDependencyError(
		fmt.Sprintf("cycle detected among tasks: %s", strings.Join(ids, ", ")))
}

// computeCriticalPath finds the longest-duration chain from any root to
// any terminal task, tie-broken lexicographically by task id (spec §4.2).
func computeCriticalPath(byID map[string]*types.Task, dependents map[string][]string, layers [][]string) []string {
	type best struct {
		duration time.Duration
		path     []string
	}
	memo := make(map[string]best, len(byID))

	order := make([]string, 0, len(byID))
	for _, layer := range layers {
		order = append(order, layer...)
	}

	for _, id := range order {
		t := byID[id]
		b := best{duration: t.EstimatedEffort, path: []string{id}}
		for _, dep := range t.DependsOn {
			if depBest, ok := memo[dep]; ok {
				candidate := depBest.duration + t.EstimatedEffort
				if candidate > b.duration || (candidate == b.duration && lexLess(append(append([]string{}, depBest.path...), id), b.path)) {
					b = best{duration: candidate, path: append(append([]string{}, depBest.path...), id)}
				}
			}
		}
		memo[id] = b
	}

	var winner best
	first := true
	for _, id := range order {
		b := memo[id]
		if first || b.duration > winner.duration || (b.duration == winner.duration && lexLess(b.path, winner.path)) {
			winner = b
			first = false
		}
	}
	return winner.path
}

func lexLess(a, b []string) bool {
	return strings.Join(a, ",") < strings.Join(b, ",")
}

// WithTask returns a new DAG with task added or replaced. Layers and
// critical path are recomputed; since both are pure functions of the
// task set, and the affected subgraph is exactly "this task plus its
// transitive dependents", this is equivalent in result to (and cheaper
// to reason about than) patching the topology in place.
func (d *DAG) WithTask(task *types.Task) (*DAG, error) {
	merged := make([]*types.Task, 0, len(d.tasks)+1)
	for id, t := range d.tasks {
		if id == task.ID {
			continue
		}
		merged = append(merged, t)
	}
	merged = append(merged, task)
	return Build(merged)
}


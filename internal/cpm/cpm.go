// Package cpm computes stages, the critical path and contention diagnostics
// over the hard-dependency subgraph of a task snapshot.
package cpm

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/joshharrison/weft/internal/graph"
)

const epsilon = 1e-9

// Analyze performs critical path method analysis on a graph snapshot.
// A task's duration is its EstimatedDuration, or 1 when unset. Only hard
// edges between tasks present in the snapshot are considered.
func Analyze(snap *graph.Snapshot) (*Result, error) {
	order, err := topoSort(snap)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Tasks:     make(map[string]*TaskSchedule, len(order)),
		TopoOrder: order,
	}
	for _, id := range order {
		result.Tasks[id] = &TaskSchedule{TaskID: id, Duration: snap.Tasks[id].Duration()}
	}

	// Forward pass: ES = max(EF of all predecessors), remembering which
	// predecessor set it so the longest chain can be walked back.
	pred := make(map[string]string, len(order))
	for _, id := range order {
		ts := result.Tasks[id]
		for _, dep := range snap.HardDeps(id) {
			if ef := result.Tasks[dep].EF; pred[id] == "" || ef > ts.ES+epsilon {
				ts.ES = ef
				pred[id] = dep
			}
		}
		ts.EF = ts.ES + ts.Duration
	}

	end := ""
	for _, id := range order {
		if ef := result.Tasks[id].EF; end == "" || ef > result.Tasks[end].EF+epsilon {
			end = id
		}
	}
	if end != "" {
		result.TotalDuration = result.Tasks[end].EF
	}

	// Backward pass in reverse topological order.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		ts := result.Tasks[id]
		ts.LF = result.TotalDuration
		for _, succ := range snap.HardDependents(id) {
			if ls := result.Tasks[succ].LS; ls < ts.LF {
				ts.LF = ls
			}
		}
		ts.LS = ts.LF - ts.Duration
		ts.Slack = ts.LS - ts.ES
		ts.IsCritical = math.Abs(ts.Slack) < epsilon
	}

	for id := end; id != ""; id = pred[id] {
		result.CriticalPath = append(result.CriticalPath, id)
	}
	for i, j := 0, len(result.CriticalPath)-1; i < j; i, j = i+1, j-1 {
		result.CriticalPath[i], result.CriticalPath[j] = result.CriticalPath[j], result.CriticalPath[i]
	}

	result.Stages = computeStages(result, snap)
	result.Parallel = parallelGroups(snap)
	result.Conflicts = resourceConflicts(snap, order)

	return result, nil
}

// topoSort performs Kahn's algorithm over hard edges. The queue is seeded in
// insertion order so the result is deterministic.
func topoSort(snap *graph.Snapshot) ([]string, error) {
	inDegree := make(map[string]int, len(snap.Order))
	for _, id := range snap.Order {
		inDegree[id] = len(snap.HardDeps(id))
	}

	var queue []string
	for _, id := range snap.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(snap.Order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range snap.HardDependents(node) {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(snap.Order) {
		return nil, fmt.Errorf("topological sort failed (%d of %d tasks sorted): %w",
			len(order), len(snap.Order), graph.ErrCircularDependency)
	}
	return order, nil
}

// computeStages assigns each task to 1 + the deepest stage of its hard
// dependencies. Critical tasks sort first within a stage.
func computeStages(result *Result, snap *graph.Snapshot) [][]string {
	var stages [][]string
	for _, id := range result.TopoOrder {
		stage := 0
		for _, dep := range snap.HardDeps(id) {
			if s := result.Tasks[dep].Stage + 1; s > stage {
				stage = s
			}
		}
		result.Tasks[id].Stage = stage
		for len(stages) <= stage {
			stages = append(stages, nil)
		}
		stages[stage] = append(stages[stage], id)
	}

	for _, ids := range stages {
		sort.SliceStable(ids, func(a, b int) bool {
			return result.Tasks[ids[a]].IsCritical && !result.Tasks[ids[b]].IsCritical
		})
	}
	return stages
}

// parallelGroups clusters tasks that declare the same set of hard
// dependencies. Groups appear in the insertion order of their first member.
func parallelGroups(snap *graph.Snapshot) []ParallelGroup {
	index := make(map[string]int)
	var groups []ParallelGroup
	for _, t := range snap.Ordered() {
		deps := t.HardDependencies()
		sort.Strings(deps)
		key := strings.Join(deps, "\x00")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ParallelGroup{Dependencies: deps})
		}
		groups[i].Tasks = append(groups[i].Tasks, t.ID)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.Tasks) >= 2 {
			out = append(out, g)
		}
	}
	return out
}

// resourceConflicts reports every pair of tasks sharing a resource where
// neither is a transitive hard ancestor of the other.
func resourceConflicts(snap *graph.Snapshot, order []string) []ResourceConflict {
	ancestors := make(map[string]map[string]bool, len(order))
	for _, id := range order {
		set := make(map[string]bool)
		for _, dep := range snap.HardDeps(id) {
			set[dep] = true
			for a := range ancestors[dep] {
				set[a] = true
			}
		}
		ancestors[id] = set
	}

	users := make(map[string][]string)
	for _, t := range snap.Ordered() {
		for _, r := range t.ResourceRequirements {
			users[r] = appendOnce(users[r], t.ID)
		}
	}
	resources := make([]string, 0, len(users))
	for r := range users {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	var conflicts []ResourceConflict
	for _, r := range resources {
		ids := users[r]
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := ids[i], ids[j]
				if ancestors[a][b] || ancestors[b][a] {
					continue
				}
				conflicts = append(conflicts, ResourceConflict{Resource: r, Tasks: [2]string{a, b}})
			}
		}
	}
	return conflicts
}

func appendOnce(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

package graph

import (
	"fmt"
	"sort"

	"github.com/joshharrison/weft/internal/events"
)

// evaluate applies the readiness rule to t. It is idempotent. Running and
// terminal tasks are left alone.
func (e *Engine) evaluate(t *Task) {
	if t.Status == StatusRunning || t.Status.IsTerminal() {
		return
	}

	if e.hardDepsDone(t) && e.resourcesFree(t) {
		if t.Status != StatusReady {
			t.Status = StatusReady
			e.emit(events.TaskReady{
				TaskID:           t.ID,
				Priority:         t.Priority,
				CriticalityScore: t.CriticalityScore,
			})
		}
		delete(e.blocked, t.ID)
		return
	}

	t.Status = StatusBlocked
	e.blocked[t.ID] = true
}

func (e *Engine) hardDepsDone(t *Task) bool {
	for _, d := range t.Dependencies {
		if d.Type != DepHard {
			continue
		}
		dep, ok := e.tasks[d.ID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) resourcesFree(t *Task) bool {
	for _, r := range t.ResourceRequirements {
		if holder, held := e.ledger.Holder(r); held && holder != t.ID {
			return false
		}
	}
	return true
}

// dependentStatuses records the status of every direct dependent of id.
func (e *Engine) dependentStatuses(id string) map[string]Status {
	before := make(map[string]Status, len(e.dependents[id]))
	for _, depID := range e.dependents[id] {
		if t, ok := e.tasks[depID]; ok {
			before[depID] = t.Status
		}
	}
	return before
}

// reevaluateDependents re-runs the status rule for every direct dependent of
// id and returns those that are ready now but were not in before. Releasing
// a resource may already have readied a dependent, so before must be taken
// ahead of any ledger change.
func (e *Engine) reevaluateDependents(id string, before map[string]Status) []string {
	var ready []string
	for _, depID := range e.dependents[id] {
		t, ok := e.tasks[depID]
		if !ok {
			continue
		}
		e.evaluate(t)
		if before[depID] != StatusReady && t.Status == StatusReady {
			ready = append(ready, depID)
		}
	}
	return ready
}

// Reevaluate re-runs the status rule for one task.
func (e *Engine) Reevaluate(id string) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	t, ok := e.tasks[id]
	if !ok {
		return notFound(id)
	}
	e.evaluate(t)
	e.emitMetrics()
	return nil
}

// ReevaluateAll re-runs the status rule for every task in insertion order.
func (e *Engine) ReevaluateAll() {
	e.mu.Lock()
	defer e.unlockAndFlush()

	for _, id := range e.order {
		e.evaluate(e.tasks[id])
	}
	e.emitMetrics()
}

// MarkTaskRunning records that a caller started a ready task. It does not
// acquire the task's resources; callers do that through AcquireResource.
func (e *Engine) MarkTaskRunning(id string) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	t, ok := e.tasks[id]
	if !ok {
		return notFound(id)
	}
	if t.Status != StatusReady {
		return &GraphError{Kind: ErrInvalidTransition, TaskID: id, Path: []string{string(t.Status), string(StatusRunning)}}
	}
	t.Status = StatusRunning
	e.emit(events.TaskRunning{TaskID: id})
	e.emitMetrics()
	return nil
}

// MarkTaskCompleted records a successful completion, releases the task's
// resources and re-evaluates its direct dependents. It returns the
// dependents that became ready.
func (e *Engine) MarkTaskCompleted(id string, outputs map[string]any) ([]string, error) {
	e.mu.Lock()
	defer e.unlockAndFlush()

	t, ok := e.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	switch t.Status {
	case StatusCompleted:
		e.logger.Debug("task already completed", "task", id)
		return nil, nil
	case StatusFailed, StatusSkipped:
		return nil, &GraphError{Kind: ErrInvalidTransition, TaskID: id, Path: []string{string(t.Status), string(StatusCompleted)}}
	}

	before := e.dependentStatuses(id)
	t.Status = StatusCompleted
	t.CompletedAt = e.now()
	t.Outputs = cloneMap(outputs)
	t.Reason = ""
	delete(e.blocked, id)

	e.releaseHeld(id)
	newlyReady := e.reevaluateDependents(id, before)

	e.emit(events.TaskCompleted{
		TaskID:      id,
		Outputs:     cloneMap(outputs),
		CompletedAt: t.CompletedAt,
		NewlyReady:  append([]string(nil), newlyReady...),
	})
	if len(newlyReady) > 0 {
		e.emit(events.TasksUnblocked{TaskIDs: append([]string(nil), newlyReady...), TriggeredBy: id})
	}
	e.emitMetrics()
	return newlyReady, nil
}

// MarkTaskFailed records a failure. Under FailureBlock it returns dependents
// that became ready (normally none); under FailureSkip it returns the hard
// dependents that were transitively skipped.
func (e *Engine) MarkTaskFailed(id, reason string) ([]string, error) {
	return e.finish(id, StatusFailed, reason)
}

// MarkTaskSkipped records an explicit skip with the same propagation as
// MarkTaskFailed.
func (e *Engine) MarkTaskSkipped(id, reason string) ([]string, error) {
	return e.finish(id, StatusSkipped, reason)
}

func (e *Engine) finish(id string, status Status, reason string) ([]string, error) {
	e.mu.Lock()
	defer e.unlockAndFlush()

	t, ok := e.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	if t.Status.IsTerminal() {
		return nil, &GraphError{Kind: ErrInvalidTransition, TaskID: id, Path: []string{string(t.Status), string(status)}}
	}

	before := e.dependentStatuses(id)
	t.Status = status
	t.Reason = reason
	t.CompletedAt = e.now()
	delete(e.blocked, id)
	e.releaseHeld(id)

	var affected []string
	if e.policy == FailureSkip {
		affected = e.cascadeSkip(id)
	} else {
		affected = e.reevaluateDependents(id, before)
	}

	switch status {
	case StatusFailed:
		e.logger.Info("task failed", "task", id, "reason", reason, "policy", e.policy)
		e.emit(events.TaskFailed{TaskID: id, Reason: reason, Skipped: skippedOnly(e.policy, affected)})
	case StatusSkipped:
		e.emit(events.TaskSkipped{TaskID: id, Reason: reason})
	}
	if e.policy == FailureBlock && len(affected) > 0 {
		e.emit(events.TasksUnblocked{TaskIDs: append([]string(nil), affected...), TriggeredBy: id})
	}
	e.emitMetrics()
	return affected, nil
}

func skippedOnly(p FailurePolicy, ids []string) []string {
	if p != FailureSkip {
		return nil
	}
	return append([]string(nil), ids...)
}

// cascadeSkip walks dependents breadth-first from a failed or skipped task
// and marks every non-running, non-terminal task with a dead hard dependency
// as skipped. Dependents over other edge types are only re-evaluated.
func (e *Engine) cascadeSkip(origin string) []string {
	var skipped []string
	queue := append([]string(nil), e.dependents[origin]...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		t, ok := e.tasks[id]
		if !ok || t.Status == StatusRunning || t.Status.IsTerminal() {
			continue
		}
		dead := e.deadHardDep(t)
		if dead == "" {
			e.evaluate(t)
			continue
		}

		t.Status = StatusSkipped
		t.Reason = fmt.Sprintf("dependency %s did not complete", dead)
		t.CompletedAt = e.now()
		delete(e.blocked, id)
		e.releaseHeld(id)
		skipped = append(skipped, id)
		e.emit(events.TaskSkipped{TaskID: id, Reason: t.Reason})

		queue = append(queue, e.dependents[id]...)
	}
	return skipped
}

// deadHardDep returns the first hard dependency that ended failed or skipped.
func (e *Engine) deadHardDep(t *Task) string {
	for _, d := range t.Dependencies {
		if d.Type != DepHard {
			continue
		}
		if dep, ok := e.tasks[d.ID]; ok && (dep.Status == StatusFailed || dep.Status == StatusSkipped) {
			return d.ID
		}
	}
	return ""
}

// GetReadyTasks returns ready task ids, highest priority plus criticality
// first. Ties keep insertion order.
func (e *Engine) GetReadyTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []*Task
	for _, id := range e.order {
		if t := e.tasks[id]; t.Status == StatusReady {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return rank(ready[i]) > rank(ready[j])
	})

	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	return ids
}

func rank(t *Task) float64 {
	return float64(t.Priority) + t.CriticalityScore
}

// BlockedTasks returns the ids currently in the blocked set, in insertion
// order.
func (e *Engine) BlockedTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, id := range e.order {
		if e.blocked[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts tallies tasks by status.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Blocked   int `json:"blocked"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func countTasks(tasks map[string]*Task) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusBlocked:
			c.Blocked++
		case StatusReady:
			c.Ready++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// Counts tallies the snapshot's tasks by status.
func (s *Snapshot) Counts() Counts {
	return countTasks(s.Tasks)
}

// Counts tallies the engine's tasks by status.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return countTasks(e.tasks)
}

func (e *Engine) emitMetrics() {
	c := countTasks(e.tasks)
	e.emit(events.MetricsUpdated{
		Total:     c.Total,
		Pending:   c.Pending,
		Blocked:   c.Blocked,
		Ready:     c.Ready,
		Running:   c.Running,
		Completed: c.Completed,
		Failed:    c.Failed,
		Skipped:   c.Skipped,
	})
}

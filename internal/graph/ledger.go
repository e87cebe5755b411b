package graph

import (
	"sort"

	"github.com/joshharrison/weft/internal/events"
)

// ResourceLedger maps a resource id to the task currently holding it.
// It is bookkeeping only: a write replaces any previous holder.
type ResourceLedger struct {
	holders map[string]string
}

// NewResourceLedger creates an empty ledger.
func NewResourceLedger() *ResourceLedger {
	return &ResourceLedger{holders: make(map[string]string)}
}

// Acquire records taskID as the holder of resource and returns the previous
// holder, if any.
func (l *ResourceLedger) Acquire(resource, taskID string) (previous string) {
	previous = l.holders[resource]
	l.holders[resource] = taskID
	return previous
}

// Release removes resource from the ledger and returns who held it.
func (l *ResourceLedger) Release(resource string) (string, bool) {
	holder, ok := l.holders[resource]
	if ok {
		delete(l.holders, resource)
	}
	return holder, ok
}

// Holder returns the task holding resource.
func (l *ResourceLedger) Holder(resource string) (string, bool) {
	holder, ok := l.holders[resource]
	return holder, ok
}

// HeldBy returns the resources held by taskID, sorted.
func (l *ResourceLedger) HeldBy(taskID string) []string {
	var out []string
	for r, h := range l.holders {
		if h == taskID {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the ledger.
func (l *ResourceLedger) Snapshot() map[string]string {
	out := make(map[string]string, len(l.holders))
	for r, h := range l.holders {
		out[r] = h
	}
	return out
}

// AcquireResource records taskID as the holder of resource. Acquisition is
// caller-owned: the engine never does this on its own, not even when a task
// starts running. Every task waiting on the resource is re-evaluated.
func (e *Engine) AcquireResource(resource, taskID string) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	if _, ok := e.tasks[taskID]; !ok {
		return notFound(taskID)
	}
	previous := e.ledger.Acquire(resource, taskID)
	if previous != "" && previous != taskID {
		e.logger.Warn("resource holder replaced", "resource", resource, "previous", previous, "holder", taskID)
	}
	e.emit(events.ResourceAcquired{Resource: resource, TaskID: taskID, PreviousHolder: previous})
	e.reevaluateWaiters(resource)
	e.emitMetrics()
	return nil
}

// ReleaseResource frees resource and re-evaluates every task waiting on it.
// It returns the tasks that became ready as a result.
func (e *Engine) ReleaseResource(resource string) []string {
	e.mu.Lock()
	defer e.unlockAndFlush()

	holder, ok := e.ledger.Release(resource)
	if !ok {
		return nil
	}
	e.emit(events.ResourceReleased{Resource: resource, TaskID: holder})
	ready := e.reevaluateWaiters(resource)
	e.emitMetrics()
	return ready
}

// ResourceHolder returns the task currently recorded as holding resource.
func (e *Engine) ResourceHolder(resource string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Holder(resource)
}

// Resources returns a copy of the ledger.
func (e *Engine) Resources() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Snapshot()
}

// releaseHeld frees every resource held by taskID and re-evaluates waiters.
func (e *Engine) releaseHeld(taskID string) {
	for _, r := range e.ledger.HeldBy(taskID) {
		e.ledger.Release(r)
		e.logger.Debug("resource released", "resource", r, "task", taskID)
		e.emit(events.ResourceReleased{Resource: r, TaskID: taskID})
		e.reevaluateWaiters(r)
	}
}

// reevaluateWaiters re-runs the status rule for every task requiring
// resource, in insertion order, and returns those that became ready.
func (e *Engine) reevaluateWaiters(resource string) []string {
	var ready []string
	for _, id := range e.order {
		t := e.tasks[id]
		if !requires(t, resource) {
			continue
		}
		before := t.Status
		e.evaluate(t)
		if before != StatusReady && t.Status == StatusReady {
			ready = append(ready, id)
		}
	}
	return ready
}

func requires(t *Task, resource string) bool {
	for _, r := range t.ResourceRequirements {
		if r == resource {
			return true
		}
	}
	return false
}

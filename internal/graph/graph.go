// Package graph owns the task store, dependency processing, knowledge
// tracking, the resource ledger and the per-task status machine.
package graph

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/joshharrison/weft/internal/events"
)

// Engine is a dependency graph of tasks for one planning context.
// All methods are safe for concurrent use; each call completes its whole
// cascade of updates before returning. Events raised during a call are
// published after the internal lock is released.
type Engine struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string            // insertion order
	dependents map[string][]string // dependency -> tasks that depend on it
	blocked    map[string]bool
	knowledge  map[string]*KnowledgeEntry
	ledger     *ResourceLedger

	policy  FailurePolicy
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
	pending []events.Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for soft warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBus publishes engine events on b instead of a private bus.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithFailurePolicy sets how dependents of failed or skipped tasks react.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an empty Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		blocked:    make(map[string]bool),
		knowledge:  make(map[string]*KnowledgeEntry),
		ledger:     NewResourceLedger(),
		policy:     FailureBlock,
		bus:        events.NewBus(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bus returns the bus engine events are published on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Policy returns the configured failure policy.
func (e *Engine) Policy() FailurePolicy {
	return e.policy
}

func (e *Engine) emit(ev events.Event) {
	e.pending = append(e.pending, ev)
}

// unlockAndFlush releases the lock and then publishes queued events so
// handlers may call back into the engine.
func (e *Engine) unlockAndFlush() {
	evs := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ev := range evs {
		e.bus.Publish(ev)
	}
}

// AddTask validates and commits a new task. It returns false without error
// when id already exists. A hard dependency that would close a cycle fails
// the call with ErrCircularDependency and leaves the graph untouched.
func (e *Engine) AddTask(id string, opts TaskOptions) (bool, error) {
	e.mu.Lock()
	defer e.unlockAndFlush()

	if id == "" {
		return false, &GraphError{Kind: ErrInvalidTask}
	}
	if _, exists := e.tasks[id]; exists {
		e.logger.Warn("task already exists, ignoring add", "task", id)
		return false, nil
	}

	deps := make([]Dependency, 0, len(opts.Dependencies))
	seen := make(map[string]bool, len(opts.Dependencies))
	for _, spec := range opts.Dependencies {
		if spec.ID == "" {
			return false, &GraphError{Kind: ErrInvalidTask, TaskID: id}
		}
		if seen[spec.ID] {
			continue
		}
		seen[spec.ID] = true
		deps = append(deps, spec.normalize())
	}

	// Validate everything before the first mutation.
	for _, d := range deps {
		if d.Type != DepHard {
			continue
		}
		if path := e.findCycle(id, d.ID); path != nil {
			e.logger.Warn("rejected task with circular dependency", "task", id, "path", path)
			return false, cycleError(id, path)
		}
	}

	name := opts.Name
	if name == "" {
		name = id
	}
	t := &Task{
		ID:                   id,
		Name:                 name,
		Priority:             opts.Priority,
		EstimatedDuration:    opts.EstimatedDuration,
		Status:               StatusPending,
		Dependencies:         deps,
		ResourceRequirements: append([]string(nil), opts.ResourceRequirements...),
		Produces:             append([]string(nil), opts.Produces...),
		Requires:             append([]string(nil), opts.Requires...),
		Metadata:             cloneMap(opts.Metadata),
		CreatedAt:            e.now(),
	}
	e.tasks[id] = t
	e.order = append(e.order, id)

	for _, d := range deps {
		e.addDependent(d.ID, id)
	}
	e.trackKnowledge(t)

	e.refreshDepths(id)
	for _, d := range t.Dependencies {
		if target, ok := e.tasks[d.ID]; ok {
			e.score(target)
		}
	}

	e.evaluate(t)

	e.logger.Debug("task added", "task", id, "depth", t.Depth, "status", t.Status)
	e.emit(events.TaskAdded{
		TaskID:           id,
		TaskName:         t.Name,
		Priority:         t.Priority,
		Depth:            t.Depth,
		CriticalityScore: t.CriticalityScore,
		Status:           string(t.Status),
	})
	e.emitMetrics()
	return true, nil
}

// AddDependency wires a new dependency onto an existing task with the same
// validate-then-commit rule as AddTask. Re-declaring an existing edge of the
// same type is a no-op.
func (e *Engine) AddDependency(taskID string, spec DepSpec) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	t, ok := e.tasks[taskID]
	if !ok {
		return notFound(taskID)
	}
	if spec.ID == "" {
		return &GraphError{Kind: ErrInvalidTask, TaskID: taskID}
	}
	dep := spec.normalize()
	for _, d := range t.Dependencies {
		if d.ID == dep.ID && d.Type == dep.Type {
			return nil
		}
	}
	if dep.Type == DepHard {
		if path := e.findCycle(taskID, dep.ID); path != nil {
			e.logger.Warn("rejected circular dependency", "task", taskID, "dependency", dep.ID, "path", path)
			return cycleError(taskID, path)
		}
	}

	t.Dependencies = append(t.Dependencies, dep)
	e.addDependent(dep.ID, taskID)
	e.refreshDepths(taskID)
	if target, ok := e.tasks[dep.ID]; ok {
		e.score(target)
	}
	e.evaluate(t)
	e.emitMetrics()
	return nil
}

func (e *Engine) addDependent(dependency, dependent string) {
	for _, id := range e.dependents[dependency] {
		if id == dependent {
			return
		}
	}
	e.dependents[dependency] = append(e.dependents[dependency], dependent)
}

// findCycle checks whether making id depend on target would close a loop
// over hard edges. It walks target's hard dependencies depth-first with an
// explicit stack and returns the offending path (id -> target -> ... -> id),
// or nil when the edge is safe.
func (e *Engine) findCycle(id, target string) []string {
	if target == id {
		return []string{id, id}
	}

	type frame struct {
		node string
		deps []string
		next int
	}

	onStack := map[string]bool{target: true}
	done := make(map[string]bool)
	stack := []frame{{node: target, deps: e.hardDeps(target)}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.deps) {
			onStack[top.node] = false
			done[top.node] = true
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.deps[top.next]
		top.next++

		if next == id || onStack[next] {
			path := make([]string, 0, len(stack)+2)
			path = append(path, id)
			for _, f := range stack {
				path = append(path, f.node)
			}
			return append(path, next)
		}
		if done[next] {
			continue
		}
		onStack[next] = true
		stack = append(stack, frame{node: next, deps: e.hardDeps(next)})
	}
	return nil
}

func (e *Engine) hardDeps(id string) []string {
	if t, ok := e.tasks[id]; ok {
		return t.HardDependencies()
	}
	return nil
}

func (e *Engine) computeDepth(t *Task) int {
	hard := t.HardDependencies()
	if len(hard) == 0 {
		return 0
	}
	deepest := 0
	for _, id := range hard {
		if d, ok := e.tasks[id]; ok && d.Depth > deepest {
			deepest = d.Depth
		}
	}
	return deepest + 1
}

// refreshDepths recomputes depth (and criticality) from start outward through
// hard dependents, stopping where a depth does not change.
func (e *Engine) refreshDepths(start string) {
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		t, ok := e.tasks[id]
		if !ok {
			continue
		}
		depth := e.computeDepth(t)
		changed := depth != t.Depth
		t.Depth = depth
		if !changed && id != start {
			continue
		}
		e.score(t)
		for _, depID := range e.dependents[id] {
			if dt, ok := e.tasks[depID]; ok && dependsHard(dt, id) {
				queue = append(queue, depID)
			}
		}
	}
}

func dependsHard(t *Task, id string) bool {
	for _, d := range t.Dependencies {
		if d.ID == id && d.Type == DepHard {
			return true
		}
	}
	return false
}

// score recomputes the criticality heuristic used to rank ready tasks.
func (e *Engine) score(t *Task) {
	t.CriticalityScore = 10*float64(len(e.dependents[t.ID])) +
		float64(t.Priority) +
		5*math.Log(t.EstimatedDuration+1) +
		2*float64(10-t.Depth) +
		3*float64(len(t.ResourceRequirements))
}

// Task returns a copy of the task with the given id.
func (e *Engine) Task(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].clone())
	}
	return out
}

// Dependents returns the ids of tasks that directly depend on id.
func (e *Engine) Dependents(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.dependents[id]...)
}

// Len returns the number of tasks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Snapshot is an immutable copy of the graph used by read-side computations.
type Snapshot struct {
	Tasks      map[string]*Task
	Order      []string
	Dependents map[string][]string
	Holders    map[string]string
	Policy     FailurePolicy
	TakenAt    time.Time
}

// Snapshot copies the current graph state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Snapshot{
		Tasks:      make(map[string]*Task, len(e.tasks)),
		Order:      append([]string(nil), e.order...),
		Dependents: make(map[string][]string, len(e.dependents)),
		Holders:    e.ledger.Snapshot(),
		Policy:     e.policy,
		TakenAt:    e.now(),
	}
	for id, t := range e.tasks {
		s.Tasks[id] = t.clone()
	}
	for id, deps := range e.dependents {
		s.Dependents[id] = append([]string(nil), deps...)
	}
	return s
}

// Task returns the task with the given id.
func (s *Snapshot) Task(id string) (*Task, bool) {
	t, ok := s.Tasks[id]
	return t, ok
}

// Ordered returns tasks in insertion order.
func (s *Snapshot) Ordered() []*Task {
	out := make([]*Task, 0, len(s.Order))
	for _, id := range s.Order {
		out = append(out, s.Tasks[id])
	}
	return out
}

// HardDeps returns the hard dependencies of id that exist in the snapshot.
// Dangling references are skipped.
func (s *Snapshot) HardDeps(id string) []string {
	t, ok := s.Tasks[id]
	if !ok {
		return nil
	}
	var ids []string
	for _, d := range t.HardDependencies() {
		if _, ok := s.Tasks[d]; ok {
			ids = append(ids, d)
		}
	}
	return ids
}

// HardDependents returns the existing tasks that hard-depend on id.
func (s *Snapshot) HardDependents(id string) []string {
	var ids []string
	for _, depID := range s.Dependents[id] {
		if t, ok := s.Tasks[depID]; ok && dependsHard(t, id) {
			ids = append(ids, depID)
		}
	}
	return ids
}

package graph

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/joshharrison/weft/internal/events"
)

func mustAdd(t *testing.T, e *Engine, id string, opts TaskOptions) {
	t.Helper()
	added, err := e.AddTask(id, opts)
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	if !added {
		t.Fatalf("add %s: expected task to be added", id)
	}
}

func status(t *testing.T, e *Engine, id string) Status {
	t.Helper()
	task, ok := e.Task(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task.Status
}

func TestAddTask_DesignThenBackend(t *testing.T) {
	e := New()
	mustAdd(t, e, "design", TaskOptions{Priority: 10})
	mustAdd(t, e, "backend", TaskOptions{Dependencies: On("design")})

	if got := status(t, e, "design"); got != StatusReady {
		t.Errorf("expected design ready, got %s", got)
	}
	if got := status(t, e, "backend"); got != StatusBlocked {
		t.Errorf("expected backend blocked, got %s", got)
	}

	ready, err := e.MarkTaskCompleted("design", map[string]any{})
	if err != nil {
		t.Fatalf("complete design: %v", err)
	}
	if !reflect.DeepEqual(ready, []string{"backend"}) {
		t.Errorf("expected [backend] to be unblocked, got %v", ready)
	}
	if got := status(t, e, "backend"); got != StatusReady {
		t.Errorf("expected backend ready, got %s", got)
	}
}

func TestAddTask_Duplicate(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{Priority: 1})

	added, err := e.AddTask("a", TaskOptions{Priority: 99})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Error("duplicate add should return false")
	}
	task, _ := e.Task("a")
	if task.Priority != 1 {
		t.Errorf("duplicate add must not overwrite, got priority %d", task.Priority)
	}
}

func TestAddTask_EmptyID(t *testing.T) {
	e := New()
	_, err := e.AddTask("", TaskOptions{})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestAddTask_SelfDependency(t *testing.T) {
	e := New()
	_, err := e.AddTask("x", TaskOptions{Dependencies: On("x")})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
	if e.Len() != 0 {
		t.Errorf("rejected task must not be committed, got %d tasks", e.Len())
	}
}

func TestAddDependency_CycleLeavesGraphUnchanged(t *testing.T) {
	e := New()
	mustAdd(t, e, "X", TaskOptions{})
	mustAdd(t, e, "Y", TaskOptions{Dependencies: On("X")})
	mustAdd(t, e, "X2", TaskOptions{Dependencies: On("Y")})

	before, _ := e.Task("X")

	err := e.AddDependency("X", DepSpec{ID: "X2"})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %T", err)
	}
	if want := []string{"X", "X2", "Y", "X"}; !reflect.DeepEqual(ge.Path, want) {
		t.Errorf("expected cycle path %v, got %v", want, ge.Path)
	}

	after, _ := e.Task("X")
	if !reflect.DeepEqual(before.Dependencies, after.Dependencies) {
		t.Errorf("X dependencies changed: %v -> %v", before.Dependencies, after.Dependencies)
	}
	if deps := e.Dependents("X2"); len(deps) != 0 {
		t.Errorf("X2 must not gain dependents, got %v", deps)
	}
	if got := status(t, e, "X"); got != StatusReady {
		t.Errorf("X should still be ready, got %s", got)
	}
}

func TestAddTask_CycleThroughDanglingReference(t *testing.T) {
	// a waits on "c" before c exists; adding c -> b -> a would close the loop.
	e := New()
	mustAdd(t, e, "a", TaskOptions{Dependencies: On("c")})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})

	_, err := e.AddTask("c", TaskOptions{Dependencies: On("b")})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
	if _, ok := e.Task("c"); ok {
		t.Error("c must not be committed")
	}
	for _, d := range e.Dependents("b") {
		if d == "c" {
			t.Error("rejected task leaked into reverse dependencies")
		}
	}
}

func TestAddTask_SoftEdgesIgnoredByCycleCheck(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})

	err := e.AddDependency("a", DepSpec{ID: "b", Type: DepSoft})
	if err != nil {
		t.Fatalf("soft back-edge should be accepted: %v", err)
	}
	if got := status(t, e, "a"); got != StatusReady {
		t.Errorf("soft dependency must not block, got %s", got)
	}
}

func TestAcyclicity_RandomishSequence(t *testing.T) {
	e := New()
	ids := []string{"n0", "n1", "n2", "n3", "n4", "n5"}
	for i, id := range ids {
		var deps []string
		for j := 0; j < i; j += 2 {
			deps = append(deps, ids[j])
		}
		mustAdd(t, e, id, TaskOptions{Dependencies: On(deps...)})
	}
	// Every back-edge from an early node to a later node must fail.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			reachable := hardReachable(e, ids[j], ids[i])
			err := e.AddDependency(ids[i], DepSpec{ID: ids[j]})
			if reachable && !errors.Is(err, ErrCircularDependency) {
				t.Errorf("%s -> %s should be rejected", ids[i], ids[j])
			}
			if !reachable && err != nil {
				t.Errorf("%s -> %s should be accepted, got %v", ids[i], ids[j], err)
			}
		}
	}
	if hasHardCycle(e) {
		t.Fatal("hard subgraph contains a cycle")
	}
}

func hardReachable(e *Engine, from, to string) bool {
	snap := e.Snapshot()
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, snap.HardDeps(n)...)
	}
	return false
}

func hasHardCycle(e *Engine) bool {
	snap := e.Snapshot()
	for _, id := range snap.Order {
		for _, d := range snap.HardDeps(id) {
			if hardReachable(e, d, id) {
				return true
			}
		}
	}
	return false
}

func TestDepth(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})
	mustAdd(t, e, "c", TaskOptions{Dependencies: On("a", "b")})
	mustAdd(t, e, "d", TaskOptions{Dependencies: []DepSpec{{ID: "c", Type: DepSoft}}})

	want := map[string]int{"a": 0, "b": 1, "c": 2, "d": 0}
	for id, depth := range want {
		task, _ := e.Task(id)
		if task.Depth != depth {
			t.Errorf("%s: expected depth %d, got %d", id, depth, task.Depth)
		}
	}
}

func TestDepth_RefreshedWhenDanglingDependencyArrives(t *testing.T) {
	e := New()
	mustAdd(t, e, "late", TaskOptions{Dependencies: On("root2")})
	mustAdd(t, e, "root", TaskOptions{})
	mustAdd(t, e, "root2", TaskOptions{Dependencies: On("root")})

	task, _ := e.Task("late")
	if task.Depth != 2 {
		t.Errorf("expected late depth 2 after root2 arrives, got %d", task.Depth)
	}
	if task.Status != StatusBlocked {
		t.Errorf("expected late blocked, got %s", task.Status)
	}
}

func TestCriticalityScore(t *testing.T) {
	e := New()
	mustAdd(t, e, "design", TaskOptions{Priority: 10})

	task, _ := e.Task("design")
	if task.CriticalityScore != 30 {
		t.Errorf("expected 30, got %v", task.CriticalityScore)
	}

	mustAdd(t, e, "backend", TaskOptions{
		Dependencies:         On("design"),
		EstimatedDuration:    3,
		ResourceRequirements: []string{"db"},
	})

	task, _ = e.Task("design")
	if task.CriticalityScore != 40 {
		t.Errorf("design should gain 10 per dependent, got %v", task.CriticalityScore)
	}
	backend, _ := e.Task("backend")
	want := 5*math.Log(4) + 18 + 3
	if math.Abs(backend.CriticalityScore-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, backend.CriticalityScore)
	}
}

func TestGetReadyTasks_Ordering(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{Priority: 1})
	mustAdd(t, e, "b", TaskOptions{Priority: 5})
	mustAdd(t, e, "c", TaskOptions{Priority: 5})
	mustAdd(t, e, "d", TaskOptions{Dependencies: On("a")})

	got := e.GetReadyTasks()
	// a gains a dependent (+10) so it outranks b and c despite lower priority.
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if err := e.MarkTaskRunning("a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	for _, id := range e.GetReadyTasks() {
		if id == "a" || id == "d" {
			t.Errorf("running or blocked task %s must not be ready", id)
		}
	}
}

func TestKnowledgeDependency(t *testing.T) {
	e := New()
	mustAdd(t, e, "schema", TaskOptions{Produces: []string{"db-schema"}})
	mustAdd(t, e, "api", TaskOptions{Requires: []string{"db-schema"}})

	api, _ := e.Task("api")
	if len(api.Dependencies) != 1 {
		t.Fatalf("expected one synthesized dependency, got %v", api.Dependencies)
	}
	dep := api.Dependencies[0]
	if dep.ID != "schema" || dep.Type != DepKnowledge || dep.Weight != 0.8 {
		t.Errorf("unexpected knowledge edge %+v", dep)
	}
	if deps := e.Dependents("schema"); !reflect.DeepEqual(deps, []string{"api"}) {
		t.Errorf("expected reverse edge schema -> api, got %v", deps)
	}
	// Knowledge edges are advisory.
	if api.Status != StatusReady {
		t.Errorf("expected api ready, got %s", api.Status)
	}

	entry, ok := e.Knowledge("db-schema")
	if !ok || entry.Producer != "schema" || !reflect.DeepEqual(entry.Consumers, []string{"api"}) {
		t.Errorf("unexpected knowledge entry %+v", entry)
	}
}

func TestKnowledge_LastProducerWins(t *testing.T) {
	e := New()
	mustAdd(t, e, "p1", TaskOptions{Produces: []string{"report"}})
	mustAdd(t, e, "p2", TaskOptions{Produces: []string{"report"}})
	mustAdd(t, e, "c", TaskOptions{Requires: []string{"report"}})

	entry, _ := e.Knowledge("report")
	if entry.Producer != "p2" {
		t.Errorf("expected last producer p2, got %s", entry.Producer)
	}
	c, _ := e.Task("c")
	if len(c.Dependencies) != 1 || c.Dependencies[0].ID != "p2" {
		t.Errorf("expected knowledge edge to p2, got %v", c.Dependencies)
	}
}

func TestKnowledge_NoDuplicateWhenExplicit(t *testing.T) {
	e := New()
	mustAdd(t, e, "p", TaskOptions{Produces: []string{"x"}})
	mustAdd(t, e, "c", TaskOptions{Dependencies: On("p"), Requires: []string{"x"}})

	c, _ := e.Task("c")
	if len(c.Dependencies) != 1 || c.Dependencies[0].Type != DepHard {
		t.Errorf("expected only the explicit hard edge, got %v", c.Dependencies)
	}
}

func TestDependencyNormalization(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: []DepSpec{
		{ID: "a"},
		{ID: "a", Type: DepSoft},
		{ID: "z", Type: DepTemporal, Weight: 0.3, Condition: "after-hours"},
	}})

	b, _ := e.Task("b")
	want := []Dependency{
		{ID: "a", Type: DepHard, Weight: 1.0},
		{ID: "z", Type: DepTemporal, Weight: 0.3, Condition: "after-hours"},
	}
	if !reflect.DeepEqual(b.Dependencies, want) {
		t.Errorf("expected %v, got %v", want, b.Dependencies)
	}
}

func TestParseDependencyType(t *testing.T) {
	for in, want := range map[string]DependencyType{"": DepHard, "HARD": DepHard, "soft": DepSoft, " knowledge ": DepKnowledge} {
		got, err := ParseDependencyType(in)
		if err != nil || got != want {
			t.Errorf("ParseDependencyType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDependencyType("weird"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestEvents_AddAndComplete(t *testing.T) {
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec.Handle, events.NameTaskAdded, events.NameTaskReady, events.NameTaskCompleted, events.NameTasksUnblocked)

	e := New(WithBus(bus))
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})
	if _, err := e.MarkTaskCompleted("a", nil); err != nil {
		t.Fatal(err)
	}

	want := []string{
		events.NameTaskReady, events.NameTaskAdded,
		events.NameTaskAdded,
		events.NameTaskReady,
		events.NameTaskCompleted, events.NameTasksUnblocked,
	}
	if got := rec.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEvents_HandlerMayCallEngine(t *testing.T) {
	e := New()
	var seen []string
	e.Bus().Subscribe(func(ev events.Event) {
		// Reading the engine from a handler must not deadlock.
		seen = append(seen, e.GetReadyTasks()...)
	}, events.NameTaskReady)

	mustAdd(t, e, "a", TaskOptions{})
	if len(seen) != 1 || seen[0] != "a" {
		t.Errorf("expected handler to observe a as ready, got %v", seen)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{Metadata: map[string]any{"team": "core"}})

	snap := e.Snapshot()
	snap.Tasks["a"].Metadata["team"] = "changed"
	snap.Tasks["a"].Status = StatusFailed

	task, _ := e.Task("a")
	if task.Metadata["team"] != "core" || task.Status != StatusReady {
		t.Errorf("snapshot mutation leaked into engine: %+v", task)
	}
}

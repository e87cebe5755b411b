package graph

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/joshharrison/weft/internal/events"
)

func TestResourceLock_BlocksAndUnblocks(t *testing.T) {
	e := New()
	mustAdd(t, e, "task1", TaskOptions{ResourceRequirements: []string{"database-lock"}})
	mustAdd(t, e, "task2", TaskOptions{ResourceRequirements: []string{"database-lock"}})

	if err := e.AcquireResource("database-lock", "task1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := status(t, e, "task1"); got != StatusReady {
		t.Errorf("holder should stay ready, got %s", got)
	}
	if got := status(t, e, "task2"); got != StatusBlocked {
		t.Errorf("expected task2 blocked, got %s", got)
	}
	if holder, _ := e.ResourceHolder("database-lock"); holder != "task1" {
		t.Errorf("expected holder task1, got %q", holder)
	}

	ready := e.ReleaseResource("database-lock")
	if !reflect.DeepEqual(ready, []string{"task2"}) {
		t.Errorf("expected [task2] to become ready, got %v", ready)
	}
	if got := status(t, e, "task2"); got != StatusReady {
		t.Errorf("expected task2 ready, got %s", got)
	}
	if len(e.Resources()) != 0 {
		t.Errorf("expected empty ledger, got %v", e.Resources())
	}
}

func TestReleaseResource_Unknown(t *testing.T) {
	e := New()
	if ready := e.ReleaseResource("nothing"); ready != nil {
		t.Errorf("expected nil, got %v", ready)
	}
}

func TestAcquireResource_UnknownTask(t *testing.T) {
	e := New()
	err := e.AcquireResource("lock", "ghost")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestAcquireResource_LastWriterWins(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{ResourceRequirements: []string{"gpu"}})
	mustAdd(t, e, "b", TaskOptions{ResourceRequirements: []string{"gpu"}})

	rec := &events.Recorder{}
	e.Bus().Subscribe(rec.Handle, events.NameResourceAcquired)

	_ = e.AcquireResource("gpu", "a")
	_ = e.AcquireResource("gpu", "b")

	if got := status(t, e, "a"); got != StatusBlocked {
		t.Errorf("expected a blocked after b took gpu, got %s", got)
	}
	if got := status(t, e, "b"); got != StatusReady {
		t.Errorf("expected b ready, got %s", got)
	}
	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 acquire events, got %d", len(evs))
	}
	if prev := evs[1].(events.ResourceAcquired).PreviousHolder; prev != "a" {
		t.Errorf("expected previous holder a, got %q", prev)
	}
}

func TestCompletionReleasesHeldResources(t *testing.T) {
	e := New()
	mustAdd(t, e, "task1", TaskOptions{ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "task2", TaskOptions{ResourceRequirements: []string{"db"}})

	_ = e.AcquireResource("db", "task1")
	if err := e.MarkTaskRunning("task1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.MarkTaskCompleted("task1", map[string]any{"rows": 3}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, held := e.ResourceHolder("db"); held {
		t.Error("db should be released on completion")
	}
	if got := status(t, e, "task2"); got != StatusReady {
		t.Errorf("expected task2 ready, got %s", got)
	}
	task, _ := e.Task("task1")
	if task.Outputs["rows"] != 3 || task.CompletedAt.IsZero() {
		t.Errorf("unexpected completion record %+v", task)
	}
}

func TestMarkTaskRunning_OnlyFromReady(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})

	err := e.MarkTaskRunning("b")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := e.MarkTaskRunning("a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := e.MarkTaskRunning("a"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("starting twice should fail, got %v", err)
	}
	if err := e.MarkTaskRunning("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMarkTaskCompleted_Idempotent(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})

	first, _ := e.MarkTaskCompleted("a", nil)
	second, err := e.MarkTaskCompleted("a", nil)
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected [b] then nothing, got %v then %v", first, second)
	}
}

func TestFailureBlock_LeavesDependentsBlocked(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})

	affected, err := e.MarkTaskFailed("a", "exit status 1")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if len(affected) != 0 {
		t.Errorf("expected no dependents affected, got %v", affected)
	}
	if got := status(t, e, "b"); got != StatusBlocked {
		t.Errorf("expected b blocked, got %s", got)
	}
	task, _ := e.Task("a")
	if task.Reason != "exit status 1" {
		t.Errorf("expected reason to be recorded, got %q", task.Reason)
	}
	if _, err := e.MarkTaskFailed("a", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failing a terminal task should error, got %v", err)
	}
}

func TestFailureSkip_CascadesOverHardEdges(t *testing.T) {
	e := New(WithFailurePolicy(FailureSkip))
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})
	mustAdd(t, e, "c", TaskOptions{Dependencies: On("b")})
	mustAdd(t, e, "d", TaskOptions{Dependencies: []DepSpec{{ID: "a", Type: DepSoft}}})

	rec := &events.Recorder{}
	e.Bus().Subscribe(rec.Handle, events.NameTaskFailed)

	skipped, err := e.MarkTaskFailed("a", "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !reflect.DeepEqual(skipped, []string{"b", "c"}) {
		t.Errorf("expected [b c] skipped, got %v", skipped)
	}
	for _, id := range []string{"b", "c"} {
		if got := status(t, e, id); got != StatusSkipped {
			t.Errorf("expected %s skipped, got %s", id, got)
		}
	}
	if got := status(t, e, "d"); got != StatusReady {
		t.Errorf("soft dependent should stay ready, got %s", got)
	}

	evs := rec.Events()
	if len(evs) != 1 {
		t.Fatalf("expected one task:failed event, got %d", len(evs))
	}
	if got := evs[0].(events.TaskFailed).Skipped; !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected event to list skipped tasks, got %v", got)
	}
}

func TestFailureSkip_RunningDependentUntouched(t *testing.T) {
	e := New(WithFailurePolicy(FailureSkip))
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{})
	if err := e.MarkTaskRunning("b"); err != nil {
		t.Fatal(err)
	}
	// b was already started before the edge was declared.
	if err := e.AddDependency("b", DepSpec{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.MarkTaskSkipped("a", "not needed"); err != nil {
		t.Fatal(err)
	}
	if got := status(t, e, "b"); got != StatusRunning {
		t.Errorf("running task must not be skipped, got %s", got)
	}
}

func TestDanglingDependencyBlocksUntilCompleted(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{Dependencies: On("ghost")})
	if got := status(t, e, "a"); got != StatusBlocked {
		t.Fatalf("expected a blocked on missing task, got %s", got)
	}

	mustAdd(t, e, "ghost", TaskOptions{})
	if got := status(t, e, "a"); got != StatusBlocked {
		t.Errorf("a should wait for ghost to complete, got %s", got)
	}

	ready, _ := e.MarkTaskCompleted("ghost", nil)
	if !reflect.DeepEqual(ready, []string{"a"}) {
		t.Errorf("expected [a], got %v", ready)
	}
}

func TestBlockedTasksAndCounts(t *testing.T) {
	e := New()
	mustAdd(t, e, "a", TaskOptions{})
	mustAdd(t, e, "b", TaskOptions{Dependencies: On("a")})
	mustAdd(t, e, "c", TaskOptions{Dependencies: On("b")})

	if got := e.BlockedTasks(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected [b c], got %v", got)
	}
	c := e.Counts()
	if c.Total != 3 || c.Ready != 1 || c.Blocked != 2 {
		t.Errorf("unexpected counts %+v", c)
	}

	_, _ = e.MarkTaskCompleted("a", nil)
	if got := e.BlockedTasks(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected [c], got %v", got)
	}
}

func TestMetricsEmittedAfterMutation(t *testing.T) {
	e := New()
	rec := &events.Recorder{}
	e.Bus().Subscribe(rec.Handle)

	mustAdd(t, e, "a", TaskOptions{ResourceRequirements: []string{"r"}})
	_ = e.AcquireResource("r", "a")
	_ = e.MarkTaskRunning("a")
	_, _ = e.MarkTaskCompleted("a", nil)

	names := rec.Names()
	if names[len(names)-1] != events.NameMetricsUpdated {
		t.Errorf("expected metrics:updated last, got %v", names)
	}
	last := rec.Events()[len(names)-1].(events.MetricsUpdated)
	if last.Total != 1 || last.Completed != 1 {
		t.Errorf("unexpected metrics %+v", last)
	}
}

func TestConcurrentCompletion_UnblocksSinkOnce(t *testing.T) {
	e := New()
	const n = 50
	roots := make([]string, n)
	for i := range roots {
		roots[i] = fmt.Sprintf("root-%d", i)
		mustAdd(t, e, roots[i], TaskOptions{})
	}
	mustAdd(t, e, "sink", TaskOptions{Dependencies: On(roots...)})

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for _, id := range roots {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ready, err := e.MarkTaskCompleted(id, nil)
			if err != nil {
				t.Errorf("complete %s: %v", id, err)
				return
			}
			mu.Lock()
			for _, r := range ready {
				if r == "sink" {
					count++
				}
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("sink should be reported ready exactly once, got %d", count)
	}
	if got := status(t, e, "sink"); got != StatusReady {
		t.Errorf("expected sink ready, got %s", got)
	}
}

func TestMarkTaskCompleted_DependentFreedByOwnResource(t *testing.T) {
	e := New()
	mustAdd(t, e, "A", TaskOptions{ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "B", TaskOptions{Dependencies: On("A"), ResourceRequirements: []string{"db"}})
	rec := &events.Recorder{}
	e.Bus().Subscribe(rec.Handle, events.NameTasksUnblocked)

	if err := e.AcquireResource("db", "A"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ready, err := e.MarkTaskCompleted("A", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Errorf("expected [B] to become ready, got %v", ready)
	}
	if got := status(t, e, "B"); got != StatusReady {
		t.Errorf("expected B ready, got %s", got)
	}

	evs := rec.Events()
	if len(evs) != 1 {
		t.Fatalf("expected one tasks:unblocked event, got %d", len(evs))
	}
	if ev := evs[0].(events.TasksUnblocked); !reflect.DeepEqual(ev.TaskIDs, []string{"B"}) || ev.TriggeredBy != "A" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestMarkTaskFailed_DependentFreedByOwnResource(t *testing.T) {
	e := New()
	mustAdd(t, e, "A", TaskOptions{ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "B", TaskOptions{
		Dependencies:         []DepSpec{{ID: "A", Type: DepSoft}},
		ResourceRequirements: []string{"db"},
	})

	_ = e.AcquireResource("db", "A")
	if got := status(t, e, "B"); got != StatusBlocked {
		t.Fatalf("expected B blocked on db, got %s", got)
	}
	ready, err := e.MarkTaskFailed("A", "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Errorf("expected [B] to become ready, got %v", ready)
	}
}

func TestMarkTaskCompleted_RejectsFailedAndSkipped(t *testing.T) {
	e := New(WithFailurePolicy(FailureSkip))
	mustAdd(t, e, "A", TaskOptions{})
	mustAdd(t, e, "B", TaskOptions{Dependencies: On("A")})
	mustAdd(t, e, "C", TaskOptions{Dependencies: On("B")})

	if _, err := e.MarkTaskFailed("A", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		before := status(t, e, id)
		if _, err := e.MarkTaskCompleted(id, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completing %s (%s): expected ErrInvalidTransition, got %v", id, before, err)
		}
		if got := status(t, e, id); got != before {
			t.Errorf("%s changed from %s to %s", id, before, got)
		}
	}
	if got := status(t, e, "C"); got != StatusSkipped {
		t.Errorf("expected C skipped, got %s", got)
	}
}

// checkReadiness asserts that every waiting task is ready exactly when its
// hard dependencies are completed and its resources are free or its own.
func checkReadiness(t *testing.T, e *Engine, step string) {
	t.Helper()
	snap := e.Snapshot()
	for _, task := range snap.Ordered() {
		if task.Status == StatusRunning || task.Status.IsTerminal() {
			continue
		}
		want := true
		for _, id := range task.HardDependencies() {
			if dep, ok := snap.Tasks[id]; !ok || dep.Status != StatusCompleted {
				want = false
			}
		}
		for _, res := range task.ResourceRequirements {
			if holder, held := snap.Holders[res]; held && holder != task.ID {
				want = false
			}
		}
		if got := task.Status == StatusReady; got != want {
			t.Errorf("%s: %s is %s, want ready=%v", step, task.ID, task.Status, want)
		}
	}
}

func TestReadinessRule_HoldsAfterEveryCall(t *testing.T) {
	e := New()
	mustAdd(t, e, "A", TaskOptions{ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "B", TaskOptions{Dependencies: On("A"), ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "C", TaskOptions{ResourceRequirements: []string{"db"}})
	mustAdd(t, e, "D", TaskOptions{Dependencies: On("B")})
	checkReadiness(t, e, "after add")

	if err := e.AcquireResource("db", "A"); err != nil {
		t.Fatal(err)
	}
	checkReadiness(t, e, "A acquires db")

	if err := e.MarkTaskRunning("A"); err != nil {
		t.Fatal(err)
	}
	checkReadiness(t, e, "A running")

	ready, err := e.MarkTaskCompleted("A", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Errorf("completing A: expected [B], got %v", ready)
	}
	checkReadiness(t, e, "A completed")

	if err := e.AcquireResource("db", "B"); err != nil {
		t.Fatal(err)
	}
	checkReadiness(t, e, "B acquires db")
	if got := status(t, e, "C"); got != StatusBlocked {
		t.Errorf("expected C blocked while B holds db, got %s", got)
	}

	if err := e.MarkTaskRunning("B"); err != nil {
		t.Fatal(err)
	}
	ready, err = e.MarkTaskCompleted("B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ready, []string{"D"}) {
		t.Errorf("completing B: expected [D], got %v", ready)
	}
	checkReadiness(t, e, "B completed")
	if got := status(t, e, "C"); got != StatusReady {
		t.Errorf("expected C ready once db is free, got %s", got)
	}
}

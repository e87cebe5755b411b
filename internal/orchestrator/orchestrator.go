// Package orchestrator drives an engine to completion by dispatching ready
// tasks to an Executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/state"
	"github.com/joshharrison/weft/internal/ui"
)

// ErrCriticalFailure is returned by Run when a critical-path task fails and
// StopOnCriticalFailure is set.
var ErrCriticalFailure = errors.New("critical task failed")

// Orchestrator dispatches an engine's ready tasks to an Executor. The engine
// stays the source of truth: the orchestrator acquires resources, reports
// transitions and reads readiness back after every completion.
type Orchestrator struct {
	Engine   *graph.Engine
	Executor Executor
	State    *state.RunState
	Config   Config
	Plan     *planner.ExecutionPlan

	sessions   map[string]*Session
	mu         sync.Mutex
	out        io.Writer
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// New creates a new Orchestrator. st may be nil when no journal is kept.
func New(e *graph.Engine, exec Executor, st *state.RunState, cfg Config) *Orchestrator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.TimeoutPerTask == 0 {
		cfg.TimeoutPerTask = 30 * time.Minute
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Orchestrator{
		Engine:   e,
		Executor: exec,
		State:    st,
		Config:   cfg,
		sessions: make(map[string]*Session),
		out:      out,
		logger:   logger,
	}
}

// Run executes tasks until nothing is ready or running. Each task is
// dispatched as soon as the engine reports it ready, up to MaxParallel at a
// time. Failures are reported to the engine, whose failure policy decides
// what happens to dependents. Run returns an error only when ctx is
// cancelled or a critical task fails with StopOnCriticalFailure set.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx, o.cancelFunc = context.WithCancel(ctx)
	defer o.cancelFunc()

	plan, err := planner.Calculate(o.Engine, planner.PlanConfig{
		MaxParallel:     o.Config.MaxParallel,
		TimeoutPerTask:  o.Config.TimeoutPerTask.String(),
		CommandTemplate: o.Config.CommandTemplate,
	})
	if err != nil {
		return fmt.Errorf("calculate plan: %w", err)
	}
	o.Plan = plan

	if o.Config.StateDir != "" {
		if err := state.SavePlan(o.Config.StateDir, plan); err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
	}
	if o.State != nil {
		if err := o.State.SetPlan(plan.ID); err != nil {
			return fmt.Errorf("record plan: %w", err)
		}
		o.setRunStatus(state.StatusRunning)
	}

	done := make(chan taskResult, o.Config.MaxParallel)
	var g errgroup.Group
	g.SetLimit(o.Config.MaxParallel)

	inflight := 0
	failures := 0

	fmt.Fprintf(o.out, "\n🚀 %s (%d tasks, %d stages, max %d parallel)\n",
		ui.BoldCyan("Run started"), plan.TotalTasks, plan.TotalStages, o.Config.MaxParallel)

	for {
		inflight += o.dispatchReady(&g, done, o.Config.MaxParallel-inflight)
		if inflight == 0 {
			break
		}

		var result taskResult
		received := false
		select {
		case result = <-done:
			received = true
		case <-o.ctx.Done():
		}
		if err := o.ctx.Err(); err != nil {
			if received {
				inflight--
				if result.Err == nil {
					o.complete(result)
				} else {
					o.finishSession(result, StatusCancelled)
				}
			}
			o.drain(&g, done, inflight)
			o.setRunStatus(state.StatusCancelled)
			return fmt.Errorf("cancelled: %w", err)
		}
		inflight--

		if result.Err == nil {
			o.complete(result)
			continue
		}

		failures++
		o.fail(result)
		if result.Critical && o.Config.StopOnCriticalFailure {
			fmt.Fprintf(o.out, "  💀 %s critical task failed, cancelling run\n", ui.TaskPrefix(result.TaskID))
			o.cancelFunc()
			o.drain(&g, done, inflight)
			o.setRunStatus(state.StatusFailed)
			return fmt.Errorf("%w: %s: %v", ErrCriticalFailure, result.TaskID, result.Err)
		}
	}

	_ = g.Wait()
	if blocked := o.Engine.BlockedTasks(); len(blocked) > 0 {
		o.logger.Info("run finished with blocked tasks", "blocked", blocked)
	}
	if failures > 0 {
		o.setRunStatus(state.StatusFailed)
	} else {
		o.setRunStatus(state.StatusCompleted)
	}
	return nil
}

// dispatchReady starts up to slots ready tasks in engine order and returns
// how many were started. Readiness is re-read before each start because
// acquiring a resource can block tasks later in the list.
func (o *Orchestrator) dispatchReady(g *errgroup.Group, done chan<- taskResult, slots int) int {
	started := 0
	for _, id := range o.Engine.GetReadyTasks() {
		if started >= slots {
			break
		}
		task, ok := o.Engine.Task(id)
		if !ok || task.Status != graph.StatusReady {
			continue
		}
		if err := o.start(task); err != nil {
			o.logger.Warn("could not start task", "task", id, "error", err)
			continue
		}

		planned := o.planned(task)
		g.Go(func() error {
			done <- o.execute(planned)
			return nil
		})
		started++
	}
	return started
}

// start acquires the task's resources and marks it running.
func (o *Orchestrator) start(task *graph.Task) error {
	for _, res := range task.ResourceRequirements {
		if err := o.Engine.AcquireResource(res, task.ID); err != nil {
			return fmt.Errorf("acquire %s: %w", res, err)
		}
		o.journal(state.Entry{Kind: state.KindAcquire, TaskID: task.ID, Resource: res})
	}
	if err := o.Engine.MarkTaskRunning(task.ID); err != nil {
		for _, res := range task.ResourceRequirements {
			o.Engine.ReleaseResource(res)
			o.journal(state.Entry{Kind: state.KindRelease, TaskID: task.ID, Resource: res})
		}
		return err
	}
	o.journal(state.Entry{Kind: state.KindRunning, TaskID: task.ID})

	o.mu.Lock()
	o.sessions[task.ID] = &Session{TaskID: task.ID, Status: StatusRunning, StartedAt: time.Now()}
	o.mu.Unlock()

	fmt.Fprintf(o.out, "  ▶ %s %s\n", ui.TaskPrefix(task.ID), task.Name)
	return nil
}

// planned returns the plan entry for task, or a bare entry for tasks added
// after the plan was calculated.
func (o *Orchestrator) planned(task *graph.Task) planner.PlannedTask {
	if pt, ok := o.Plan.Tasks[task.ID]; ok {
		return *pt
	}
	cmd, _ := task.Metadata["command"].(string)
	return planner.PlannedTask{
		TaskID:    task.ID,
		Name:      task.Name,
		Priority:  task.Priority,
		Status:    string(task.Status),
		Duration:  task.Duration(),
		Resources: task.ResourceRequirements,
		Command:   cmd,
	}
}

// execute runs one task under the per-task timeout.
func (o *Orchestrator) execute(task planner.PlannedTask) taskResult {
	ctx, cancel := context.WithTimeout(o.ctx, o.Config.TimeoutPerTask)
	defer cancel()

	outputs, err := o.Executor.Execute(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return taskResult{TaskID: task.TaskID, Outputs: outputs, Err: err, Critical: task.IsCritical}
}

func (o *Orchestrator) complete(result taskResult) {
	newlyReady, err := o.Engine.MarkTaskCompleted(result.TaskID, result.Outputs)
	if err != nil {
		o.logger.Error("mark completed", "task", result.TaskID, "error", err)
	}
	o.journal(state.Entry{Kind: state.KindCompleted, TaskID: result.TaskID, Outputs: result.Outputs})
	elapsed := o.finishSession(result, StatusCompleted)

	fmt.Fprintf(o.out, "  ✅ %s %s %s\n", ui.TaskPrefix(result.TaskID), ui.Green("Completed"), ui.Dim(fmt.Sprintf("(%.1fs)", elapsed.Seconds())))
	if len(newlyReady) > 0 {
		o.logger.Debug("tasks unblocked", "by", result.TaskID, "tasks", newlyReady)
	}
}

func (o *Orchestrator) fail(result taskResult) {
	reason := result.Err.Error()
	affected, err := o.Engine.MarkTaskFailed(result.TaskID, reason)
	if err != nil {
		o.logger.Error("mark failed", "task", result.TaskID, "error", err)
	}
	o.journal(state.Entry{Kind: state.KindFailed, TaskID: result.TaskID, Reason: reason})
	elapsed := o.finishSession(result, StatusFailed)

	fmt.Fprintf(o.out, "  ❌ %s %s %s\n", ui.TaskPrefix(result.TaskID), ui.Red("Failed: "+reason), ui.Dim(fmt.Sprintf("(%.1fs)", elapsed.Seconds())))
	if o.Engine.Policy() == graph.FailureSkip {
		for _, id := range affected {
			fmt.Fprintf(o.out, "  ⊘ %s %s\n", ui.TaskPrefix(id), ui.Yellow("Skipped (dependency failed)"))
		}
	}
}

// drain waits for in-flight workers after cancellation. Their tasks stay
// running in the engine and journal, so a later replay can requeue them.
func (o *Orchestrator) drain(g *errgroup.Group, done <-chan taskResult, inflight int) {
	for ; inflight > 0; inflight-- {
		result := <-done
		o.finishSession(result, StatusCancelled)
	}
	_ = g.Wait()
}

func (o *Orchestrator) finishSession(result taskResult, status SessionStatus) time.Duration {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[result.TaskID]
	if !ok {
		s = &Session{TaskID: result.TaskID, StartedAt: now}
		o.sessions[result.TaskID] = s
	}
	s.Status = status
	s.FinishedAt = now
	s.Outputs = result.Outputs
	if result.Err != nil {
		s.Error = result.Err.Error()
	}
	return now.Sub(s.StartedAt)
}

func (o *Orchestrator) journal(entry state.Entry) {
	if o.State == nil {
		return
	}
	if err := o.State.Record(entry); err != nil {
		o.logger.Warn("journal entry not saved", "kind", entry.Kind, "task", entry.TaskID, "error", err)
	}
}

func (o *Orchestrator) setRunStatus(status string) {
	if o.State == nil {
		return
	}
	if err := o.State.SetStatus(status); err != nil {
		o.logger.Warn("run status not saved", "status", status, "error", err)
	}
}

// Cancel aborts all running tasks.
func (o *Orchestrator) Cancel() {
	if o.cancelFunc != nil {
		o.cancelFunc()
	}
}

// GetSessions returns a copy of all sessions.
func (o *Orchestrator) GetSessions() map[string]*Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := make(map[string]*Session, len(o.sessions))
	for k, v := range o.sessions {
		copy := *v
		result[k] = &copy
	}
	return result
}

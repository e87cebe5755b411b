// Package events defines the notifications the engine and planner publish
// for collaborators (dashboards, executors, bridges).
package events

import "time"

// Event names.
const (
	NameTaskAdded        = "task:added"
	NameTaskReady        = "task:ready"
	NameTaskRunning      = "task:running"
	NameTaskCompleted    = "task:completed"
	NameTaskFailed       = "task:failed"
	NameTaskSkipped      = "task:skipped"
	NameTasksUnblocked   = "tasks:unblocked"
	NameResourceAcquired = "resource:acquired"
	NameResourceReleased = "resource:released"
	NamePlanCalculated   = "plan:calculated"
	NameMetricsUpdated   = "metrics:updated"
)

// Event is implemented by every notification type.
type Event interface {
	Name() string
}

// TaskAdded is published once a task has been committed to the graph.
type TaskAdded struct {
	TaskID           string  `json:"task_id"`
	TaskName         string  `json:"name"`
	Priority         int     `json:"priority"`
	Depth            int     `json:"depth"`
	CriticalityScore float64 `json:"criticality_score"`
	Status           string  `json:"status"`
}

// TaskReady is published when a task transitions into the ready state.
type TaskReady struct {
	TaskID           string  `json:"task_id"`
	Priority         int     `json:"priority"`
	CriticalityScore float64 `json:"criticality_score"`
}

// TaskRunning is published when a caller reports a task as started.
type TaskRunning struct {
	TaskID string `json:"task_id"`
}

// TaskCompleted is published after a completion has been fully propagated.
type TaskCompleted struct {
	TaskID      string         `json:"task_id"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
	NewlyReady  []string       `json:"newly_ready,omitempty"`
}

// TaskFailed is published when a caller reports a task as failed.
type TaskFailed struct {
	TaskID  string   `json:"task_id"`
	Reason  string   `json:"reason,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// TaskSkipped is published for explicit skips and for cascade skips.
type TaskSkipped struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// TasksUnblocked lists dependents that became ready because of TriggeredBy.
type TasksUnblocked struct {
	TaskIDs     []string `json:"task_ids"`
	TriggeredBy string   `json:"triggered_by"`
}

// ResourceAcquired is published when a caller records a resource holder.
type ResourceAcquired struct {
	Resource       string `json:"resource"`
	TaskID         string `json:"task_id"`
	PreviousHolder string `json:"previous_holder,omitempty"`
}

// ResourceReleased is published when a resource leaves the ledger.
type ResourceReleased struct {
	Resource string `json:"resource"`
	TaskID   string `json:"task_id"`
}

// PlanCalculated summarises a freshly computed execution plan.
type PlanCalculated struct {
	PlanID            string   `json:"plan_id"`
	Stages            int      `json:"stages"`
	CriticalPath      []string `json:"critical_path"`
	EstimatedDuration float64  `json:"estimated_duration"`
	ResourceConflicts int      `json:"resource_conflicts"`
	Opportunities     int      `json:"parallelization_opportunities"`
}

// MetricsUpdated carries status counts after every engine mutation.
type MetricsUpdated struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Blocked   int `json:"blocked"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (TaskAdded) Name() string        { return NameTaskAdded }
func (TaskReady) Name() string        { return NameTaskReady }
func (TaskRunning) Name() string      { return NameTaskRunning }
func (TaskCompleted) Name() string    { return NameTaskCompleted }
func (TaskFailed) Name() string       { return NameTaskFailed }
func (TaskSkipped) Name() string      { return NameTaskSkipped }
func (TasksUnblocked) Name() string   { return NameTasksUnblocked }
func (ResourceAcquired) Name() string { return NameResourceAcquired }
func (ResourceReleased) Name() string { return NameResourceReleased }
func (PlanCalculated) Name() string   { return NamePlanCalculated }
func (MetricsUpdated) Name() string   { return NameMetricsUpdated }

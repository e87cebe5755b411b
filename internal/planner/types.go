package planner

import (
	"time"

	"github.com/joshharrison/weft/internal/cpm"
)

// TaskDeps holds per-task hard predecessor and successor lists.
type TaskDeps struct {
	Predecessors map[string][]string `json:"predecessors"`
	Successors   map[string][]string `json:"successors"`
}

// ExecutionPlan is the complete plan for executing tasks.
type ExecutionPlan struct {
	ID                           string                  `json:"id"`
	CreatedAt                    time.Time               `json:"created_at"`
	TotalTasks                   int                     `json:"total_tasks"`
	TotalStages                  int                     `json:"total_stages"`
	EstimatedDuration            float64                 `json:"estimated_duration"`
	CriticalPath                 []string                `json:"critical_path"`
	Stages                       []ExecutionStage        `json:"stages"`
	ParallelizationOpportunities []cpm.ParallelGroup     `json:"parallelization_opportunities"`
	ResourceConflicts            []cpm.ResourceConflict  `json:"resource_conflicts"`
	TopoOrder                    []string                `json:"topo_order"`
	Tasks                        map[string]*PlannedTask `json:"tasks"`
	Deps                         TaskDeps                `json:"deps"`
	Config                       PlanConfig              `json:"config"`
}

// ExecutionStage is a group of tasks that may execute in parallel.
type ExecutionStage struct {
	Index      int           `json:"index"`
	Tasks      []PlannedTask `json:"tasks"`
	DependsOn  []int         `json:"depends_on"`
	IsCritical bool          `json:"is_critical"`
}

// PlannedTask is a single scheduled task.
type PlannedTask struct {
	TaskID     string   `json:"task_id"`
	Name       string   `json:"name"`
	Priority   int      `json:"priority"`
	Status     string   `json:"status"`
	Duration   float64  `json:"duration"`
	EarliestAt float64  `json:"earliest_start"`
	Slack      float64  `json:"slack"`
	IsCritical bool     `json:"is_critical"`
	StageIndex int      `json:"stage_index"`
	Resources  []string `json:"resources,omitempty"`
	Command    string   `json:"command,omitempty"`
}

// PlanConfig holds configuration for plan execution.
type PlanConfig struct {
	MaxParallel     int    `json:"max_parallel"`
	TimeoutPerTask  string `json:"timeout_per_task"`
	CommandTemplate string `json:"command_template,omitempty"`
}

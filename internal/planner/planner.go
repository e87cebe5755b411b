// Package planner turns critical path analysis into an execution plan.
package planner

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/joshharrison/weft/internal/cpm"
	"github.com/joshharrison/weft/internal/events"
	"github.com/joshharrison/weft/internal/graph"
)

// Calculate snapshots e, analyzes it and assembles a plan. It publishes
// plan:calculated on the engine's bus and never mutates the engine.
func Calculate(e *graph.Engine, config PlanConfig) (*ExecutionPlan, error) {
	snap := e.Snapshot()
	result, err := cpm.Analyze(snap)
	if err != nil {
		return nil, fmt.Errorf("analyze graph: %w", err)
	}
	plan, err := Generate(snap, result, config)
	if err != nil {
		return nil, err
	}
	plan.ID = NewID()

	e.Bus().Publish(events.PlanCalculated{
		PlanID:            plan.ID,
		Stages:            plan.TotalStages,
		CriticalPath:      append([]string(nil), plan.CriticalPath...),
		EstimatedDuration: plan.EstimatedDuration,
		ResourceConflicts: len(plan.ResourceConflicts),
		Opportunities:     len(plan.ParallelizationOpportunities),
	})
	return plan, nil
}

// NewID returns a short random plan identifier.
func NewID() string {
	return "weft-" + uuid.NewString()[:8]
}

// Generate creates an ExecutionPlan from CPM analysis results. The plan is a
// pure function of its inputs; ID is left empty for the caller to assign.
func Generate(snap *graph.Snapshot, result *cpm.Result, config PlanConfig) (*ExecutionPlan, error) {
	if config.MaxParallel == 0 {
		config.MaxParallel = 4
	}
	if config.TimeoutPerTask == "" {
		config.TimeoutPerTask = "30m"
	}

	plan := &ExecutionPlan{
		CreatedAt:                    snap.TakenAt,
		TotalTasks:                   len(snap.Order),
		TotalStages:                  len(result.Stages),
		EstimatedDuration:            result.TotalDuration,
		CriticalPath:                 result.CriticalPath,
		ParallelizationOpportunities: result.Parallel,
		ResourceConflicts:            result.Conflicts,
		TopoOrder:                    result.TopoOrder,
		Tasks:                        make(map[string]*PlannedTask, len(snap.Order)),
		Deps: TaskDeps{
			Predecessors: make(map[string][]string, len(snap.Order)),
			Successors:   make(map[string][]string, len(snap.Order)),
		},
		Config: config,
	}

	for i, ids := range result.Stages {
		stage := ExecutionStage{Index: i}
		dependsOn := make(map[int]bool)

		for _, id := range ids {
			task := snap.Tasks[id]
			schedule := result.Tasks[id]

			cmd, err := RenderCommand(commandTemplate(task.Metadata, config.CommandTemplate), CommandData{
				TaskID:     id,
				Name:       task.Name,
				Stage:      i,
				StageSize:  len(ids),
				IsCritical: schedule.IsCritical,
				Metadata:   task.Metadata,
			})
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", id, err)
			}

			pt := PlannedTask{
				TaskID:     id,
				Name:       task.Name,
				Priority:   task.Priority,
				Status:     string(task.Status),
				Duration:   schedule.Duration,
				EarliestAt: schedule.ES,
				Slack:      schedule.Slack,
				IsCritical: schedule.IsCritical,
				StageIndex: i,
				Resources:  task.ResourceRequirements,
				Command:    cmd,
			}
			stage.Tasks = append(stage.Tasks, pt)
			if pt.IsCritical {
				stage.IsCritical = true
			}

			preds := snap.HardDeps(id)
			plan.Deps.Predecessors[id] = preds
			plan.Deps.Successors[id] = snap.HardDependents(id)
			for _, p := range preds {
				dependsOn[result.Tasks[p].Stage] = true
			}
		}

		for s := range dependsOn {
			stage.DependsOn = append(stage.DependsOn, s)
		}
		sort.Ints(stage.DependsOn)
		plan.Stages = append(plan.Stages, stage)
	}

	for i := range plan.Stages {
		for j := range plan.Stages[i].Tasks {
			pt := &plan.Stages[i].Tasks[j]
			plan.Tasks[pt.TaskID] = pt
		}
	}

	return plan, nil
}

// StageIDs returns the task ids of each stage.
func (p *ExecutionPlan) StageIDs() [][]string {
	out := make([][]string, len(p.Stages))
	for i, s := range p.Stages {
		for _, t := range s.Tasks {
			out[i] = append(out[i], t.TaskID)
		}
	}
	return out
}

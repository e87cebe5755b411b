package graph

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further status recomputation happens.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// DependencyType classifies an edge. Only DepHard gates readiness.
type DependencyType string

const (
	DepHard      DependencyType = "hard"
	DepSoft      DependencyType = "soft"
	DepResource  DependencyType = "resource"
	DepKnowledge DependencyType = "knowledge"
	DepTemporal  DependencyType = "temporal"
)

// ParseDependencyType accepts the type names case-insensitively.
// An empty string is treated as DepHard.
func ParseDependencyType(s string) (DependencyType, error) {
	switch DependencyType(strings.ToLower(strings.TrimSpace(s))) {
	case "", DepHard:
		return DepHard, nil
	case DepSoft:
		return DepSoft, nil
	case DepResource:
		return DepResource, nil
	case DepKnowledge:
		return DepKnowledge, nil
	case DepTemporal:
		return DepTemporal, nil
	}
	return "", fmt.Errorf("unknown dependency type %q", s)
}

// knowledgeWeight is the weight of synthesized produces/requires edges.
const knowledgeWeight = 0.8

// Dependency is a directed edge from the owning task to ID.
type Dependency struct {
	ID        string         `json:"id"`
	Type      DependencyType `json:"type"`
	Weight    float64        `json:"weight"`
	Condition string         `json:"condition,omitempty"`
}

// DepSpec is a dependency declaration as supplied by callers. A spec with
// only ID set is a hard dependency with weight 1.0.
type DepSpec struct {
	ID        string
	Type      DependencyType
	Weight    float64
	Condition string
}

// On returns hard dependency specs for the given task ids.
func On(ids ...string) []DepSpec {
	specs := make([]DepSpec, len(ids))
	for i, id := range ids {
		specs[i] = DepSpec{ID: id}
	}
	return specs
}

func (d DepSpec) normalize() Dependency {
	dep := Dependency{ID: d.ID, Type: d.Type, Weight: d.Weight, Condition: d.Condition}
	if dep.Type == "" {
		dep.Type = DepHard
	}
	if dep.Weight == 0 {
		dep.Weight = 1.0
	}
	return dep
}

// TaskOptions holds everything AddTask accepts besides the id.
type TaskOptions struct {
	Name                 string
	Priority             int
	EstimatedDuration    float64 // 0 means unset
	Dependencies         []DepSpec
	Produces             []string
	Requires             []string
	ResourceRequirements []string
	Metadata             map[string]any
}

// Task is a unit of work tracked by the engine.
type Task struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Priority             int            `json:"priority"`
	EstimatedDuration    float64        `json:"estimated_duration,omitempty"`
	Status               Status         `json:"status"`
	Depth                int            `json:"depth"`
	CriticalityScore     float64        `json:"criticality_score"`
	Dependencies         []Dependency   `json:"dependencies,omitempty"`
	ResourceRequirements []string       `json:"resource_requirements,omitempty"`
	Produces             []string       `json:"produces,omitempty"`
	Requires             []string       `json:"requires,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	Outputs              map[string]any `json:"outputs,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	CompletedAt          time.Time      `json:"completed_at,omitempty"`
}

// HardDependencies returns the ids of the task's hard dependencies.
func (t *Task) HardDependencies() []string {
	var ids []string
	for _, d := range t.Dependencies {
		if d.Type == DepHard {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Duration returns the estimated duration, defaulting to 1 when unset.
func (t *Task) Duration() float64 {
	if t.EstimatedDuration > 0 {
		return t.EstimatedDuration
	}
	return 1
}

func (t *Task) hasDependency(id string) bool {
	for _, d := range t.Dependencies {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (t *Task) clone() *Task {
	c := *t
	c.Dependencies = append([]Dependency(nil), t.Dependencies...)
	c.ResourceRequirements = append([]string(nil), t.ResourceRequirements...)
	c.Produces = append([]string(nil), t.Produces...)
	c.Requires = append([]string(nil), t.Requires...)
	c.Metadata = cloneMap(t.Metadata)
	c.Outputs = cloneMap(t.Outputs)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// KnowledgeEntry records who produces and who consumes a data tag.
type KnowledgeEntry struct {
	Producer  string   `json:"producer,omitempty"`
	Consumers []string `json:"consumers,omitempty"`
}

// FailurePolicy decides how dependents react to a hard dependency that ends
// failed or skipped instead of completed.
type FailurePolicy string

const (
	// FailureBlock leaves dependents blocked indefinitely.
	FailureBlock FailurePolicy = "block"
	// FailureSkip transitively marks hard dependents as skipped.
	FailureSkip FailurePolicy = "skip"
)

// ParseFailurePolicy parses "block" or "skip". Empty means FailureBlock.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(s)) {
	case "", FailureBlock:
		return FailureBlock, nil
	case FailureSkip:
		return FailureSkip, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (use block or skip)", s)
}

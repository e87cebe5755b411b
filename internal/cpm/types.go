package cpm

// Result holds the complete critical path analysis of a graph snapshot.
type Result struct {
	Tasks         map[string]*TaskSchedule
	CriticalPath  []string // ordered task IDs on critical path
	TotalDuration float64
	Stages        [][]string // parallelizable groups by hard-dependency depth
	TopoOrder     []string
	Parallel      []ParallelGroup
	Conflicts     []ResourceConflict
}

// TaskSchedule holds the scheduling info for a single task.
type TaskSchedule struct {
	TaskID     string
	Duration   float64
	ES, EF     float64 // earliest start/finish
	LS, LF     float64 // latest start/finish
	Slack      float64
	IsCritical bool
	Stage      int
}

// ParallelGroup is a set of tasks sharing an identical hard dependency set.
type ParallelGroup struct {
	Dependencies []string `json:"dependencies"`
	Tasks        []string `json:"tasks"`
}

// ResourceConflict is a pair of tasks that could run in parallel but need
// the same resource.
type ResourceConflict struct {
	Resource string    `json:"resource"`
	Tasks    [2]string `json:"tasks"`
}

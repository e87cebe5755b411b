// Package reporter derives status diagnostics and recommendations from a
// live engine and renders them for terminals or machines.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/joshharrison/weft/internal/cpm"
	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/ui"
)

// StatusReport is a point-in-time diagnosis of the graph.
type StatusReport struct {
	Summary             graph.Counts        `json:"summary"`
	CriticalPath        []string            `json:"critical_path"`
	BlockedTasks        []BlockedTask       `json:"blocked_tasks"`
	ResourceUtilization ResourceUtilization `json:"resource_utilization"`
	Metrics             Metrics             `json:"metrics"`
	Recommendations     []Recommendation    `json:"recommendations"`
	Warnings            []Warning           `json:"warnings,omitempty"`
}

// Warning is a non-fatal validation finding. The graph stays usable.
type Warning struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// Warning types.
const (
	WarnMissingDependency = "missing_dependency"
	WarnUnproducedTag     = "unproduced_requirement"
	WarnMultipleProducers = "multiple_producers"
)

// BlockedTask explains why a task is not ready.
type BlockedTask struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	BlockingDependencies []string          `json:"blocking_dependencies,omitempty"`
	BlockingResources    map[string]string `json:"blocking_resources,omitempty"` // resource -> holder
}

// ResourceUtilization is a snapshot of the resource ledger.
type ResourceUtilization struct {
	Held      map[string]string      `json:"held"`   // resource -> holder
	Demand    map[string]int         `json:"demand"` // resource -> unfinished tasks requiring it
	Conflicts []cpm.ResourceConflict `json:"conflicts,omitempty"`
}

// Metrics are aggregate graph measurements.
type Metrics struct {
	AverageDepth      float64 `json:"average_depth"`
	MaxDepth          int     `json:"max_depth"`
	CompletionRate    float64 `json:"completion_rate"`
	TotalDuration     float64 `json:"total_duration"`
	RemainingDuration float64 `json:"remaining_duration"` // unfinished work on the critical path
}

// Recommendation is an advisory message.
type Recommendation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Recommendation types and severities.
const (
	RecBottleneck         = "bottleneck"
	RecResourceContention = "resource_contention"
	RecUnderutilization   = "underutilization"

	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Report builds a StatusReport from the engine's current state.
func Report(e *graph.Engine) (*StatusReport, error) {
	snap := e.Snapshot()
	result, err := cpm.Analyze(snap)
	if err != nil {
		return nil, fmt.Errorf("analyze graph: %w", err)
	}
	return build(snap, result), nil
}

func build(snap *graph.Snapshot, result *cpm.Result) *StatusReport {
	r := &StatusReport{
		Summary:      snap.Counts(),
		CriticalPath: result.CriticalPath,
		ResourceUtilization: ResourceUtilization{
			Held:      snap.Holders,
			Demand:    make(map[string]int),
			Conflicts: result.Conflicts,
		},
	}

	depthSum := 0
	for _, t := range snap.Ordered() {
		depthSum += t.Depth
		if t.Depth > r.Metrics.MaxDepth {
			r.Metrics.MaxDepth = t.Depth
		}
		if !t.Status.IsTerminal() {
			for _, res := range t.ResourceRequirements {
				r.ResourceUtilization.Demand[res]++
			}
		}
		if t.Status == graph.StatusBlocked {
			r.BlockedTasks = append(r.BlockedTasks, explain(snap, t))
		}
	}

	if n := len(snap.Order); n > 0 {
		r.Metrics.AverageDepth = float64(depthSum) / float64(n)
		r.Metrics.CompletionRate = float64(r.Summary.Completed) / float64(n)
	}
	r.Metrics.TotalDuration = result.TotalDuration
	for _, id := range result.CriticalPath {
		if snap.Tasks[id].Status != graph.StatusCompleted {
			r.Metrics.RemainingDuration += result.Tasks[id].Duration
		}
	}

	r.Recommendations = recommend(r.Summary, len(result.Conflicts))
	r.Warnings = validate(snap)
	return r
}

// validate reports declarations that cannot be satisfied as written.
func validate(snap *graph.Snapshot) []Warning {
	var warns []Warning
	producers := make(map[string][]string)
	for _, t := range snap.Ordered() {
		for _, tag := range t.Produces {
			producers[tag] = append(producers[tag], t.ID)
		}
	}

	for _, t := range snap.Ordered() {
		for _, dep := range t.Dependencies {
			if _, ok := snap.Tasks[dep.ID]; !ok {
				warns = append(warns, Warning{
					Type:    WarnMissingDependency,
					TaskID:  t.ID,
					Message: fmt.Sprintf("%s depends on unknown task %s (%s)", t.ID, dep.ID, dep.Type),
				})
			}
		}
		for _, tag := range t.Requires {
			if len(producers[tag]) == 0 {
				warns = append(warns, Warning{
					Type:    WarnUnproducedTag,
					TaskID:  t.ID,
					Message: fmt.Sprintf("%s requires %q but no task produces it", t.ID, tag),
				})
			}
		}
	}

	tags := make([]string, 0, len(producers))
	for tag, ids := range producers {
		if len(ids) > 1 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	for _, tag := range tags {
		warns = append(warns, Warning{
			Type:    WarnMultipleProducers,
			Message: fmt.Sprintf("%q is produced by %s; the last one wins", tag, strings.Join(producers[tag], ", ")),
		})
	}
	return warns
}

func explain(snap *graph.Snapshot, t *graph.Task) BlockedTask {
	bt := BlockedTask{ID: t.ID, Name: t.Name}
	for _, id := range t.HardDependencies() {
		if dep, ok := snap.Tasks[id]; !ok || dep.Status != graph.StatusCompleted {
			bt.BlockingDependencies = append(bt.BlockingDependencies, id)
		}
	}
	for _, res := range t.ResourceRequirements {
		if holder, ok := snap.Holders[res]; ok && holder != t.ID {
			if bt.BlockingResources == nil {
				bt.BlockingResources = make(map[string]string)
			}
			bt.BlockingResources[res] = holder
		}
	}
	return bt
}

func recommend(c graph.Counts, conflicts int) []Recommendation {
	var recs []Recommendation
	if c.Blocked > 2*c.Running {
		recs = append(recs, Recommendation{
			Type:     RecBottleneck,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%d tasks blocked with only %d running; look for a bottleneck dependency", c.Blocked, c.Running),
		})
	}
	if conflicts > 0 {
		recs = append(recs, Recommendation{
			Type:     RecResourceContention,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("%d task pairs could run in parallel but share a resource", conflicts),
		})
	}
	if c.Ready >= 4 && c.Running < 2 {
		recs = append(recs, Recommendation{
			Type:     RecUnderutilization,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("%d tasks ready but only %d running; increase parallelism", c.Ready, c.Running),
		})
	}
	return recs
}

// Reporter renders a report alongside the stage layout it was derived from.
type Reporter struct {
	Report   *StatusReport
	Snapshot *graph.Snapshot
	Analysis *cpm.Result
}

// New creates a Reporter for the engine's current state.
func New(e *graph.Engine) (*Reporter, error) {
	snap := e.Snapshot()
	result, err := cpm.Analyze(snap)
	if err != nil {
		return nil, fmt.Errorf("analyze graph: %w", err)
	}
	return &Reporter{Report: build(snap, result), Snapshot: snap, Analysis: result}, nil
}

// PrintStatus writes a terminal-friendly status table.
func (r *Reporter) PrintStatus(w io.Writer) {
	s := r.Report.Summary
	fmt.Fprintf(w, "%s  %s %d/%d tasks complete",
		ui.BoldCyan("weft"),
		ui.Bold("Progress"),
		s.Completed, s.Total)
	if s.Failed > 0 {
		fmt.Fprintf(w, " %s", ui.Red(fmt.Sprintf("(%d failed)", s.Failed)))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(w, " %s", ui.Yellow(fmt.Sprintf("(%d skipped)", s.Skipped)))
	}
	fmt.Fprintf(w, " %s\n\n", ui.Dim(fmt.Sprintf("[%d ready, %d running, %d blocked]", s.Ready, s.Running, s.Blocked)))

	for i, ids := range r.Analysis.Stages {
		fmt.Fprintf(w, "  %s %d (%s)\n", ui.BoldWhite("STAGE"), i+1, ui.StageStatus(r.stageStatus(ids)))
		for _, id := range ids {
			r.printTask(w, id)
		}
		fmt.Fprintln(w)
	}

	if len(r.Report.CriticalPath) > 0 {
		fmt.Fprintf(w, "%s %s %s\n", ui.Bold("Critical:"),
			ui.BoldYellow("⚡ "+strings.Join(r.Report.CriticalPath, " → ")),
			ui.Dim(fmt.Sprintf("(%g remaining of %g)", r.Report.Metrics.RemainingDuration, r.Report.Metrics.TotalDuration)))
	}

	if len(r.Report.BlockedTasks) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.Bold("Blocked:"))
		for _, bt := range r.Report.BlockedTasks {
			var why []string
			if len(bt.BlockingDependencies) > 0 {
				why = append(why, "waiting on "+strings.Join(bt.BlockingDependencies, ", "))
			}
			for _, res := range sortedKeys(bt.BlockingResources) {
				why = append(why, fmt.Sprintf("%s held by %s", res, bt.BlockingResources[res]))
			}
			fmt.Fprintf(w, "  %s %s  %s\n", ui.StatusIcon("blocked"), ui.BoldMagenta(bt.ID), ui.Dim(strings.Join(why, "; ")))
		}
	}

	if len(r.Report.Recommendations) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.Bold("Recommendations:"))
		for _, rec := range r.Report.Recommendations {
			fmt.Fprintf(w, "  [%s] %s\n", ui.Severity(rec.Severity), rec.Message)
		}
	}

	if len(r.Report.Warnings) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.Bold("Warnings:"))
		for _, warn := range r.Report.Warnings {
			fmt.Fprintf(w, "  %s %s\n", ui.Yellow("!"), warn.Message)
		}
	}
}

func (r *Reporter) stageStatus(ids []string) string {
	allDone := true
	anyRunning := false
	anyReady := false
	for _, id := range ids {
		switch r.Snapshot.Tasks[id].Status {
		case graph.StatusCompleted, graph.StatusFailed, graph.StatusSkipped:
		case graph.StatusRunning:
			anyRunning = true
			allDone = false
		case graph.StatusReady:
			anyReady = true
			allDone = false
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		return "done"
	case anyRunning:
		return "running"
	case anyReady:
		return "ready"
	}
	return "blocked"
}

func (r *Reporter) printTask(w io.Writer, id string) {
	t := r.Snapshot.Tasks[id]

	critical := " "
	if r.Analysis.Tasks[id].IsCritical {
		critical = ui.BoldYellow("⚡")
	}

	name := t.Name
	if len(name) > 40 {
		name = name[:37] + "..."
	}

	note := ""
	switch t.Status {
	case graph.StatusFailed:
		note = ui.Red("[" + t.Reason + "]")
	case graph.StatusSkipped:
		note = ui.Yellow("[skipped]")
	case graph.StatusRunning:
		note = ui.Cyan("[running]")
	}

	fmt.Fprintf(w, "    %s %-12s %-40s %s  %s\n", ui.StatusIcon(string(t.Status)), ui.BoldMagenta(id), name, critical, note)
}

// PrintSummary writes an end-of-run summary and returns it as plain text.
func (r *Reporter) PrintSummary(w io.Writer) string {
	var b strings.Builder
	mw := io.MultiWriter(w, &b)
	s := r.Report.Summary

	statusText := ui.BoldGreen("completed")
	switch {
	case s.Failed > 0:
		statusText = ui.BoldRed("failed")
	case s.Completed+s.Skipped < s.Total:
		statusText = ui.Yellow("incomplete")
	}

	fmt.Fprintf(mw, "\n%s\n", ui.BoldCyan("weft run summary"))
	fmt.Fprintf(mw, "%s\n", ui.Cyan("════════════════"))
	fmt.Fprintf(mw, "Status:    %s\n", statusText)
	fmt.Fprintf(mw, "Stages:    %d\n", len(r.Analysis.Stages))
	fmt.Fprintf(mw, "Tasks:     %s, %s, %s, %d total\n",
		ui.Green(fmt.Sprintf("%d completed", s.Completed)),
		ui.Red(fmt.Sprintf("%d failed", s.Failed)),
		ui.Yellow(fmt.Sprintf("%d skipped", s.Skipped)),
		s.Total)
	if len(r.Report.CriticalPath) > 0 {
		fmt.Fprintf(mw, "Critical:  %s\n", ui.BoldYellow("⚡ "+strings.Join(r.Report.CriticalPath, " → ")))
	}

	if s.Failed > 0 {
		fmt.Fprintf(mw, "\n%s\n", ui.BoldRed("Failed tasks:"))
		for _, t := range r.Snapshot.Ordered() {
			if t.Status == graph.StatusFailed {
				fmt.Fprintf(mw, "  %s %s  %s\n", ui.Red("✗"), ui.BoldMagenta(t.ID), ui.Dim(t.Reason))
			}
		}
	}
	return b.String()
}

// JSON returns the machine-readable report.
func (r *Reporter) JSON() ([]byte, error) {
	return json.MarshalIndent(r.Report, "", "  ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

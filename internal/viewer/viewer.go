// Package viewer exports the graph for external rendering tools, either as
// JSON over HTTP or as DOT and ASCII text.
package viewer

import (
	"fmt"
	"time"

	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/reporter"
)

// Node is one task as drawn by a renderer.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Stage       int      `json:"stage"`
	Depth       int      `json:"depth"`
	Criticality float64  `json:"criticality"`
	IsCritical  bool     `json:"is_critical"`
	Resources   []string `json:"resources,omitempty"`
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// Visualization is the full render model of a graph.
type Visualization struct {
	Nodes        []Node           `json:"nodes"`
	Edges        []Edge           `json:"edges"`
	Stages       [][]string       `json:"stages"`
	CriticalPath []string         `json:"critical_path"`
	Metrics      reporter.Metrics `json:"metrics"`
	Summary      graph.Counts     `json:"summary"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// Generate builds a Visualization of the engine's current state.
func Generate(e *graph.Engine) (*Visualization, error) {
	r, err := reporter.New(e)
	if err != nil {
		return nil, fmt.Errorf("generate visualization: %w", err)
	}
	return fromReporter(r), nil
}

// fromReporter converts an analysed snapshot into the render model. Nodes
// follow insertion order; edges to tasks that do not exist yet are left out.
func fromReporter(r *reporter.Reporter) *Visualization {
	snap := r.Snapshot
	v := &Visualization{
		Nodes:        make([]Node, 0, len(snap.Order)),
		Edges:        []Edge{},
		Stages:       r.Analysis.Stages,
		CriticalPath: r.Report.CriticalPath,
		Metrics:      r.Report.Metrics,
		Summary:      r.Report.Summary,
		GeneratedAt:  snap.TakenAt,
	}

	for _, t := range snap.Ordered() {
		sched := r.Analysis.Tasks[t.ID]
		v.Nodes = append(v.Nodes, Node{
			ID:          t.ID,
			Name:        t.Name,
			Status:      string(t.Status),
			Stage:       sched.Stage,
			Depth:       t.Depth,
			Criticality: t.CriticalityScore,
			IsCritical:  sched.IsCritical,
			Resources:   t.ResourceRequirements,
		})
		for _, d := range t.Dependencies {
			if _, ok := snap.Tasks[d.ID]; !ok {
				continue
			}
			v.Edges = append(v.Edges, Edge{From: d.ID, To: t.ID, Type: string(d.Type), Weight: d.Weight})
		}
	}
	return v
}

// Node returns the node with the given id.
func (v *Visualization) Node(id string) (Node, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

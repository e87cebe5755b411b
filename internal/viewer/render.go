package viewer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joshharrison/weft/internal/ui"
)

var dotFill = map[string]string{
	"pending":   "white",
	"blocked":   "lightyellow",
	"ready":     "palegreen",
	"running":   "lightblue",
	"completed": "darkseagreen",
	"failed":    "lightcoral",
	"skipped":   "lightgrey",
}

// DOT renders v as a Graphviz digraph. Nodes are clustered by stage,
// critical tasks get a bold red outline and non-hard edges are dashed.
func DOT(v *Visualization) string {
	var b strings.Builder
	b.WriteString("digraph weft {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=\"rounded,filled\", fontname=\"Helvetica\"];\n")

	for i, stage := range v.Stages {
		fmt.Fprintf(&b, "  subgraph cluster_stage_%d {\n", i)
		fmt.Fprintf(&b, "    label=%s;\n    style=dashed;\n", strconv.Quote(fmt.Sprintf("Stage %d", i+1)))
		for _, id := range stage {
			n, _ := v.Node(id)
			attrs := []string{
				"label=" + strconv.Quote(n.Name),
				"fillcolor=" + fillFor(n.Status),
			}
			if n.IsCritical {
				attrs = append(attrs, "color=red", "penwidth=2")
			}
			fmt.Fprintf(&b, "    %s [%s];\n", strconv.Quote(id), strings.Join(attrs, ", "))
		}
		b.WriteString("  }\n")
	}

	for _, e := range v.Edges {
		attrs := []string{}
		if e.Type != "hard" {
			attrs = append(attrs, "style=dashed", "label="+strconv.Quote(e.Type))
		}
		if len(attrs) == 0 {
			fmt.Fprintf(&b, "  %s -> %s;\n", strconv.Quote(e.From), strconv.Quote(e.To))
			continue
		}
		fmt.Fprintf(&b, "  %s -> %s [%s];\n", strconv.Quote(e.From), strconv.Quote(e.To), strings.Join(attrs, ", "))
	}
	b.WriteString("}\n")
	return b.String()
}

func fillFor(status string) string {
	if c, ok := dotFill[status]; ok {
		return c
	}
	return "white"
}

// ASCII renders v as a stage-by-stage tree for terminals.
func ASCII(v *Visualization) string {
	incoming := make(map[string][]string)
	for _, e := range v.Edges {
		label := e.From
		if e.Type != "hard" {
			label += " (" + e.Type + ")"
		}
		incoming[e.To] = append(incoming[e.To], label)
	}

	var b strings.Builder
	for i, stage := range v.Stages {
		fmt.Fprintf(&b, "%s %d\n", ui.BoldWhite("STAGE"), i+1)
		for j, id := range stage {
			n, _ := v.Node(id)
			branch, pad := "├──", "│  "
			if j == len(stage)-1 {
				branch, pad = "└──", "   "
			}
			critical := ""
			if n.IsCritical {
				critical = " " + ui.BoldYellow("⚡")
			}
			fmt.Fprintf(&b, "%s %s %s %s%s\n", branch, ui.StatusIcon(n.Status), ui.BoldMagenta(id), ui.Dim(n.Name), critical)
			if deps := incoming[id]; len(deps) > 0 {
				fmt.Fprintf(&b, "%s   %s %s\n", pad, ui.Dim("after"), strings.Join(deps, ", "))
			}
		}
	}
	if len(v.CriticalPath) > 0 {
		fmt.Fprintf(&b, "\n%s %s\n", ui.Bold("Critical path:"), strings.Join(v.CriticalPath, " → "))
	}
	return b.String()
}

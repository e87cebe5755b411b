package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/reporter"
	"github.com/joshharrison/weft/internal/state"
	"github.com/joshharrison/weft/internal/taskfile"
	"github.com/joshharrison/weft/internal/ui"
	"github.com/joshharrison/weft/internal/viewer"
)

func planCmd() *cobra.Command {
	var flagOutput string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Analyze the task graph and compute an execution plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{})
			if err != nil {
				return err
			}
			defer ws.close()

			plan, err := planner.Calculate(ws.engine, ws.planConfig())
			if err != nil {
				return err
			}
			if err := state.SavePlan(ws.cfg.StateDir, plan); err != nil {
				return err
			}

			if flagOutput != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				return os.WriteFile(flagOutput, data, 0644)
			}
			if flagJSON {
				return outputJSON(plan)
			}

			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagOutput, "output", "", "Save plan to file")
	return cmd
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List tasks that can start now, most critical first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{})
			if err != nil {
				return err
			}
			defer ws.close()

			ids := ws.engine.GetReadyTasks()
			if flagJSON {
				if ids == nil {
					ids = []string{}
				}
				return outputJSON(ids)
			}
			if len(ids) == 0 {
				fmt.Println(ui.Dim("No tasks are ready."))
				return nil
			}
			for _, id := range ids {
				t, _ := ws.engine.Task(id)
				fmt.Printf("%s %-16s %s %s\n", ui.StatusIcon("ready"), ui.BoldMagenta(id), t.Name,
					ui.Dim(fmt.Sprintf("(criticality %.1f)", t.CriticalityScore)))
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var flagWatch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress, blocked tasks and recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			show := func() error {
				ws, err := loadWorkspace(loadOptions{})
				if err != nil {
					return err
				}
				defer ws.close()

				rpt, err := reporter.New(ws.engine)
				if err != nil {
					return err
				}
				if flagJSON {
					data, err := rpt.JSON()
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}
				rpt.PrintStatus(os.Stdout)
				return nil
			}

			if !flagWatch {
				return show()
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			redraw := func() {
				fmt.Print("\033[2J\033[H") // clear screen
				if err := show(); err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", ui.Red("error:"), err)
				}
			}
			redraw()

			paths := []string{cfg.TasksFile, filepath.Join(cfg.StateDir, "state.json")}
			return taskfile.Watch(ctx, paths, taskfile.DefaultDebounce, cfg.NewLogger(os.Stderr), func(string) {
				redraw()
			})
		},
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "Redraw whenever the task file or state changes")
	return cmd
}

func vizCmd() *cobra.Command {
	var flagFormat string

	cmd := &cobra.Command{
		Use:   "viz",
		Short: "Render the task graph as ASCII, Graphviz DOT or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{})
			if err != nil {
				return err
			}
			defer ws.close()

			v, err := viewer.Generate(ws.engine)
			if err != nil {
				return err
			}

			switch flagFormat {
			case "ascii":
				fmt.Print(viewer.ASCII(v))
			case "dot":
				fmt.Print(viewer.DOT(v))
			case "json":
				return outputJSON(v)
			default:
				return fmt.Errorf("unknown format %q (want ascii, dot or json)", flagFormat)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagFormat, "format", "ascii", "Output format (ascii, dot, json)")
	return cmd
}

func viewCmd() *cobra.Command {
	var flagPort int

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Serve the live graph, plan, report and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: true})
			if err != nil {
				return err
			}
			defer ws.close()

			port := ws.cfg.Viewer.Port
			if flagPort > 0 {
				port = flagPort
			}
			if viewer.IsPortOpen(fmt.Sprintf("localhost:%d", port)) {
				return fmt.Errorf("port %d is already in use", port)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			handler := viewer.NewHandler(ws.engine, ws.planConfig(), gatherer(ws), ws.logger)
			addr, err := viewer.Start(ctx, port, handler, ws.logger)
			if err != nil {
				return err
			}
			fmt.Printf("🌐 %s %s\n", ui.BoldCyan("Viewer running at"), addr)
			fmt.Println(ui.Dim("   /graph  /plan  /report  /metrics   (Ctrl-C to stop)"))

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 0, "Port to listen on (default from config)")
	return cmd
}

func printPlan(plan *planner.ExecutionPlan) {
	widest := 0
	for _, s := range plan.Stages {
		if len(s.Tasks) > widest {
			widest = len(s.Tasks)
		}
	}

	fmt.Printf("🎯 %s %s\n", ui.BoldCyan("weft execution plan"), ui.Dim(plan.ID))
	fmt.Println(ui.Cyan("═══════════════════════════"))
	fmt.Println()
	fmt.Printf("Tasks:     %s\n", ui.Bold(plan.TotalTasks))
	if len(plan.CriticalPath) > 0 {
		fmt.Printf("⚡ Critical path: %s (%d tasks, est. %g units)\n",
			ui.BoldYellow(strings.Join(plan.CriticalPath, " → ")), len(plan.CriticalPath), plan.EstimatedDuration)
	}
	fmt.Printf("Stages:    %s\n", ui.Bold(plan.TotalStages))
	fmt.Printf("Parallel:  %s (%d tasks in widest stage)\n", ui.Bold(plan.Config.MaxParallel), widest)
	fmt.Println()

	for _, stage := range plan.Stages {
		depStr := ui.Dim("independent")
		if len(stage.DependsOn) > 0 {
			after := make([]string, len(stage.DependsOn))
			for i, s := range stage.DependsOn {
				after[i] = fmt.Sprint(s + 1)
			}
			depStr = ui.Dim("after stage " + strings.Join(after, ", "))
		}
		fmt.Printf("▸ %s %d (%d tasks, %s):\n", ui.BoldWhite("Stage"), stage.Index+1, len(stage.Tasks), depStr)
		for _, t := range stage.Tasks {
			note := ui.Dim(fmt.Sprintf("slack %g", t.Slack))
			if t.IsCritical {
				note = ui.BoldYellow("⚡ critical")
			}
			fmt.Printf("  %s %-16s %s  %s\n", ui.StatusIcon(t.Status), ui.BoldMagenta(t.TaskID), t.Name, note)
		}
		fmt.Println()
	}

	if len(plan.ParallelizationOpportunities) > 0 {
		fmt.Println(ui.Bold("Parallel groups:"))
		for _, g := range plan.ParallelizationOpportunities {
			after := "no dependencies"
			if len(g.Dependencies) > 0 {
				after = "after " + strings.Join(g.Dependencies, ", ")
			}
			fmt.Printf("  %s %s\n", strings.Join(g.Tasks, " ∥ "), ui.Dim("("+after+")"))
		}
		fmt.Println()
	}

	if len(plan.ResourceConflicts) > 0 {
		fmt.Println(ui.Bold("Resource conflicts:"))
		for _, c := range plan.ResourceConflicts {
			fmt.Printf("  %s %s ↔ %s\n", ui.Yellow(c.Resource+":"), c.Tasks[0], c.Tasks[1])
		}
	}
}

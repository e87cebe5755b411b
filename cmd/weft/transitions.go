package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/state"
	"github.com/joshharrison/weft/internal/ui"
)

func startCmd() *cobra.Command {
	var flagNoAcquire bool

	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Record that a ready task has started",
		Long: `Marks a ready task as running. The task's declared resources are
acquired first unless --no-acquire is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: true})
			if err != nil {
				return err
			}
			defer ws.close()

			id := args[0]
			t, ok := ws.engine.Task(id)
			if !ok {
				return fmt.Errorf("task %s not found", id)
			}
			if t.Status != graph.StatusReady {
				return fmt.Errorf("task %s is %s, not ready", id, t.Status)
			}

			if !flagNoAcquire {
				for _, res := range t.ResourceRequirements {
					if err := ws.engine.AcquireResource(res, id); err != nil {
						return err
					}
					if err := ws.state.Record(state.Entry{Kind: state.KindAcquire, TaskID: id, Resource: res}); err != nil {
						return err
					}
				}
			}
			if err := ws.engine.MarkTaskRunning(id); err != nil {
				return err
			}
			if err := ws.state.Record(state.Entry{Kind: state.KindRunning, TaskID: id}); err != nil {
				return err
			}

			fmt.Printf("  ▶ %s %s\n", ui.TaskPrefix(id), t.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagNoAcquire, "no-acquire", false, "Do not acquire the task's resources")
	return cmd
}

// finishCmd builds the complete, fail and skip commands.
func finishCmd(verb string) *cobra.Command {
	var (
		flagReason  string
		flagOutputs string
	)

	short := map[string]string{
		"complete": "Record that a task completed and show what it unblocked",
		"fail":     "Record that a task failed",
		"skip":     "Record that a task was skipped",
	}[verb]

	cmd := &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: true})
			if err != nil {
				return err
			}
			defer ws.close()

			id := args[0]
			entry := state.Entry{TaskID: id, Reason: flagReason}
			var affected []string

			switch verb {
			case "complete":
				outputs, err := parseOutputs(flagOutputs)
				if err != nil {
					return err
				}
				entry.Kind, entry.Outputs = state.KindCompleted, outputs
				affected, err = ws.engine.MarkTaskCompleted(id, outputs)
				if err != nil {
					return err
				}
			case "fail":
				entry.Kind = state.KindFailed
				if affected, err = ws.engine.MarkTaskFailed(id, flagReason); err != nil {
					return err
				}
			case "skip":
				entry.Kind = state.KindSkipped
				if affected, err = ws.engine.MarkTaskSkipped(id, flagReason); err != nil {
					return err
				}
			}
			if err := ws.state.Record(entry); err != nil {
				return err
			}

			if flagJSON {
				if affected == nil {
					affected = []string{}
				}
				return outputJSON(map[string]interface{}{"task": id, "status": entry.Kind, "affected": affected})
			}

			fmt.Printf("%s %s %s\n", ui.StatusIcon(string(entry.Kind)), ui.BoldMagenta(id), entry.Kind)
			if len(affected) == 0 {
				return nil
			}
			label := "Now ready:"
			if verb != "complete" && ws.engine.Policy() == graph.FailureSkip {
				label = "Skipped:"
			}
			fmt.Printf("  %s %s\n", ui.Bold(label), strings.Join(affected, ", "))
			return nil
		},
	}

	if verb == "complete" {
		cmd.Flags().StringVar(&flagOutputs, "outputs", "", `Task outputs as a JSON object, e.g. '{"artifact":"bin/app"}'`)
	} else {
		cmd.Flags().StringVar(&flagReason, "reason", "", "Why the task did not complete")
	}
	return cmd
}

func parseOutputs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("--outputs: invalid JSON")
	}
	m, ok := gjson.Parse(raw).Value().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("--outputs: expected a JSON object")
	}
	return m, nil
}

func acquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire <resource> <task-id>",
		Short: "Record a task as the holder of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: true})
			if err != nil {
				return err
			}
			defer ws.close()

			res, id := args[0], args[1]
			if previous, held := ws.engine.ResourceHolder(res); held && previous != id {
				fmt.Printf("%s %s was held by %s\n", ui.Yellow("!"), res, previous)
			}
			if err := ws.engine.AcquireResource(res, id); err != nil {
				return err
			}
			if err := ws.state.Record(state.Entry{Kind: state.KindAcquire, TaskID: id, Resource: res}); err != nil {
				return err
			}
			fmt.Printf("🔒 %s held by %s\n", ui.Bold(res), ui.BoldMagenta(id))
			return nil
		},
	}
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource>",
		Short: "Free a resource and show the tasks it unblocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: true})
			if err != nil {
				return err
			}
			defer ws.close()

			res := args[0]
			holder, held := ws.engine.ResourceHolder(res)
			if !held {
				fmt.Printf("%s %s is not held\n", ui.Dim("·"), res)
				return nil
			}
			ready := ws.engine.ReleaseResource(res)
			if err := ws.state.Record(state.Entry{Kind: state.KindRelease, TaskID: holder, Resource: res}); err != nil {
				return err
			}
			fmt.Printf("🔓 %s released by %s\n", ui.Bold(res), ui.BoldMagenta(holder))
			if len(ready) > 0 {
				fmt.Printf("  %s %s\n", ui.Bold("Now ready:"), strings.Join(ready, ", "))
			}
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the journal and saved plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !state.Exists(cfg.StateDir) {
				fmt.Println(ui.Dim("Nothing to reset."))
				return nil
			}
			if err := state.Clean(cfg.StateDir); err != nil {
				return fmt.Errorf("remove %s: %w", cfg.StateDir, err)
			}
			fmt.Printf("🧹 Removed %s\n", cfg.StateDir)
			return nil
		},
	}
}

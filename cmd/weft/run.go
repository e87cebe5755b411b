package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/joshharrison/weft/internal/orchestrator"
	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/reporter"
	"github.com/joshharrison/weft/internal/ui"
	"github.com/joshharrison/weft/internal/viewer"
)

func runCmd() *cobra.Command {
	var (
		flagQuiet    bool
		flagServe    bool
		flagTemplate string
		flagDryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute ready tasks until nothing is left to run",
		Long: `Runs each task's command through the configured shell as soon as the
task is ready, up to --max-parallel at a time. A task's declared resources
are acquired before it starts and released when it finishes. Every
transition is journaled, so an interrupted run resumes where it stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(loadOptions{observe: !flagDryRun, requeue: true})
			if err != nil {
				return err
			}
			defer ws.close()

			if flagDryRun {
				plan, err := buildPlanFor(ws, flagTemplate)
				if err != nil {
					return err
				}
				if flagJSON {
					return outputJSON(plan)
				}
				fmt.Printf("🎯 %s\n", ui.Yellow("Dry run: plan generated but not executed."))
				printPlan(plan)
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if flagServe {
				handler := viewer.NewHandler(ws.engine, ws.planConfig(), gatherer(ws), ws.logger)
				addr, err := viewer.Start(ctx, ws.cfg.Viewer.Port, handler, ws.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "🌐 %s %s\n", ui.Dim("Viewer at"), addr)
			}

			exec := &orchestrator.CommandExecutor{
				Shell:  ws.cfg.Run.Shell,
				LogDir: filepath.Join(ws.cfg.StateDir, "logs"),
				Out:    os.Stderr,
				Quiet:  flagQuiet,
			}
			orch := orchestrator.New(ws.engine, exec, ws.state, orchestrator.Config{
				MaxParallel:           ws.cfg.Run.MaxParallel,
				TimeoutPerTask:        ws.cfg.Run.TimeoutPerTask,
				StopOnCriticalFailure: ws.cfg.Run.StopOnCriticalFailure,
				CommandTemplate:       flagTemplate,
				StateDir:              ws.cfg.StateDir,
				Out:                   os.Stderr,
				Logger:                ws.logger,
			})

			if !flagJSON {
				ui.PrintLogo()
			}
			runErr := orch.Run(ctx)

			rpt, err := reporter.New(ws.engine)
			if err != nil {
				return err
			}
			if flagJSON {
				if err := outputJSON(rpt.Report); err != nil {
					return err
				}
			} else {
				rpt.PrintSummary(os.Stdout)
			}

			if runErr != nil {
				return runErr
			}
			if failed := rpt.Report.Summary.Failed; failed > 0 {
				return fmt.Errorf("%d task(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress streaming command output")
	cmd.Flags().BoolVar(&flagServe, "serve", false, "Serve the viewer while running")
	cmd.Flags().StringVar(&flagTemplate, "command-template", "", "Default command template for tasks without a command")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Show plan without executing")
	return cmd
}

// gatherer returns the workspace registry, or nil when metrics are disabled.
func gatherer(ws *workspace) prometheus.Gatherer {
	if ws.registry == nil {
		return nil
	}
	return ws.registry
}

func buildPlanFor(ws *workspace, commandTemplate string) (*planner.ExecutionPlan, error) {
	cfg := ws.planConfig()
	cfg.CommandTemplate = commandTemplate
	return planner.Calculate(ws.engine, cfg)
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/joshharrison/weft/internal/config"
	"github.com/joshharrison/weft/internal/events"
	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/metrics"
	"github.com/joshharrison/weft/internal/natsbridge"
	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/state"
	"github.com/joshharrison/weft/internal/taskfile"
)

var (
	flagConfig      string
	flagTasks       string
	flagStateDir    string
	flagPolicy      string
	flagMaxParallel int
	flagLogLevel    string
	flagJSON        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "weft",
		Short: "Plan and drive dependency-aware task execution",
		Long: `Weft reads tasks and their dependencies from a task file, tracks which
tasks are ready, blocked or finished, and computes stages, the critical path
and resource conflicts. It can run the tasks itself or record transitions
reported by another tool.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default weft.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&flagTasks, "tasks", "f", "", "Task file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "State directory")
	rootCmd.PersistentFlags().StringVar(&flagPolicy, "policy", "", "Failure policy: block or skip")
	rootCmd.PersistentFlags().IntVar(&flagMaxParallel, "max-parallel", 0, "Max concurrent tasks")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable JSON output")

	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(vizCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(finishCmd("complete"))
	rootCmd.AddCommand(finishCmd("fail"))
	rootCmd.AddCommand(finishCmd("skip"))
	rootCmd.AddCommand(acquireCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagTasks != "" {
		cfg.TasksFile = flagTasks
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagPolicy != "" {
		cfg.FailurePolicy = flagPolicy
	}
	if flagMaxParallel > 0 {
		cfg.Run.MaxParallel = flagMaxParallel
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workspace is an engine rebuilt from the task file with the journal
// replayed on top.
type workspace struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	engine   *graph.Engine
	state    *state.RunState
	registry *prometheus.Registry
	nc       *nats.Conn
}

type loadOptions struct {
	// observe attaches metrics and the NATS bridge before tasks are loaded.
	observe bool
	// requeue leaves interrupted tasks ready instead of running.
	requeue bool
}

func loadWorkspace(opts loadOptions) (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ws := &workspace{
		cfg:    cfg,
		logger: cfg.NewLogger(os.Stderr),
		bus:    events.NewBus(),
	}

	if opts.observe {
		if err := ws.attachObservers(); err != nil {
			return nil, err
		}
	}

	ws.engine = graph.New(
		graph.WithBus(ws.bus),
		graph.WithLogger(ws.logger),
		graph.WithFailurePolicy(cfg.Policy()),
	)

	decls, err := taskfile.Load(cfg.TasksFile)
	if err != nil {
		ws.close()
		return nil, err
	}
	if _, err := taskfile.Apply(ws.engine, decls); err != nil {
		ws.close()
		return nil, err
	}

	ws.state, err = state.LoadOrNew(cfg.StateDir)
	if err != nil {
		ws.close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	applied, err := ws.state.Replay(ws.engine, state.ReplayOptions{RequeueRunning: opts.requeue, Logger: ws.logger})
	if err != nil {
		ws.close()
		return nil, err
	}
	ws.logger.Debug("workspace loaded", "tasks", ws.engine.Len(), "journal_applied", applied)
	return ws, nil
}

func (ws *workspace) attachObservers() error {
	if ws.cfg.Metrics.Enabled {
		ws.registry = prometheus.NewRegistry()
		collector, err := metrics.New(ws.registry)
		if err != nil {
			return err
		}
		collector.Attach(ws.bus)
	}
	if ws.cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(ws.cfg.NATS.URL, ws.logger)
		if err != nil {
			return err
		}
		ws.nc = nc
		natsbridge.Forward(ws.bus, nc, ws.cfg.NATS.SubjectPrefix, ws.logger)
		ws.logger.Info("forwarding events to NATS", "url", ws.cfg.NATS.URL, "prefix", ws.cfg.NATS.SubjectPrefix)
	}
	return nil
}

func (ws *workspace) close() {
	if ws.nc != nil {
		if err := ws.nc.Drain(); err != nil {
			ws.logger.Warn("drain NATS connection", "error", err)
		}
	}
}

func (ws *workspace) planConfig() planner.PlanConfig {
	return planner.PlanConfig{
		MaxParallel:    ws.cfg.Run.MaxParallel,
		TimeoutPerTask: ws.cfg.Run.TimeoutPerTask.String(),
	}
}

// --- Output helpers ---

func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/ui"
)

// Executor runs one planned task and returns the outputs to record on
// completion. A non-nil error fails the task.
type Executor interface {
	Execute(ctx context.Context, task planner.PlannedTask) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task planner.PlannedTask) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task planner.PlannedTask) (map[string]any, error) {
	return f(ctx, task)
}

// CommandExecutor runs a task's rendered command through a shell. Output is
// streamed through ui.OutputFormatter; a line such as
// {"weft_outputs": {...}} becomes the task's outputs. Tasks without a
// command complete immediately.
type CommandExecutor struct {
	Shell  string // default "sh"
	Dir    string
	LogDir string // per-task log files; empty disables them
	Out    io.Writer
	Quiet  bool

	mu sync.Mutex // serializes writes to Out
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, task planner.PlannedTask) (map[string]any, error) {
	if task.Command == "" {
		return nil, nil
	}
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}

	var dest io.Writer = io.Discard
	if !c.Quiet {
		dest = c.Out
		if dest == nil {
			dest = os.Stderr
		}
	}
	formatter := ui.NewOutputFormatter(task.TaskID, dest, &c.mu)

	var sink io.Writer = formatter
	if c.LogDir != "" {
		if err := os.MkdirAll(c.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.Create(filepath.Join(c.LogDir, task.TaskID+".log"))
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		defer logFile.Close()
		sink = io.MultiWriter(logFile, formatter)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", task.Command)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"WEFT_TASK_ID="+task.TaskID,
		"WEFT_TASK_NAME="+task.Name,
		fmt.Sprintf("WEFT_STAGE=%d", task.StageIndex),
	)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	formatter.Flush()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	return formatter.Outputs(), nil
}

package orchestrator

import (
	"io"
	"log/slog"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	MaxParallel           int
	TimeoutPerTask        time.Duration
	StopOnCriticalFailure bool
	CommandTemplate       string // default command for tasks without their own
	StateDir              string // where the plan is saved; empty skips saving
	Out                   io.Writer
	Logger                *slog.Logger
}

// SessionStatus represents the status of one task execution.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// taskResult communicates task completion from worker goroutines to the main event loop.
type taskResult struct {
	TaskID   string
	Outputs  map[string]any
	Err      error
	Critical bool
}

// Session tracks one task execution.
type Session struct {
	TaskID     string
	Status     SessionStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Outputs    map[string]any
	Error      string
}

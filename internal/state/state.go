// Package state persists a journal of externally driven task transitions so
// a graph rebuilt from its task file can be restored between invocations.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/planner"
)

// DefaultDir is the state directory used when none is configured.
const DefaultDir = ".weft"

const (
	stateFile = "state.json"
	planFile  = "plan.json"
)

// Kind identifies a journaled transition.
type Kind string

const (
	KindRunning   Kind = "running"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindSkipped   Kind = "skipped"
	KindAcquire   Kind = "acquire"
	KindRelease   Kind = "release"
)

// Run statuses.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Entry is one journaled transition.
type Entry struct {
	Kind     Kind           `json:"kind"`
	TaskID   string         `json:"task_id,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	At       time.Time      `json:"at"`
}

// RunState is the persistent state of a weft workspace.
type RunState struct {
	PlanID    string    `json:"plan_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Journal   []Entry   `json:"journal"`

	mu   sync.Mutex `json:"-"`
	path string     `json:"-"`
}

// New creates a new RunState under dir and persists it.
func New(dir, planID string) (*RunState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &RunState{
		PlanID:    planID,
		StartedAt: time.Now(),
		Status:    StatusIdle,
		path:      filepath.Join(dir, stateFile),
	}

	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads existing state from dir.
func Load(dir string) (*RunState, error) {
	path := filepath.Join(dir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = path
	return &s, nil
}

// LoadOrNew loads the state in dir, creating it when absent.
func LoadOrNew(dir string) (*RunState, error) {
	if Exists(dir) {
		return Load(dir)
	}
	return New(dir, "")
}

// Exists checks if a state file exists in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stateFile))
	return err == nil
}

// Clean removes the state directory.
func Clean(dir string) error {
	return os.RemoveAll(dir)
}

// Save persists the current state to disk.
func (s *RunState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *RunState) saveLocked() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// SetStatus updates the overall run status and saves.
func (s *RunState) SetStatus(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	return s.saveLocked()
}

// SetPlan records the plan a run executes and saves.
func (s *RunState) SetPlan(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlanID = planID
	return s.saveLocked()
}

// Record appends an entry to the journal and saves.
func (s *RunState) Record(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Journal = append(s.Journal, entry)
	return s.saveLocked()
}

// Entries returns a copy of the journal.
func (s *RunState) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.Journal...)
}

// ReplayOptions tunes Replay.
type ReplayOptions struct {
	// RequeueRunning leaves tasks that were started but never finished in
	// the ready state so they can be dispatched again.
	RequeueRunning bool
	Logger         *slog.Logger
}

// Replay applies the journal to e in order and returns the number of entries
// applied. Entries for unknown tasks or impossible transitions are logged
// and skipped so a task file edited between runs still loads.
func (s *RunState) Replay(e *graph.Engine, opts ReplayOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entries := s.Entries()

	finished := make(map[string]bool)
	for _, en := range entries {
		switch en.Kind {
		case KindCompleted, KindFailed, KindSkipped:
			finished[en.TaskID] = true
		}
	}

	applied := 0
	for _, en := range entries {
		if en.Kind == KindRunning && opts.RequeueRunning && !finished[en.TaskID] {
			logger.Info("requeueing interrupted task", "task", en.TaskID)
			continue
		}
		err := apply(e, en)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, graph.ErrTaskNotFound), errors.Is(err, graph.ErrInvalidTransition):
			logger.Warn("skipping journal entry", "kind", en.Kind, "task", en.TaskID, "error", err)
		default:
			return applied, fmt.Errorf("replay %s %s: %w", en.Kind, en.TaskID, err)
		}
	}
	return applied, nil
}

func apply(e *graph.Engine, en Entry) error {
	var err error
	switch en.Kind {
	case KindRunning:
		err = e.MarkTaskRunning(en.TaskID)
	case KindCompleted:
		_, err = e.MarkTaskCompleted(en.TaskID, en.Outputs)
	case KindFailed:
		_, err = e.MarkTaskFailed(en.TaskID, en.Reason)
	case KindSkipped:
		_, err = e.MarkTaskSkipped(en.TaskID, en.Reason)
	case KindAcquire:
		err = e.AcquireResource(en.Resource, en.TaskID)
	case KindRelease:
		e.ReleaseResource(en.Resource)
	default:
		err = fmt.Errorf("unknown journal entry kind %q", en.Kind)
	}
	return err
}

// SavePlan writes the plan next to the state file.
func SavePlan(dir string, plan *planner.ExecutionPlan) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, planFile), data, 0644)
}

// LoadPlan reads the last saved plan from dir.
func LoadPlan(dir string) (*planner.ExecutionPlan, error) {
	data, err := os.ReadFile(filepath.Join(dir, planFile))
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan planner.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}

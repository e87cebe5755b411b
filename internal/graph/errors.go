package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTask        = errors.New("invalid task")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// GraphError wraps a structural failure with the offending task and, for
// cycles, the path that would have closed the loop.
type GraphError struct {
	Kind   error
	TaskID string
	Path   []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.TaskID)
	}
	if len(e.Path) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(e.Path, " -> "))
	}
	return msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func notFound(id string) error {
	return &GraphError{Kind: ErrTaskNotFound, TaskID: id}
}

func cycleError(id string, path []string) error {
	return &GraphError{Kind: ErrCircularDependency, TaskID: id, Path: path}
}

package planner

import (
	"bytes"
	"fmt"
	"text/template"
)

// CommandData holds the values available to a task command template.
type CommandData struct {
	TaskID     string
	Name       string
	Stage      int
	StageSize  int
	IsCritical bool
	Metadata   map[string]any
}

// RenderCommand expands tmpl with data. Missing keys render as empty.
func RenderCommand(tmpl string, data CommandData) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := template.New("command").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse command template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render command template: %w", err)
	}
	return buf.String(), nil
}

// commandTemplate picks the task's own "command" metadata over the plan default.
func commandTemplate(metadata map[string]any, fallback string) string {
	if cmd, ok := metadata["command"].(string); ok && cmd != "" {
		return cmd
	}
	return fallback
}

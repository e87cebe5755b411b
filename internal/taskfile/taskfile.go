// Package taskfile loads task declarations from YAML or JSON files and adds
// them to an engine.
package taskfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/joshharrison/weft/internal/graph"
)

// Decl is one task as written in a task file.
type Decl struct {
	ID                string         `yaml:"id"`
	Name              string         `yaml:"name"`
	Priority          int            `yaml:"priority"`
	EstimatedDuration float64        `yaml:"estimated_duration"`
	Dependencies      []DepEntry     `yaml:"dependencies"`
	Produces          []string       `yaml:"produces"`
	Requires          []string       `yaml:"requires"`
	Resources         []string       `yaml:"resources"`
	Command           string         `yaml:"command"`
	Metadata          map[string]any `yaml:"metadata"`
}

// DepEntry is a dependency declaration. In files it is either a bare task id
// (a hard dependency) or an object with id, type, weight and condition.
type DepEntry struct {
	ID        string  `yaml:"id"`
	Type      string  `yaml:"type"`
	Weight    float64 `yaml:"weight"`
	Condition string  `yaml:"condition"`
}

// UnmarshalYAML accepts a scalar id or a mapping.
func (d *DepEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.ID = value.Value
		return nil
	}
	type plain DepEntry
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DepEntry(p)
	return nil
}

type document struct {
	Tasks []Decl `yaml:"tasks"`
}

// Load reads declarations from path. Files ending in .json are parsed as
// JSON; anything else is parsed as YAML unless it is valid JSON.
func Load(path string) ([]Decl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var decls []Decl
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".json", ext != ".yaml" && ext != ".yml" && gjson.ValidBytes(data):
		decls, err = ParseJSON(data)
	default:
		decls, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return decls, nil
}

// ParseYAML parses a document with a top-level tasks list.
func ParseYAML(data []byte) ([]Decl, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate(doc.Tasks); err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// ParseJSON parses either {"tasks": [...]} or a bare array of tasks.
func ParseJSON(data []byte) ([]Decl, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse json: invalid document")
	}
	root := gjson.ParseBytes(data)
	list := root
	if root.IsObject() {
		list = root.Get("tasks")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("parse json: expected a tasks array")
	}

	var decls []Decl
	list.ForEach(func(_, item gjson.Result) bool {
		decls = append(decls, declFromJSON(item))
		return true
	})
	if err := validate(decls); err != nil {
		return nil, err
	}
	return decls, nil
}

func declFromJSON(item gjson.Result) Decl {
	d := Decl{
		ID:                item.Get("id").String(),
		Name:              item.Get("name").String(),
		Priority:          int(item.Get("priority").Int()),
		EstimatedDuration: item.Get("estimated_duration").Float(),
		Produces:          stringList(item.Get("produces")),
		Requires:          stringList(item.Get("requires")),
		Resources:         stringList(item.Get("resources")),
		Command:           item.Get("command").String(),
	}
	item.Get("dependencies").ForEach(func(_, dep gjson.Result) bool {
		if dep.Type == gjson.String {
			d.Dependencies = append(d.Dependencies, DepEntry{ID: dep.String()})
			return true
		}
		d.Dependencies = append(d.Dependencies, DepEntry{
			ID:        dep.Get("id").String(),
			Type:      dep.Get("type").String(),
			Weight:    dep.Get("weight").Float(),
			Condition: dep.Get("condition").String(),
		})
		return true
	})
	if md, ok := item.Get("metadata").Value().(map[string]any); ok {
		d.Metadata = md
	}
	return d
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func validate(decls []Decl) error {
	for i, d := range decls {
		if d.ID == "" {
			return fmt.Errorf("task %d: missing id", i)
		}
		for _, dep := range d.Dependencies {
			if dep.ID == "" {
				return fmt.Errorf("task %s: dependency without id", d.ID)
			}
			if _, err := graph.ParseDependencyType(dep.Type); err != nil {
				return fmt.Errorf("task %s: %w", d.ID, err)
			}
		}
	}
	return nil
}

// Options converts the declaration into engine options. A command is stored
// under the "command" metadata key.
func (d Decl) Options() (graph.TaskOptions, error) {
	opts := graph.TaskOptions{
		Name:                 d.Name,
		Priority:             d.Priority,
		EstimatedDuration:    d.EstimatedDuration,
		Produces:             d.Produces,
		Requires:             d.Requires,
		ResourceRequirements: d.Resources,
	}
	for _, dep := range d.Dependencies {
		typ, err := graph.ParseDependencyType(dep.Type)
		if err != nil {
			return opts, err
		}
		opts.Dependencies = append(opts.Dependencies, graph.DepSpec{
			ID:        dep.ID,
			Type:      typ,
			Weight:    dep.Weight,
			Condition: dep.Condition,
		})
	}
	if len(d.Metadata) > 0 || d.Command != "" {
		opts.Metadata = make(map[string]any, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			opts.Metadata[k] = v
		}
		if d.Command != "" {
			opts.Metadata["command"] = d.Command
		}
	}
	return opts, nil
}

// Apply adds every declaration to e in file order and returns how many were
// new. It stops at the first rejected task.
func Apply(e *graph.Engine, decls []Decl) (int, error) {
	added := 0
	for _, d := range decls {
		opts, err := d.Options()
		if err != nil {
			return added, fmt.Errorf("task %s: %w", d.ID, err)
		}
		ok, err := e.AddTask(d.ID, opts)
		if err != nil {
			return added, fmt.Errorf("add task %s: %w", d.ID, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

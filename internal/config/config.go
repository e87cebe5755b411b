// Package config provides configuration loading for weft.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshharrison/weft/internal/graph"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "weft.yaml"

// Config represents the complete weft configuration.
type Config struct {
	TasksFile     string        `yaml:"tasks_file"`
	StateDir      string        `yaml:"state_dir"`
	FailurePolicy string        `yaml:"failure_policy"`
	Log           LogConfig     `yaml:"log"`
	Run           RunConfig     `yaml:"run"`
	Viewer        ViewerConfig  `yaml:"viewer"`
	Metrics       MetricsConfig `yaml:"metrics"`
	NATS          NATSConfig    `yaml:"nats"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// RunConfig configures the task runner.
type RunConfig struct {
	MaxParallel           int           `yaml:"max_parallel"`
	TimeoutPerTask        time.Duration `yaml:"timeout_per_task"`
	Shell                 string        `yaml:"shell"`
	StopOnCriticalFailure bool          `yaml:"stop_on_critical_failure"`
}

// ViewerConfig configures the HTTP viewer.
type ViewerConfig struct {
	Port int `yaml:"port"`
}

// MetricsConfig toggles Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSConfig configures event forwarding. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		TasksFile:     "tasks.yaml",
		StateDir:      ".weft",
		FailurePolicy: string(graph.FailureBlock),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Run: RunConfig{
			MaxParallel:    4,
			TimeoutPerTask: 30 * time.Minute,
			Shell:          "sh",
		},
		Viewer:  ViewerConfig{Port: 7171},
		Metrics: MetricsConfig{Enabled: true},
		NATS:    NATSConfig{SubjectPrefix: "weft"},
	}
}

// Load reads path over the defaults. A missing file at DefaultPath is not an
// error; a missing explicitly named file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.TasksFile == "" {
		return fmt.Errorf("tasks_file is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if _, err := graph.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return fmt.Errorf("failure_policy: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Run.MaxParallel < 1 {
		return fmt.Errorf("run.max_parallel must be at least 1")
	}
	if c.Run.TimeoutPerTask < 0 {
		return fmt.Errorf("run.timeout_per_task must not be negative")
	}
	if c.Viewer.Port < 0 || c.Viewer.Port > 65535 {
		return fmt.Errorf("viewer.port out of range: %d", c.Viewer.Port)
	}
	return nil
}

// Policy returns the parsed failure policy.
func (c *Config) Policy() graph.FailurePolicy {
	p, err := graph.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return graph.FailureBlock
	}
	return p
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// NewLogger builds a slog.Logger writing to w at the configured level and
// format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

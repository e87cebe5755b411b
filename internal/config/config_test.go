package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshharrison/weft/internal/graph"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "tasks.yaml", cfg.TasksFile)
	assert.Equal(t, ".weft", cfg.StateDir)
	assert.Equal(t, graph.FailureBlock, cfg.Policy())
	assert.Equal(t, 4, cfg.Run.MaxParallel)
	assert.Equal(t, 30*time.Minute, cfg.Run.TimeoutPerTask)
	assert.Empty(t, cfg.NATS.URL)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "skip policy", modify: func(c *Config) { c.FailurePolicy = "skip" }},
		{name: "missing tasks file", modify: func(c *Config) { c.TasksFile = "" }, wantErr: "tasks_file"},
		{name: "missing state dir", modify: func(c *Config) { c.StateDir = "" }, wantErr: "state_dir"},
		{name: "unknown policy", modify: func(c *Config) { c.FailurePolicy = "retry" }, wantErr: "failure_policy"},
		{name: "unknown level", modify: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "unknown format", modify: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "zero parallel", modify: func(c *Config) { c.Run.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "negative timeout", modify: func(c *Config) { c.Run.TimeoutPerTask = -time.Second }, wantErr: "timeout_per_task"},
		{name: "bad port", modify: func(c *Config) { c.Viewer.Port = 70000 }, wantErr: "viewer.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.yaml")
	body := `
tasks_file: plan/tasks.json
failure_policy: skip
log:
  level: debug
  format: json
run:
  max_parallel: 8
  timeout_per_task: 90s
  stop_on_critical_failure: true
nats:
  url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "plan/tasks.json", cfg.TasksFile)
	assert.Equal(t, graph.FailureSkip, cfg.Policy())
	assert.Equal(t, 8, cfg.Run.MaxParallel)
	assert.Equal(t, 90*time.Second, cfg.Run.TimeoutPerTask)
	assert.True(t, cfg.Run.StopOnCriticalFailure)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	// Unset fields keep their defaults.
	assert.Equal(t, ".weft", cfg.StateDir)
	assert.Equal(t, "weft", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "sh", cfg.Run.Shell)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit missing file should fail")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("run: [unclosed"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("failure_policy: sometimes\n"), 0644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "failure_policy")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "weft.yaml")
	cfg := Default()
	cfg.Run.TimeoutPerTask = 5 * time.Minute
	cfg.Viewer.Port = 9000

	require.NoError(t, cfg.SaveToFile(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "task", "a")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "expected JSON output, got %q", out)
	assert.Contains(t, out, `"task":"a"`)
}

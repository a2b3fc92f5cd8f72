package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "local", cfg.Engine.Kind)
	assert.Equal(t, "python3", cfg.Engine.PythonPath)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Session.DefaultTimeout.Std())
	assert.Equal(t, 300*time.Second, cfg.Session.MaxTimeout.Std())
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
data_dir: /var/lib/executor
engine:
  kind: docker
  docker_image: python:3.11-slim
session:
  idle_timeout: 10m
  sweep_interval: 30s
  max_sessions: 50
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/var/lib/executor", cfg.DataDir)
	assert.Equal(t, "docker", cfg.Engine.Kind)
	assert.Equal(t, "python:3.11-slim", cfg.Engine.DockerImage)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval.Std())
	assert.Equal(t, 50, cfg.Session.MaxSessions)

	// Untouched fields keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Session.DefaultTimeout.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("SESSION_MAX", "10")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 10, cfg.Session.MaxSessions)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("bad PORT env", func(t *testing.T) {
		t.Setenv("PORT", "not-a-port")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("bad duration env", func(t *testing.T) {
		t.Setenv("SESSION_IDLE_TIMEOUT", "soon")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("unknown engine kind", func(t *testing.T) {
		t.Setenv("ENGINE", "teleport")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("default timeout above maximum", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
session:
  default_timeout: 600s
  max_timeout: 300s
`), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  idle_timeout: 1h30m\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.Session.IdleTimeout.Std())
}

// Package config loads the service configuration. Precedence, lowest to
// highest: built-in defaults, an optional YAML file, environment variables.
// A .env file in the working directory is loaded into the environment first
// (and silently skipped when absent), so local development does not need
// exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can carry "30m"-style values.
type Duration time.Duration

// UnmarshalYAML parses a duration string ("60s", "30m", "1h30m").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`

	// JWTSecret enables bearer-token authentication when set. Empty
	// disables auth and the request body's user_id is trusted.
	JWTSecret string `yaml:"jwt_secret"`

	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
}

// EngineConfig selects and tunes the execution backend.
type EngineConfig struct {
	// Kind is "local" or "docker".
	Kind string `yaml:"kind"`

	PythonPath     string   `yaml:"python_path"`
	StartupTimeout Duration `yaml:"startup_timeout"`

	DockerImage string  `yaml:"docker_image"`
	MemoryLimit int64   `yaml:"memory_limit"`
	CPULimit    float64 `yaml:"cpu_limit"`
}

// SessionConfig tunes session lifecycle and execution limits.
type SessionConfig struct {
	IdleTimeout    Duration `yaml:"idle_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	MaxSessions    int      `yaml:"max_sessions"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:    8080,
		DataDir: "data/workspaces",
		DBPath:  "data/executor.db",
		Engine: EngineConfig{
			Kind:           "local",
			PythonPath:     "python3",
			StartupTimeout: Duration(60 * time.Second),
			DockerImage:    "python:3.12-slim",
			MemoryLimit:    512 * 1024 * 1024,
			CPULimit:       1.0,
		},
		Session: SessionConfig{
			IdleTimeout:    Duration(30 * time.Minute),
			SweepInterval:  Duration(time.Minute),
			MaxSessions:    0,
			DefaultTimeout: Duration(60 * time.Second),
			MaxTimeout:     Duration(300 * time.Second),
		},
	}
}

// Load builds the effective configuration. path names an optional YAML
// file; an empty path checks the CONFIG_FILE environment variable instead.
func Load(path string) (Config, error) {
	// Best effort: a missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q", v)
		}
		c.Port = p
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("ENGINE"); v != "" {
		c.Engine.Kind = v
	}
	if v := os.Getenv("PYTHON_PATH"); v != "" {
		c.Engine.PythonPath = v
	}
	if v := os.Getenv("DOCKER_IMAGE"); v != "" {
		c.Engine.DockerImage = v
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid SESSION_IDLE_TIMEOUT %q", v)
		}
		c.Session.IdleTimeout = Duration(d)
	}
	if v := os.Getenv("SESSION_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid SESSION_MAX %q", v)
		}
		c.Session.MaxSessions = n
	}
	if v := os.Getenv("EXECUTION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid EXECUTION_TIMEOUT %q", v)
		}
		c.Session.DefaultTimeout = Duration(d)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.Engine.Kind {
	case "local", "docker":
	default:
		return fmt.Errorf("config: unknown engine kind %q", c.Engine.Kind)
	}
	if c.Session.DefaultTimeout > c.Session.MaxTimeout {
		return fmt.Errorf("config: default execution timeout %s exceeds maximum %s",
			c.Session.DefaultTimeout.Std(), c.Session.MaxTimeout.Std())
	}
	return nil
}

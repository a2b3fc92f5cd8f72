package docker

import (
	"time"
)

// Config holds the configuration for container-backed engines.
type Config struct {
	// Image is the Docker image to run session interpreters in.
	Image string
	// MemoryLimit is the maximum amount of memory a session container can
	// use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a session container can use.
	CPULimit float64
	// StartupTimeout bounds how long a fresh container interpreter may
	// take to report ready.
	StartupTimeout time.Duration
	// WorkspacePath is where the session's working directory is mounted
	// inside the container.
	WorkspacePath string
}

// DefaultConfig provides sensible defaults for a containerized python
// backend.
func DefaultConfig() Config {
	return Config{
		// Slim rather than alpine: the data-analysis wheels (pandas,
		// matplotlib) need glibc.
		Image: "python:3.12-slim",
		// 512 MB memory limit
		MemoryLimit: 512 * 1024 * 1024,
		// 1 CPU share
		CPULimit:       1.0,
		StartupTimeout: 60 * time.Second,
		WorkspacePath:  "/workspace",
	}
}

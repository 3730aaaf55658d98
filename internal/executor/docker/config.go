package docker

import (
	"time"
)

// Config holds the configuration for Docker execution.
type Config struct {
	// Image is the Docker image to use for execution. It must provide `python`.
	Image string
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// OCIRuntime optionally selects a hardened runtime such as "runsc" (gVisor).
	OCIRuntime string
	// TmpfsSize bounds the writable /tmp inside the container.
	TmpfsSize string
	// PullTimeout bounds the initial image pull.
	PullTimeout time.Duration
}

// DefaultConfig provides sensible defaults for a Python sandbox.
func DefaultConfig() Config {
	return Config{
		// Use a lightweight python image
		Image:       "python:3.12-alpine",
		CPULimit:    0.5,
		TmpfsSize:   "16m",
		PullTimeout: 2 * time.Minute,
	}
}

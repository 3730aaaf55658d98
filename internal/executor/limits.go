package executor

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds the supervisor policy. Every knob here is deployment
// configuration; internal/config fills it from YAML/env.
type Config struct {
	// MaxConcurrency is the number of workers allowed to run at once.
	MaxConcurrency int
	// MaxQueue is how many requests may wait for a slot. 0 rejects as soon as
	// all slots are busy.
	MaxQueue int
	// QueueWait bounds how long a queued request waits before ErrQueueTimeout.
	QueueWait time.Duration

	// DefaultTimeout is what callers (HTTP layer, CLI) fill in when the user
	// gave no timeout. The supervisor itself requires one.
	DefaultTimeout time.Duration
	// MaxTimeout is the largest timeout a request may ask for.
	MaxTimeout time.Duration
	// GracePeriod is the window between SIGTERM and SIGKILL on timeout.
	GracePeriod time.Duration

	// DefaultLimits fill zero fields of a request's limits.
	DefaultLimits ResourceLimits
	// MaxLimits clamp request limits. Zero fields mean "no ceiling beyond the default".
	MaxLimits ResourceLimits
}

// DefaultConfig returns conservative interactive defaults.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		MaxConcurrency: n,
		MaxQueue:       2 * n,
		QueueWait:      10 * time.Second,
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     60 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		DefaultLimits: ResourceLimits{
			MaxMemoryBytes: 256 << 20,
			MaxCPUTimeMs:   10_000,
			MaxOutputBytes: 1 << 20,
			MaxOpenFiles:   64,
			MaxProcesses:   32,
			MaxFileSize:    16 << 20,
		},
		MaxLimits: ResourceLimits{
			MaxMemoryBytes: 1 << 30,
			MaxCPUTimeMs:   60_000,
			MaxOutputBytes: 8 << 20,
			MaxOpenFiles:   256,
			MaxProcesses:   128,
			MaxFileSize:    64 << 20,
		},
	}
}

// withDefaults fills zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.QueueWait <= 0 {
		c.QueueWait = d.QueueWait
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	c.DefaultLimits = mergeLimits(d.DefaultLimits, c.DefaultLimits)
	return c
}

// ResolveLimits merges requested limits over the defaults and clamps them to
// the configured ceilings. The result has no zero fields.
func (c Config) ResolveLimits(req *ResourceLimits) ResourceLimits {
	limits := c.DefaultLimits
	if req != nil {
		limits = mergeLimits(limits, *req)
	}
	return clampLimits(limits, c.MaxLimits)
}

// ResolveTimeout validates and clamps a request timeout.
func (c Config) ResolveTimeout(ms int64) (time.Duration, error) {
	if ms <= 0 {
		return 0, fmt.Errorf("%w: timeout_ms must be positive, got %d", ErrInvalidRequest, ms)
	}
	d := time.Duration(ms) * time.Millisecond
	if d > c.MaxTimeout {
		return 0, fmt.Errorf("%w: timeout_ms %d exceeds maximum %d", ErrInvalidRequest, ms, c.MaxTimeout.Milliseconds())
	}
	return d, nil
}

func mergeLimits(base, over ResourceLimits) ResourceLimits {
	if over.MaxMemoryBytes > 0 {
		base.MaxMemoryBytes = over.MaxMemoryBytes
	}
	if over.MaxCPUTimeMs > 0 {
		base.MaxCPUTimeMs = over.MaxCPUTimeMs
	}
	if over.MaxOutputBytes > 0 {
		base.MaxOutputBytes = over.MaxOutputBytes
	}
	if over.MaxOpenFiles > 0 {
		base.MaxOpenFiles = over.MaxOpenFiles
	}
	if over.MaxProcesses > 0 {
		base.MaxProcesses = over.MaxProcesses
	}
	if over.MaxFileSize > 0 {
		base.MaxFileSize = over.MaxFileSize
	}
	return base
}

func clampLimits(l, ceil ResourceLimits) ResourceLimits {
	clamp := func(v, ceiling int64) int64 {
		if ceiling > 0 && v > ceiling {
			return ceiling
		}
		return v
	}
	l.MaxMemoryBytes = clamp(l.MaxMemoryBytes, ceil.MaxMemoryBytes)
	l.MaxCPUTimeMs = clamp(l.MaxCPUTimeMs, ceil.MaxCPUTimeMs)
	l.MaxOutputBytes = clamp(l.MaxOutputBytes, ceil.MaxOutputBytes)
	l.MaxOpenFiles = clamp(l.MaxOpenFiles, ceil.MaxOpenFiles)
	l.MaxProcesses = clamp(l.MaxProcesses, ceil.MaxProcesses)
	l.MaxFileSize = clamp(l.MaxFileSize, ceil.MaxFileSize)
	return l
}

// Package executor defines the sandbox execution contract and the Supervisor
// that enforces it.
//
// LAYERING:
// The Supervisor never touches an OS process or a container itself. It admits
// requests, resolves limits, and hands a WorkerSpec to a Launcher. The Launcher
// (internal/executor/process or internal/executor/docker) returns a one-shot
// Worker that owns the isolation boundary for exactly one request.
//
//	caller → Supervisor.Execute → admission → Launcher.NewWorker → Worker.Run → ExecutionResult
package executor

import (
	"context"
	"time"
)

// TerminatedReason describes how a worker stopped.
type TerminatedReason string

const (
	ReasonCompleted        TerminatedReason = "completed"
	ReasonTimedOut         TerminatedReason = "timed_out"
	ReasonResourceExceeded TerminatedReason = "resource_exceeded"
	ReasonSignaled         TerminatedReason = "signaled"
	ReasonSpawnFailed      TerminatedReason = "spawn_failed"
)

// Exit code conventions shared by every backend.
const (
	// ExitCodeSentinel marks results that never had a process exit status.
	ExitCodeSentinel = -1
	// ExitCodeTimedOut matches the coreutils timeout(1) convention.
	ExitCodeTimedOut = 124
	// ExitCodeKilled is 128+SIGKILL, used when a violation left a zero status.
	ExitCodeKilled = 137
)

// Resource names reported in ExecutionResult.Resource.
const (
	ResourceMemory    = "memory"
	ResourceCPUTime   = "cpu_time"
	ResourceProcesses = "processes"
	ResourceFileSize  = "file_size"
)

// DefaultRuntime is used when a request does not name one.
const DefaultRuntime = "python"

// ResourceLimits constrains a single execution. Zero fields mean "use the
// supervisor default".
type ResourceLimits struct {
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`
	MaxCPUTimeMs   int64 `json:"max_cpu_time_ms,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
	MaxOpenFiles   int64 `json:"max_open_files,omitempty"`
	MaxProcesses   int64 `json:"max_processes,omitempty"`
	MaxFileSize    int64 `json:"max_file_size_bytes,omitempty"`
}

// CPUTime returns the CPU limit as a duration.
func (l ResourceLimits) CPUTime() time.Duration {
	return time.Duration(l.MaxCPUTimeMs) * time.Millisecond
}

// ExecutionRequest is one immutable invocation.
type ExecutionRequest struct {
	Code      string `json:"code"`
	TimeoutMs int64  `json:"timeout_ms"`
	// Runtime selects the interpreter for this request only.
	Runtime string          `json:"runtime,omitempty"`
	Limits  *ResourceLimits `json:"resource_limits,omitempty"`
}

// Timeout returns the wall-clock budget of the request.
func (r ExecutionRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ExecutionResult is the outcome of one execution.
//
// Invariant: Reason != ReasonCompleted implies ExitCode != 0.
type ExecutionResult struct {
	ID         string           `json:"id"`
	Runtime    string           `json:"runtime"`
	Stdout     string           `json:"stdout"`
	Stderr     string           `json:"stderr"`
	Truncated  bool             `json:"truncated"`
	ExitCode   int              `json:"exit_code"`
	Success    bool             `json:"success"`
	DurationMs int64            `json:"duration_ms"`
	Reason     TerminatedReason `json:"terminated_reason"`
	Signal     string           `json:"signal,omitempty"`
	Resource   string           `json:"resource,omitempty"`
}

// Normalize enforces the exit code invariant and fills derived fields.
// Backends call it once before returning a result.
func (r *ExecutionResult) Normalize() {
	switch r.Reason {
	case "":
		r.Reason = ReasonCompleted
	case ReasonSpawnFailed:
		r.ExitCode = ExitCodeSentinel
	case ReasonTimedOut:
		r.ExitCode = ExitCodeTimedOut
	}
	if r.Reason != ReasonCompleted && r.ExitCode == 0 {
		r.ExitCode = ExitCodeKilled
	}
	r.Success = r.Reason == ReasonCompleted && r.ExitCode == 0
}

// WorkerSpec is everything a Launcher needs to build a Worker. Limits are
// fully resolved: no zero fields.
type WorkerSpec struct {
	ID      string
	Code    string
	Runtime string
	Timeout time.Duration
	Grace   time.Duration
	Limits  ResourceLimits
}

// Worker is a one-shot isolated execution. Run may be called once; a second
// call returns ErrWorkerConsumed.
//
// Run enforces spec.Timeout itself with an escalating SIGTERM → SIGKILL.
// Cancelling ctx means immediate forced termination.
type Worker interface {
	Run(ctx context.Context) (*ExecutionResult, error)
}

// Launcher creates fresh workers. Workers are never pooled or reused.
type Launcher interface {
	Name() string
	NewWorker(spec WorkerSpec) (Worker, error)
}

// Isolation is the boundary a launcher actually applies on this host.
type Isolation struct {
	// Namespaced: own PID, network, IPC and UTS namespaces.
	Namespaced bool `json:"namespaced"`
	// Filesystem: a worker can only reach its own work dir and read-only
	// system paths.
	Filesystem bool `json:"filesystem"`
	// DedicatedUser: each worker runs under a uid no other worker holds.
	DedicatedUser bool `json:"dedicated_user"`
	// ProcessLimit: MaxProcesses is enforced by the kernel, not only sampled.
	ProcessLimit bool `json:"process_limit"`
}

// Isolator is implemented by launchers that report their isolation.
type Isolator interface {
	Isolation() Isolation
}

// Pinger is implemented by launchers whose backend can become unreachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Executor is what the service layer depends on.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

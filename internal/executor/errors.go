package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailed means the sandbox itself could not be started. It is an
	// engine problem and is not retried.
	ErrSpawnFailed = errors.New("executor: spawn failed")

	// ErrQueueFull is returned when every slot is busy and the wait queue is at capacity.
	ErrQueueFull = errors.New("executor: queue full")

	// ErrQueueTimeout is returned when a queued request waited longer than queue_wait.
	ErrQueueTimeout = errors.New("executor: timed out waiting for a free slot")

	// ErrClosed is returned after Supervisor.Close.
	ErrClosed = errors.New("executor: supervisor closed")

	ErrInvalidRequest = errors.New("executor: invalid request")
	ErrWorkerConsumed = errors.New("executor: worker already ran")
	ErrPending        = errors.New("executor: task still running")
)

// SpawnError wraps the underlying cause of a spawn failure while matching
// ErrSpawnFailed with errors.Is.
type SpawnError struct {
	Runtime string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("executor: spawn failed for runtime %q: %v", e.Runtime, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}

// SpawnFailure builds the result/error pair every backend returns when it
// cannot start a worker.
func SpawnFailure(spec WorkerSpec, err error) (*ExecutionResult, error) {
	res := &ExecutionResult{
		ID:      spec.ID,
		Runtime: spec.Runtime,
		Reason:  ReasonSpawnFailed,
		Stderr:  err.Error(),
	}
	res.Normalize()
	return res, &SpawnError{Runtime: spec.Runtime, Err: err}
}

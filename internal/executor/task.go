package executor

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// Task is a handle to an execution running in the background.
//
// Cancel does not set a flag for the sandboxed code to observe: it cancels
// the worker's context, which kills the process group (or container)
// immediately.
type Task struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	res *ExecutionResult
	err error
}

// Submit starts req in the background and returns immediately. The task
// stops when ctx is cancelled or Cancel is called.
func (s *Supervisor) Submit(ctx context.Context, req ExecutionRequest) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     xid.New().String(),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		res, err := s.execute(ctx, req, t.id)
		t.mu.Lock()
		t.res, t.err = res, err
		t.mu.Unlock()
		close(t.done)
	}()
	return t
}

// ID is also the ID of the eventual ExecutionResult.
func (t *Task) ID() string { return t.id }

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel forcefully terminates the execution. Safe to call more than once
// and after completion.
func (t *Task) Cancel() { t.cancel() }

// Result polls without blocking. It returns ErrPending while the worker runs.
func (t *Task) Result() (*ExecutionResult, error) {
	select {
	case <-t.done:
	default:
		return nil, ErrPending
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res, t.err
}

// Wait blocks until the task finishes or ctx is done. Giving up on Wait does
// not cancel the task.
func (t *Task) Wait(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

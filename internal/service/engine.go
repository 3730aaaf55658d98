// Package service is the business layer between the transports (HTTP
// handlers, CLI) and the engine packages.
//
//	handler / cmd → Engine → executor.Supervisor   (sandboxed execution)
//	                       → analyzer              (complexity metrics)
//	                       → diffparse             (touched files)
//	                       → transform             (digests, compression)
//
// The Engine validates input, translates engine errors into apperror
// categories, and keeps the in-memory registry of async executions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/code-engine/internal/analyzer"
	"github.com/sakif/code-engine/internal/apperror"
	"github.com/sakif/code-engine/internal/diffparse"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/transform"
)

// Sandbox is the part of executor.Supervisor the Engine uses.
type Sandbox interface {
	executor.Executor
	Submit(ctx context.Context, req executor.ExecutionRequest) *executor.Task
	Stats(ctx context.Context) executor.Stats
}

var _ Sandbox = (*executor.Supervisor)(nil)

// Options configures an Engine.
type Options struct {
	// DefaultTimeout is applied by transports when a request has none.
	DefaultTimeout time.Duration
	// MaxCodeBytes bounds code, diff and transform payloads. 0 = unbounded.
	MaxCodeBytes int
	// TaskTTL is how long an async task is kept after it was submitted.
	TaskTTL time.Duration
	Version string
}

// Engine is safe for concurrent use.
type Engine struct {
	sandbox Sandbox
	opts    Options
	logger  *slog.Logger

	// base outlives individual HTTP requests; async tasks hang off it.
	base context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*taskEntry
	now   func() time.Time
}

type taskEntry struct {
	task    *executor.Task
	created time.Time
}

// NewEngine creates an Engine. sandbox may be nil when no backend could be
// started; execution then fails with apperror.ErrUnavailable while analysis,
// diff and transform keep working.
func NewEngine(sandbox Sandbox, opts Options, logger *slog.Logger) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = 10 * time.Minute
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		sandbox: sandbox,
		opts:    opts,
		logger:  logger.With(slog.String("component", "engine")),
		base:    base,
		stop:    stop,
		tasks:   make(map[string]*taskEntry),
		now:     time.Now,
	}
}

// DefaultTimeout is the timeout transports use when a request has none.
func (e *Engine) DefaultTimeout() time.Duration { return e.opts.DefaultTimeout }

// Execute runs code synchronously.
//
// A result is returned for every outcome of the code itself, including
// timeouts and limit violations. Errors are reserved for requests the engine
// refused or could not serve.
func (e *Engine) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	if err := e.checkExecution(req); err != nil {
		return nil, err
	}
	res, err := e.sandbox.Execute(ctx, req)
	if err != nil {
		return res, e.executionError(err)
	}
	return res, nil
}

// Submit starts code in the background and returns the task id.
func (e *Engine) Submit(req executor.ExecutionRequest) (string, error) {
	if err := e.checkExecution(req); err != nil {
		return "", err
	}
	if e.base.Err() != nil {
		return "", apperror.Unavailable("engine is shutting down", executor.ErrClosed)
	}

	t := e.sandbox.Submit(e.base, req)

	e.mu.Lock()
	e.sweepLocked()
	e.tasks[t.ID()] = &taskEntry{task: t, created: e.now()}
	e.mu.Unlock()

	e.logger.Debug("task submitted", slog.String("id", t.ID()))
	return t.ID(), nil
}

// Task polls an async execution. While it runs, the result is nil and
// pending is true. A finished task is handed out once and then forgotten:
// the lookup and the removal happen under one lock, so of two concurrent
// callers exactly one gets the result and the other gets NotFound.
func (e *Engine) Task(id string) (res *executor.ExecutionResult, pending bool, err error) {
	e.mu.Lock()
	e.sweepLocked()
	entry, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return nil, false, apperror.NotFound("task", id)
	}
	res, err = entry.task.Result()
	if errors.Is(err, executor.ErrPending) {
		e.mu.Unlock()
		return nil, true, nil
	}
	delete(e.tasks, id)
	e.mu.Unlock()

	if err != nil {
		return res, false, e.executionError(err)
	}
	return res, false, nil
}

// Wait blocks until the task finishes or ctx ends, then behaves like Task.
func (e *Engine) Wait(ctx context.Context, id string) (*executor.ExecutionResult, error) {
	e.mu.Lock()
	entry, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return nil, apperror.NotFound("task", id)
	}

	select {
	case <-entry.task.Done():
	case <-ctx.Done():
		select {
		case <-entry.task.Done():
		default:
			return nil, ctx.Err()
		}
	}
	res, _, err := e.Task(id)
	return res, err
}

// Cancel kills a running task. The (signaled) result stays available to
// Task until it is fetched or expires.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	entry, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return apperror.NotFound("task", id)
	}
	entry.task.Cancel()
	e.logger.Info("task cancelled", slog.String("id", id))
	return nil
}

// sweepLocked drops finished tasks older than TaskTTL. Running tasks are kept
// whatever their age; the supervisor's timeout bounds them.
func (e *Engine) sweepLocked() {
	cutoff := e.now().Add(-e.opts.TaskTTL)
	for id, entry := range e.tasks {
		if entry.created.After(cutoff) {
			continue
		}
		select {
		case <-entry.task.Done():
			delete(e.tasks, id)
		default:
		}
	}
}

// Analyze computes complexity metrics. It only fails on oversized input.
func (e *Engine) Analyze(req analyzer.AnalysisRequest) (*analyzer.AnalysisResult, error) {
	if err := e.checkSize("code", len(req.Code)); err != nil {
		return nil, err
	}
	res := analyzer.Analyze(req)
	return &res, nil
}

// ParseDiff lists the files touched by a unified diff.
func (e *Engine) ParseDiff(diff string) ([]string, error) {
	if err := e.checkSize("diff", len(diff)); err != nil {
		return nil, err
	}
	return diffparse.ParseDiff(diff), nil
}

// Transform applies the named algorithm; empty selects the default. The
// algorithm actually used is returned alongside the output.
func (e *Engine) Transform(algorithm string, data []byte) (string, []byte, error) {
	if err := e.checkSize("data", len(data)); err != nil {
		return "", nil, err
	}
	if algorithm == "" {
		algorithm = transform.DefaultAlgorithm
	}
	out, err := transform.Apply(algorithm, data)
	if err != nil {
		return "", nil, apperror.ValidationFailed("algorithm", err.Error())
	}
	return algorithm, out, nil
}

// Fingerprints returns per-chunk xxHash64 values; chunkSize 0 selects the
// default.
func (e *Engine) Fingerprints(data []byte, chunkSize int) (int, []uint64, error) {
	if err := e.checkSize("data", len(data)); err != nil {
		return 0, nil, err
	}
	if chunkSize == 0 {
		chunkSize = transform.DefaultChunkSize
	}
	fps, err := transform.Fingerprints(data, chunkSize)
	if err != nil {
		return 0, nil, apperror.ValidationFailed("chunk_size", err.Error())
	}
	return chunkSize, fps, nil
}

// Stats reports sandbox capacity and reachability. ok is false without a
// sandbox.
func (e *Engine) Stats(ctx context.Context) (stats executor.Stats, ok bool) {
	if e.sandbox == nil {
		return executor.Stats{}, false
	}
	return e.sandbox.Stats(ctx), true
}

// Version is the build version reported by health checks.
func (e *Engine) Version() string { return e.opts.Version }

// Close cancels every async task still running.
func (e *Engine) Close() {
	e.stop()
}

func (e *Engine) checkExecution(req executor.ExecutionRequest) error {
	if e.sandbox == nil {
		return apperror.Unavailable("no sandbox backend is available", nil)
	}
	if req.Code == "" {
		return apperror.ValidationFailed("code", "code cannot be empty")
	}
	return e.checkSize("code", len(req.Code))
}

func (e *Engine) checkSize(field string, n int) error {
	if e.opts.MaxCodeBytes > 0 && n > e.opts.MaxCodeBytes {
		return apperror.ValidationFailed(field,
			fmt.Sprintf("%s is %d bytes, the limit is %d", field, n, e.opts.MaxCodeBytes))
	}
	return nil
}

// executionError maps executor errors onto apperror categories.
func (e *Engine) executionError(err error) error {
	switch {
	case errors.Is(err, executor.ErrInvalidRequest):
		return apperror.ValidationFailed("request", err.Error())
	case errors.Is(err, executor.ErrQueueFull):
		return apperror.Overloaded("all sandboxes are busy and the queue is full", err)
	case errors.Is(err, executor.ErrQueueTimeout):
		return apperror.Overloaded("timed out waiting for a free sandbox", err)
	case errors.Is(err, executor.ErrClosed):
		return apperror.Unavailable("engine is shutting down", err)
	case errors.Is(err, executor.ErrSpawnFailed):
		e.logger.Error("sandbox failed to start", slog.String("error", err.Error()))
		return apperror.Engine("the sandbox could not be started", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperror.Engine("execution failed", err)
	}
}

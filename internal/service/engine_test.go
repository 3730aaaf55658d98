package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-engine/internal/analyzer"
	"github.com/sakif/code-engine/internal/apperror"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/transform"
)

// =========================================================================
// FAKE LAUNCHER
// =========================================================================
//
// The Engine is tested against a real Supervisor so admission, task handles
// and cancellation behave exactly as in production. Only the worker is fake:
//
//	"block"  runs until cancelled
//	"spawn!" fails to start
//	anything else is echoed to stdout

type fakeLauncher struct {
	started chan string // receives the id of every running "block" worker
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) NewWorker(spec executor.WorkerSpec) (executor.Worker, error) {
	return &fakeWorker{spec: spec, started: f.started}, nil
}

type fakeWorker struct {
	spec    executor.WorkerSpec
	started chan string
}

func (w *fakeWorker) Run(ctx context.Context) (*executor.ExecutionResult, error) {
	res := &executor.ExecutionResult{ID: w.spec.ID, Runtime: w.spec.Runtime}
	switch w.spec.Code {
	case "spawn!":
		return executor.SpawnFailure(w.spec, errors.New("no interpreter"))
	case "block":
		w.started <- w.spec.ID
		<-ctx.Done()
		res.Reason = executor.ReasonSignaled
		res.Signal = "SIGKILL"
	default:
		res.Stdout = w.spec.Code
	}
	res.Normalize()
	return res, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg executor.Config, opts Options) (*Engine, *fakeLauncher) {
	t.Helper()
	f := &fakeLauncher{started: make(chan string, 16)}
	sup := executor.NewSupervisor(f, cfg, discardLogger(), nil)
	e := NewEngine(sup, opts, discardLogger())
	t.Cleanup(e.Close)
	return e, f
}

// waitRunning blocks until the "block" worker of task id is running.
func waitRunning(t *testing.T, f *fakeLauncher, id string) {
	t.Helper()
	select {
	case got := <-f.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
}

func request(code string) executor.ExecutionRequest {
	return executor.ExecutionRequest{Code: code, TimeoutMs: 5000}
}

// =========================================================================
// EXECUTE
// =========================================================================

func TestEngine_Execute(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	res, err := e.Execute(context.Background(), request("print('hi')"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", res.Stdout)
	assert.True(t, res.Success)
	assert.Equal(t, 5*time.Second, e.DefaultTimeout())
}

func TestEngine_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		req    executor.ExecutionRequest
		target error
	}{
		{"empty code", Options{}, request(""), apperror.ErrValidation},
		{"code too large", Options{MaxCodeBytes: 4}, request("print(1)"), apperror.ErrValidation},
		{"bad timeout", Options{}, executor.ExecutionRequest{Code: "x", TimeoutMs: -1}, apperror.ErrValidation},
		{"spawn failure", Options{}, request("spawn!"), apperror.ErrEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, executor.DefaultConfig(), tt.opts)
			_, err := e.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestEngine_SpawnFailureKeepsResult(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	res, err := e.Execute(context.Background(), request("spawn!"))
	require.ErrorIs(t, err, executor.ErrSpawnFailed)
	require.NotNil(t, res)
	assert.Equal(t, executor.ReasonSpawnFailed, res.Reason)
	assert.Equal(t, -1, res.ExitCode)
}

func TestEngine_Overloaded(t *testing.T) {
	cfg := executor.DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxQueue = 0
	e, f := newTestEngine(t, cfg, Options{})

	id, err := e.Submit(request("block"))
	require.NoError(t, err)
	waitRunning(t, f, id)

	_, err = e.Execute(context.Background(), request("print(1)"))
	assert.ErrorIs(t, err, apperror.ErrOverloaded)
	assert.ErrorIs(t, err, executor.ErrQueueFull)

	stats, ok := e.Stats(context.Background())
	require.True(t, ok)
	assert.Equal(t, "fake", stats.Backend)
	assert.True(t, stats.Reachable)

	require.NoError(t, e.Cancel(id))
}

func TestEngine_NoSandbox(t *testing.T) {
	e := NewEngine(nil, Options{}, discardLogger())
	defer e.Close()

	_, err := e.Execute(context.Background(), request("print(1)"))
	assert.ErrorIs(t, err, apperror.ErrUnavailable)

	_, err = e.Submit(request("print(1)"))
	assert.ErrorIs(t, err, apperror.ErrUnavailable)

	_, ok := e.Stats(context.Background())
	assert.False(t, ok)

	// the pure components keep working
	files, err := e.ParseDiff("--- a/x.py\n+++ b/x.py\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.py"}, files)
}

// =========================================================================
// ASYNC TASKS
// =========================================================================

func TestEngine_SubmitAndFetch(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	id, err := e.Submit(request("print(2)"))
	require.NoError(t, err)

	res, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, "print(2)", res.Stdout)

	// a finished task is handed out once
	_, _, err = e.Task(id)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestEngine_ConcurrentFetchHandsOutOnce(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	for range 50 {
		id, err := e.Submit(request("print(3)"))
		require.NoError(t, err)
		e.mu.Lock()
		task := e.tasks[id].task
		e.mu.Unlock()
		<-task.Done()

		var (
			wg       sync.WaitGroup
			got      atomic.Int32
			notFound atomic.Int32
		)
		start := make(chan struct{})
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, _, err := e.Task(id)
				switch {
				case err == nil && res != nil:
					got.Add(1)
				case errors.Is(err, apperror.ErrNotFound):
					notFound.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), got.Load(), "exactly one caller gets the result")
		require.Equal(t, int32(1), notFound.Load())
	}
}

func TestEngine_WaitOnFinishedTaskWithExpiredContext(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	id, err := e.Submit(request("print(4)"))
	require.NoError(t, err)
	e.mu.Lock()
	task := e.tasks[id].task
	e.mu.Unlock()
	<-task.Done()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "print(4)", res.Stdout)
}

func TestEngine_TaskPendingThenCancelled(t *testing.T) {
	e, f := newTestEngine(t, executor.DefaultConfig(), Options{})

	id, err := e.Submit(request("block"))
	require.NoError(t, err)
	waitRunning(t, f, id)

	res, pending, err := e.Task(id)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, res)

	require.NoError(t, e.Cancel(id))

	res, err = e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, executor.ReasonSignaled, res.Reason)
	assert.Equal(t, "SIGKILL", res.Signal)
	assert.NotZero(t, res.ExitCode)
}

func TestEngine_UnknownTask(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})

	_, _, err := e.Task("nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, e.Cancel("nope"), apperror.ErrNotFound)
	_, err = e.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestEngine_TaskExpiry(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{TaskTTL: time.Minute})
	now := time.Now()
	e.now = func() time.Time { return now }

	finished, err := e.Submit(request("done"))
	require.NoError(t, err)
	running, err := e.Submit(request("block"))
	require.NoError(t, err)

	e.mu.Lock()
	task := e.tasks[finished].task
	e.mu.Unlock()
	<-task.Done()

	now = now.Add(2 * time.Minute)

	_, _, err = e.Task(finished)
	assert.ErrorIs(t, err, apperror.ErrNotFound, "finished task should have expired")

	_, pending, err := e.Task(running)
	require.NoError(t, err, "running task must survive the sweep")
	assert.True(t, pending)
	require.NoError(t, e.Cancel(running))
}

func TestEngine_CloseCancelsTasks(t *testing.T) {
	e, f := newTestEngine(t, executor.DefaultConfig(), Options{})

	id, err := e.Submit(request("block"))
	require.NoError(t, err)
	waitRunning(t, f, id)

	e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, executor.ReasonSignaled, res.Reason)

	_, err = e.Submit(request("print(1)"))
	assert.ErrorIs(t, err, apperror.ErrUnavailable)
}

// =========================================================================
// ANALYZE / DIFF / TRANSFORM
// =========================================================================

func TestEngine_Analyze(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{MaxCodeBytes: 1024})

	res, err := e.Analyze(analyzer.AnalysisRequest{Code: "def f(x):\n    if x:\n        return 1\n"})
	require.NoError(t, err)
	assert.Equal(t, "python", res.Language)
	assert.Equal(t, 2, res.Metrics.CyclomaticComplexity)

	_, err = e.Analyze(analyzer.AnalysisRequest{Code: string(make([]byte, 2048))})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestEngine_Transform(t *testing.T) {
	e, _ := newTestEngine(t, executor.DefaultConfig(), Options{})
	data := []byte("payload")

	algo, out, err := e.Transform("", data)
	require.NoError(t, err)
	assert.Equal(t, transform.DefaultAlgorithm, algo)
	assert.Equal(t, transform.ComputeHeavy(data), out)

	_, _, err = e.Transform("rot13", data)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	size, fps, err := e.Fingerprints(data, 0)
	require.NoError(t, err)
	assert.Equal(t, transform.DefaultChunkSize, size)
	assert.Len(t, fps, 1)

	_, _, err = e.Fingerprints(data, -3)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

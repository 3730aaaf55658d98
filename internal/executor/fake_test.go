package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// fakeLauncher hands out workers whose behaviour is controlled by the test.
type fakeLauncher struct {
	mu      sync.Mutex
	specs   []WorkerSpec
	spawn   error
	block   chan struct{}
	started chan string
	running atomic.Int64
	peak    atomic.Int64
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan string, 64)}
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) NewWorker(spec WorkerSpec) (Worker, error) {
	if f.spawn != nil {
		return nil, f.spawn
	}
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	return &fakeWorker{launcher: f, spec: spec}, nil
}

func (f *fakeLauncher) lastSpec() WorkerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

type fakeWorker struct {
	launcher *fakeLauncher
	spec     WorkerSpec
	used     atomic.Bool
}

func (w *fakeWorker) Run(ctx context.Context) (*ExecutionResult, error) {
	if !w.used.CompareAndSwap(false, true) {
		return nil, ErrWorkerConsumed
	}
	f := w.launcher
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.started <- w.spec.ID

	res := &ExecutionResult{ID: w.spec.ID, Runtime: w.spec.Runtime, Stdout: w.spec.Code}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			res.Reason = ReasonSignaled
			res.Signal = "SIGKILL"
		}
	}
	res.Normalize()
	return res, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

func waitStarted(f *fakeLauncher, n int) bool {
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(2 * time.Second):
			return false
		}
	}
	return true
}

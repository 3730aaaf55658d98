//go:build !linux

package process

import (
	"context"
	"errors"

	"github.com/sakif/code-engine/internal/executor"
)

var errUnsupported = errors.New("process sandbox requires linux")

// Init is a no-op; there is no jail outside linux.
func Init() {}

type reaper struct{}

type worker struct {
	spec executor.WorkerSpec
}

func newWorker(_ *Launcher, spec executor.WorkerSpec, _ runtimeSpec, _ string) executor.Worker {
	return &worker{spec: spec}
}

func (w *worker) Run(_ context.Context) (*executor.ExecutionResult, error) {
	return executor.SpawnFailure(w.spec, errUnsupported)
}

func checkNamespaces() error { return errUnsupported }

func (l *Launcher) setupIsolation() error { return nil }

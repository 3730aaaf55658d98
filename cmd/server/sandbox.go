package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakif/code-engine/internal/config"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/executor/docker"
	"github.com/sakif/code-engine/internal/executor/process"
)

// newSandbox builds the configured backend and its supervisor. reg may be
// nil. The returned cleanup releases backend resources once the supervisor
// has been closed.
func newSandbox(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*executor.Supervisor, func(), error) {
	exCfg, err := cfg.Executor()
	if err != nil {
		return nil, nil, err
	}

	var (
		launcher executor.Launcher
		cleanup  = func() {}
	)
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		dl, err := docker.New(cfg.DockerBackend(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker backend: %w", err)
		}
		dl.LogLimits(exCfg.DefaultLimits)
		launcher = dl
		cleanup = func() {
			if err := dl.Close(); err != nil {
				logger.Warn("closing docker client", slog.String("error", err.Error()))
			}
		}
	default:
		pl, err := process.New(cfg.Process(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("process backend: %w", err)
		}
		launcher = pl
	}

	var metrics *executor.Metrics
	if reg != nil {
		metrics = executor.NewMetrics(reg)
	}
	return executor.NewSupervisor(launcher, exCfg, logger, metrics), cleanup, nil
}

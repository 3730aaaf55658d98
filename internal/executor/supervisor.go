package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Supervisor admits execution requests and drives one fresh Worker per
// request.
//
// REQUEST LIFECYCLE:
//
//	Pending  → admission (slot, queue, or rejection)
//	Running  → Launcher.NewWorker + Worker.Run
//	Finished → Completed | TimedOut | ResourceExceeded | Signaled | SpawnFailed
//	Reported → metrics + log, result returned
//
// The supervisor itself holds no per-request state; everything a request
// needs lives in its WorkerSpec and Worker.
type Supervisor struct {
	launcher Launcher
	config   Config
	logger   *slog.Logger
	metrics  *Metrics
	admit    *admission

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Stats is a point-in-time view of the supervisor's capacity and of the
// backend behind it.
type Stats struct {
	Backend        string     `json:"backend"`
	MaxConcurrency int        `json:"max_concurrency"`
	MaxQueue       int        `json:"max_queue"`
	Queued         int64      `json:"queued"`
	Reachable      bool       `json:"reachable"`
	Isolation      *Isolation `json:"isolation,omitempty"`
}

// NewSupervisor creates a Supervisor. metrics may be nil.
func NewSupervisor(launcher Launcher, cfg Config, logger *slog.Logger, metrics *Metrics) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		launcher: launcher,
		config:   cfg,
		logger:   logger.With(slog.String("component", "supervisor")),
		metrics:  metrics,
		admit:    newAdmission(cfg.MaxConcurrency, cfg.MaxQueue, cfg.QueueWait, metrics),
	}
}

// Config returns the effective policy (defaults applied).
func (s *Supervisor) Config() Config {
	return s.config
}

// Stats reports current capacity usage. Launchers that implement Pinger are
// asked whether their backend answers; the others are always reachable.
func (s *Supervisor) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:        s.launcher.Name(),
		MaxConcurrency: s.config.MaxConcurrency,
		MaxQueue:       s.config.MaxQueue,
		Queued:         s.admit.queueLen(),
		Reachable:      true,
	}
	if p, ok := s.launcher.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("sandbox backend unreachable", slog.String("error", err.Error()))
			st.Reachable = false
		}
	}
	if i, ok := s.launcher.(Isolator); ok {
		iso := i.Isolation()
		st.Isolation = &iso
	}
	return st
}

// Execute runs req and blocks until the worker has been reaped.
//
// Once admitted, Execute returns within the request timeout plus the grace
// period plus reaping time. Engine failures are returned as errors:
// ErrInvalidRequest, ErrQueueFull, ErrQueueTimeout, ErrClosed, and
// ErrSpawnFailed (which also comes with a spawn_failed result). Anything that
// goes wrong inside the executed code is reported in the result only.
func (s *Supervisor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return s.execute(ctx, req, xid.New().String())
}

func (s *Supervisor) execute(ctx context.Context, req ExecutionRequest, id string) (*ExecutionResult, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	spec, err := s.buildSpec(req, id)
	if err != nil {
		return nil, err
	}

	release, err := s.admit.acquire(ctx)
	if err != nil {
		s.logger.Warn("execution not admitted",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer release()

	s.metrics.inflight(1)
	defer s.metrics.inflight(-1)

	start := time.Now()
	res, err := s.run(ctx, spec)
	if res != nil && res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	s.metrics.observe(res)
	s.report(spec, res, err)
	return res, err
}

func (s *Supervisor) run(ctx context.Context, spec WorkerSpec) (*ExecutionResult, error) {
	worker, err := s.launcher.NewWorker(spec)
	if err != nil {
		return SpawnFailure(spec, err)
	}
	return worker.Run(ctx)
}

func (s *Supervisor) buildSpec(req ExecutionRequest, id string) (WorkerSpec, error) {
	timeout, err := s.config.ResolveTimeout(req.TimeoutMs)
	if err != nil {
		return WorkerSpec{}, err
	}
	runtime := req.Runtime
	if runtime == "" {
		runtime = DefaultRuntime
	}
	return WorkerSpec{
		ID:      id,
		Code:    req.Code,
		Runtime: runtime,
		Timeout: timeout,
		Grace:   s.config.GracePeriod,
		Limits:  s.config.ResolveLimits(req.Limits),
	}, nil
}

func (s *Supervisor) report(spec WorkerSpec, res *ExecutionResult, err error) {
	if err != nil {
		level := slog.LevelError
		if !errors.Is(err, ErrSpawnFailed) {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "execution failed",
			slog.String("id", spec.ID),
			slog.String("runtime", spec.Runtime),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("execution finished",
		slog.String("id", spec.ID),
		slog.String("runtime", spec.Runtime),
		slog.String("reason", string(res.Reason)),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("duration_ms", res.DurationMs),
		slog.Bool("truncated", res.Truncated),
	)
}

func (s *Supervisor) enter() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	return nil
}

// Close stops accepting requests and waits for in-flight executions, or for
// ctx to expire.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: waiting for in-flight executions: %w", ctx.Err())
	}
}

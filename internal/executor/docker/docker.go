// Package docker runs sandboxed code in a fresh Docker container per request.
//
// CONTAINER PER REQUEST:
// Every execution creates its own container and force-removes it afterwards.
// Containers are never reused, so no execution can see files, processes or
// memory left behind by another one.
//
// ISOLATION SETTINGS:
//   - NetworkMode "none"           → no network at all
//   - ReadonlyRootfs + tmpfs /tmp  → only a small scratch dir is writable
//   - User "nobody", CapDrop ALL, no-new-privileges
//   - Memory (= MemorySwap), NanoCPUs, PidsLimit, nofile/cpu/fsize ulimits
//
// The code travels over the attached stdin into /tmp/main.py; it is never
// part of the container's argv, so its size is bounded by the tmpfs and not
// by the kernel's per-argument limit.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/sakif/code-engine/internal/executor"
)

// cleanupTimeout bounds container removal. Removal uses a background context
// so a cancelled request still cleans up.
const cleanupTimeout = 10 * time.Second

// bootstrap stores stdin as the script, then runs it with stdin closed.
const bootstrap = `cat > /tmp/main.py && exec python -I -B -u /tmp/main.py </dev/null`

// Launcher implements executor.Launcher using Docker.
type Launcher struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

var (
	_ executor.Launcher = (*Launcher)(nil)
	_ executor.Pinger   = (*Launcher)(nil)
	_ executor.Isolator = (*Launcher)(nil)
)

// New creates a Docker Launcher and makes sure the image is available.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	d := DefaultConfig()
	if cfg.Image == "" {
		cfg.Image = d.Image
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = d.CPULimit
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = d.TmpfsSize
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = d.PullTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	l := &Launcher{
		cli:    cli,
		config: cfg,
		logger: logger.With(slog.String("component", "docker-launcher")),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PullTimeout)
	defer cancel()
	if err := l.ensureImage(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return l, nil
}

func (l *Launcher) ensureImage(ctx context.Context) error {
	if _, err := l.cli.ImageInspect(ctx, l.config.Image); err == nil {
		return nil
	}

	l.logger.Info("pulling docker image", slog.String("image", l.config.Image))
	reader, err := l.cli.ImagePull(ctx, l.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading image pull progress: %w", err)
	}
	l.logger.Info("docker image is ready", slog.String("image", l.config.Image))
	return nil
}

// Close releases the docker client.
func (l *Launcher) Close() error {
	return l.cli.Close()
}

// Name implements executor.Launcher.
func (l *Launcher) Name() string { return "docker" }

// NewWorker implements executor.Launcher. Only Python is available in the
// container image.
func (l *Launcher) NewWorker(spec executor.WorkerSpec) (executor.Worker, error) {
	switch strings.ToLower(spec.Runtime) {
	case "python", "python3", "py":
	default:
		return nil, fmt.Errorf("runtime %q is not available in the docker backend", spec.Runtime)
	}
	return &worker{launcher: l, spec: spec}, nil
}

type worker struct {
	launcher *Launcher
	spec     executor.WorkerSpec
	used     atomic.Bool
}

// Run creates, runs and removes one container.
func (w *worker) Run(ctx context.Context) (*executor.ExecutionResult, error) {
	if !w.used.CompareAndSwap(false, true) {
		return nil, executor.ErrWorkerConsumed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cli := w.launcher.cli
	spec := w.spec
	logger := w.launcher.logger.With(slog.String("id", spec.ID))

	// Docker calls that must complete regardless of the caller use bg.
	bg := context.Background()

	createCtx, cancelCreate := context.WithTimeout(bg, 30*time.Second)
	defer cancelCreate()

	resp, err := cli.ContainerCreate(createCtx, w.containerConfig(), w.hostConfig(), nil, nil, "code-exec-"+spec.ID)
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("ContainerCreate failed: %w", err))
	}
	containerID := resp.ID

	// Always ensure we clean up the container that we created
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(bg, cleanupTimeout)
		defer cancel()

		err := cli.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{
			Force: true,
		})
		if err != nil {
			logger.Error("failed to remove container", slog.String("container", containerID), slog.String("error", err.Error()))
		}
	}()

	attach, err := cli.ContainerAttach(createCtx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("ContainerAttach failed: %w", err))
	}
	defer attach.Close()

	stdout := executor.NewCaptureBuffer(spec.Limits.MaxOutputBytes)
	stderr := executor.NewCaptureBuffer(spec.Limits.MaxOutputBytes)
	copyDone := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		close(copyDone)
	}()

	if err := cli.ContainerStart(createCtx, containerID, container.StartOptions{}); err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("ContainerStart failed: %w", err))
	}
	start := time.Now()

	go func() {
		if _, err := io.Copy(attach.Conn, strings.NewReader(spec.Code)); err != nil {
			logger.Warn("failed to send code to container", slog.String("error", err.Error()))
		}
		if err := attach.CloseWrite(); err != nil {
			logger.Warn("failed to close container stdin", slog.String("error", err.Error()))
		}
	}()

	statusCh, errCh := cli.ContainerWait(bg, containerID, container.WaitConditionNotRunning)

	deadline := time.NewTimer(spec.Timeout)
	defer deadline.Stop()

	var (
		reason   executor.TerminatedReason
		signal   string
		exitCode int
	)

	wait := func() error {
		select {
		case st := <-statusCh:
			exitCode = int(st.StatusCode)
			return nil
		case err := <-errCh:
			return err
		}
	}

	select {
	case st := <-statusCh:
		exitCode = int(st.StatusCode)

	case err := <-errCh:
		return executor.SpawnFailure(spec, fmt.Errorf("ContainerWait failed: %w", err))

	case <-deadline.C:
		reason, signal = executor.ReasonTimedOut, "SIGTERM"
		// Docker sends SIGTERM, then SIGKILL after the timeout (whole seconds).
		graceSecs := int((spec.Grace + time.Second - 1) / time.Second)
		stopCtx, cancel := context.WithTimeout(bg, spec.Grace+cleanupTimeout)
		if err := cli.ContainerStop(stopCtx, containerID, container.StopOptions{Signal: "SIGTERM", Timeout: &graceSecs}); err != nil {
			logger.Warn("failed to stop container", slog.String("error", err.Error()))
			_ = cli.ContainerKill(stopCtx, containerID, "SIGKILL")
		}
		cancel()
		if err := wait(); err != nil {
			logger.Warn("waiting for stopped container", slog.String("error", err.Error()))
		}

	case <-ctx.Done():
		reason, signal = executor.ReasonSignaled, "SIGKILL"
		killCtx, cancel := context.WithTimeout(bg, cleanupTimeout)
		if err := cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
			logger.Warn("failed to kill container", slog.String("error", err.Error()))
		}
		cancel()
		if err := wait(); err != nil {
			logger.Warn("waiting for killed container", slog.String("error", err.Error()))
		}
	}
	duration := time.Since(start)

	select {
	case <-copyDone:
	case <-time.After(spec.Grace):
		logger.Warn("output stream did not close after container exit")
	}

	res := &executor.ExecutionResult{
		ID:         spec.ID,
		Runtime:    "python",
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
		Reason:     reason,
		Signal:     signal,
	}
	if res.Reason == "" {
		w.classify(res, containerID)
	}
	res.Normalize()
	return res, nil
}

// classify inspects a container that exited on its own. Memory is only
// reported when the kernel's OOM killer stopped the container; a MemoryError
// raised by the code is an ordinary failed run.
func (w *worker) classify(res *executor.ExecutionResult, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	info, err := w.launcher.cli.ContainerInspect(ctx, containerID)
	if err == nil && info.State != nil && info.State.OOMKilled {
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceMemory
		res.Signal = "SIGKILL"
		return
	}

	switch res.ExitCode {
	case 128 + 24: // SIGXCPU
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceCPUTime
		res.Signal = "SIGXCPU"
	case 128 + 25: // SIGXFSZ
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceFileSize
		res.Signal = "SIGXFSZ"
	default:
		if res.ExitCode > 128 {
			res.Reason = executor.ReasonSignaled
			res.Signal = fmt.Sprintf("signal %d", res.ExitCode-128)
			return
		}
		res.Reason = executor.ReasonCompleted
	}
}

func (w *worker) containerConfig() *container.Config {
	return &container.Config{
		Image:           w.launcher.config.Image,
		Cmd:             []string{"sh", "-c", bootstrap},
		User:            "nobody",
		WorkingDir:      "/tmp",
		Env:             []string{"HOME=/tmp", "TMPDIR=/tmp", "LANG=C.UTF-8"},
		NetworkDisabled: true,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		StopSignal:      "SIGTERM",
		Labels:          map[string]string{"code-engine.execution": w.spec.ID},
	}
}

func (w *worker) hostConfig() *container.HostConfig {
	l := w.spec.Limits
	pids := l.MaxProcesses
	cpuSecs := (l.MaxCPUTimeMs + 999) / 1000

	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=" + w.launcher.config.TmpfsSize + ",mode=1777"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Runtime:        w.launcher.config.OCIRuntime,
		AutoRemove:     false,
		Resources: container.Resources{
			Memory:     l.MaxMemoryBytes,
			MemorySwap: l.MaxMemoryBytes,
			NanoCPUs:   int64(w.launcher.config.CPULimit * 1e9),
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: l.MaxOpenFiles, Hard: l.MaxOpenFiles},
				{Name: "cpu", Soft: cpuSecs, Hard: cpuSecs},
				{Name: "fsize", Soft: l.MaxFileSize, Hard: l.MaxFileSize},
			},
		},
	}
}

// LogLimits logs the effective container limits once at start-up.
func (l *Launcher) LogLimits(limits executor.ResourceLimits) {
	l.logger.Info("docker launcher ready",
		slog.String("image", l.config.Image),
		slog.Float64("cpus", l.config.CPULimit),
		slog.String("memory", units.BytesSize(float64(limits.MaxMemoryBytes))),
		slog.String("oci_runtime", l.config.OCIRuntime),
	)
}

// Isolation implements executor.Isolator. Every container has its own
// namespaces, a read-only root and a pids cgroup.
func (l *Launcher) Isolation() executor.Isolation {
	return executor.Isolation{Namespaced: true, Filesystem: true, ProcessLimit: true}
}

// Ping implements executor.Pinger: it checks that the daemon answers.
func (l *Launcher) Ping(ctx context.Context) error {
	if _, err := l.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

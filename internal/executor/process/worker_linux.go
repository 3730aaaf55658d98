//go:build linux

package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sakif/code-engine/internal/executor"
)

const (
	// addressSpaceHeadroom multiplies the memory limit for RLIMIT_AS, which
	// only backstops the RSS watchdog: virtual size runs well ahead of RSS.
	addressSpaceHeadroom = 2
	cleanupTimeout       = 10 * time.Second
)

var errNoFreeUID = errors.New("no free sandbox uid")

// worker is a one-shot execution. It is created by Launcher.NewWorker and
// consumed by a single Run.
type worker struct {
	launcher    *Launcher
	spec        executor.WorkerSpec
	rt          runtimeSpec
	interpreter string
	used        atomic.Bool
}

func newWorker(l *Launcher, spec executor.WorkerSpec, rt runtimeSpec, interpreter string) executor.Worker {
	return &worker{launcher: l, spec: spec, rt: rt, interpreter: interpreter}
}

// outcome is what the supervising select decided before the exit status is
// inspected.
type outcome struct {
	reason   executor.TerminatedReason
	signal   string
	resource string
}

// Run executes the script and blocks until every process it started is gone.
//
// CLEANUP ORDER (deferred, runs on every path):
//  1. stop the watchdog
//  2. SIGKILL the whole process group (stragglers, double-forked children)
//  3. collect escaped descendants: orphans re-parented to the server, or
//     every process of the dedicated uid
//  4. remove the work directory and return the uid to the pool
func (w *worker) Run(ctx context.Context) (*executor.ExecutionResult, error) {
	if !w.used.CompareAndSwap(false, true) {
		return nil, executor.ErrWorkerConsumed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := w.launcher
	spec := w.spec
	logger := l.logger.With(slog.String("id", spec.ID))

	var (
		dir  string
		pgid int
		uid  int
	)
	defer func() { w.cleanup(logger, dir, pgid, uid) }()

	if l.uids != nil {
		select {
		case uid = <-l.uids:
		default:
			return executor.SpawnFailure(spec, errNoFreeUID)
		}
	}

	dir, err := os.MkdirTemp(l.config.WorkRoot, "code_exec_"+spec.ID+"_")
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("creating work dir: %w", err))
	}

	script := filepath.Join(dir, w.rt.File)
	if err := os.WriteFile(script, []byte(spec.Code), 0o600); err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("writing script: %w", err))
	}
	if uid > 0 {
		for _, path := range []string{dir, script} {
			if err := os.Chown(path, uid, uid); err != nil {
				return executor.SpawnFailure(spec, fmt.Errorf("handing work dir to uid %d: %w", uid, err))
			}
		}
	}

	policy := jailPolicy{
		WorkDir:  dir,
		ReadDirs: readDirsFor(w.interpreter, l.config.ReadOnlyPaths),
		Landlock: l.landlock,
		UID:      uid,
		GID:      uid,
		Argv:     append([]string{"/bin/sh"}, w.args(script)...),
		Env:      buildEnv(dir),
	}
	if l.processLimit && spec.Limits.MaxProcesses > 0 {
		// One over the ceiling, so the watchdog sees and reports the breach.
		policy.MaxProcesses = spec.Limits.MaxProcesses + 1
	}
	rawPolicy, err := json.Marshal(policy)
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("encoding jail policy: %w", err))
	}

	stdout := executor.NewCaptureBuffer(spec.Limits.MaxOutputBytes)
	stderr := executor.NewCaptureBuffer(spec.Limits.MaxOutputBytes)

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("creating status pipe: %w", err))
	}
	defer statusR.Close()

	cmd := exec.Command(l.self, jailArg, string(rawPolicy))
	cmd.Dir = dir
	cmd.Env = policy.Env
	cmd.Stdin = nil // /dev/null
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{statusW}
	cmd.SysProcAttr = sysProcAttr(l.namespaces, uid)
	// A grandchild that escaped the group may keep our pipes open; don't let
	// it hold Wait hostage.
	cmd.WaitDelay = spec.Grace

	start := time.Now()
	err = l.start(cmd)
	statusW.Close()
	if err != nil {
		return executor.SpawnFailure(spec, fmt.Errorf("starting %s: %w", w.rt.Name, err))
	}
	pgid = cmd.Process.Pid

	// EOF means the jail reached exec; anything else is why it did not.
	if msg, _ := io.ReadAll(statusR); len(msg) > 0 {
		_ = cmd.Wait()
		return executor.SpawnFailure(spec, fmt.Errorf("entering sandbox: %s", msg))
	}

	logger.Debug("worker started",
		slog.String("runtime", w.rt.Name),
		slog.Int("pid", pgid),
		slog.Int("uid", uid),
		slog.Duration("timeout", spec.Timeout),
	)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	violations := watchdog{
		pid:      int32(pgid),
		limits:   spec.Limits,
		interval: l.config.WatchInterval,
	}.run(watchCtx)

	// The deadline is our own monotonic timer, not the caller's context.
	deadline := time.NewTimer(spec.Timeout)
	defer deadline.Stop()

	var (
		out     outcome
		waitErr error
	)
	select {
	case waitErr = <-waitCh:

	case <-deadline.C:
		out = outcome{reason: executor.ReasonTimedOut, signal: "SIGTERM"}
		if escalated := w.terminate(pgid, waitCh, &waitErr); escalated {
			out.signal = "SIGKILL"
		}

	case <-ctx.Done():
		out = outcome{reason: executor.ReasonSignaled, signal: "SIGKILL"}
		_ = killGroup(pgid, syscall.SIGKILL)
		waitErr = <-waitCh

	case resource, ok := <-violations:
		if !ok {
			// Watchdog could not attach (process already gone); just wait.
			waitErr = <-waitCh
			break
		}
		out = outcome{reason: executor.ReasonResourceExceeded, signal: "SIGKILL", resource: resource}
		_ = killGroup(pgid, syscall.SIGKILL)
		waitErr = <-waitCh
	}
	duration := time.Since(start)

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			logger.Warn("wait failed", slog.String("error", waitErr.Error()))
		}
	}

	res := &executor.ExecutionResult{
		ID:         spec.ID,
		Runtime:    w.rt.Name,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		DurationMs: duration.Milliseconds(),
	}
	classify(res, out, cmd.ProcessState, spec.Limits)
	res.Normalize()
	return res, nil
}

// cleanup runs after the leader has been reaped (or never started). A uid
// whose processes could not all be killed is not returned to the pool.
func (w *worker) cleanup(logger *slog.Logger, dir string, pgid, uid int) {
	l := w.launcher
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if pgid > 0 {
		if err := killGroup(pgid, syscall.SIGKILL); err != nil {
			logger.Warn("failed to kill process group", slog.Int("pgid", pgid), slog.String("error", err.Error()))
		}
		if l.reaper != nil {
			l.reaper.done(pgid)
			if err := l.reaper.sweep(ctx); err != nil {
				logger.Warn("failed to collect orphans", slog.String("error", err.Error()))
			}
		}
	}
	reusable := true
	if uid > 0 {
		if err := killUser(ctx, uid); err != nil {
			logger.Error("retiring sandbox uid", slog.Int("uid", uid), slog.String("error", err.Error()))
			reusable = false
		}
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove work dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	if uid > 0 && reusable {
		l.uids <- uid
	}
}

// terminate sends SIGTERM to the group, waits up to the grace period, then
// SIGKILLs. It blocks until the leader is reaped and reports whether SIGKILL
// was needed.
func (w *worker) terminate(pgid int, waitCh <-chan error, waitErr *error) bool {
	// The init of a PID namespace ignores signals it has no handler for.
	if w.launcher.namespaces && !catchesSignal(pgid, syscall.SIGTERM) {
		_ = killGroup(pgid, syscall.SIGKILL)
		*waitErr = <-waitCh
		return true
	}
	_ = killGroup(pgid, syscall.SIGTERM)

	grace := time.NewTimer(w.spec.Grace)
	defer grace.Stop()

	select {
	case *waitErr = <-waitCh:
		return false
	case <-grace.C:
		_ = killGroup(pgid, syscall.SIGKILL)
		*waitErr = <-waitCh
		return true
	}
}

// args builds the sh wrapper that applies rlimits and then execs the
// interpreter. The script path and interpreter are passed as positional
// parameters, never interpolated into the shell text.
func (w *worker) args(script string) []string {
	l := w.spec.Limits

	var sb strings.Builder
	if w.rt.LimitAddressSpace && l.MaxMemoryBytes > 0 {
		fmt.Fprintf(&sb, "ulimit -v %d 2>/dev/null; ", addressSpaceHeadroom*l.MaxMemoryBytes/1024)
	}
	if l.MaxCPUTimeMs > 0 {
		secs := (l.MaxCPUTimeMs + 999) / 1000
		fmt.Fprintf(&sb, "ulimit -t %d 2>/dev/null; ", secs)
	}
	if l.MaxOpenFiles > 0 {
		fmt.Fprintf(&sb, "ulimit -n %d 2>/dev/null; ", l.MaxOpenFiles)
	}
	if l.MaxFileSize > 0 {
		// POSIX sh counts -f in 512-byte blocks.
		fmt.Fprintf(&sb, "ulimit -f %d 2>/dev/null; ", (l.MaxFileSize+511)/512)
	}
	sb.WriteString(`exec "$@"`)

	args := make([]string, 0, 4+len(w.rt.Args))
	args = append(args, "-c", sb.String(), "_", w.interpreter)
	args = append(args, w.rt.Args...)
	return append(args, script)
}

// buildEnv returns a minimal environment. Nothing from the server's own
// environment is inherited.
func buildEnv(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
}

// classify turns the supervising decision plus the exit status into a
// termination reason.
func classify(res *executor.ExecutionResult, out outcome, state *os.ProcessState, limits executor.ResourceLimits) {
	res.Reason = out.reason
	res.Signal = out.signal
	res.Resource = out.resource

	if state == nil {
		if res.Reason == "" {
			res.Reason = executor.ReasonSignaled
		}
		return
	}

	ws, _ := state.Sys().(syscall.WaitStatus)
	if ws.Signaled() {
		res.ExitCode = 128 + int(ws.Signal())
	} else {
		res.ExitCode = state.ExitCode()
	}

	if res.Reason != "" {
		// Timeout, cancellation or watchdog already decided.
		return
	}

	cpu := state.UserTime() + state.SystemTime()
	switch {
	case ws.Signaled() && ws.Signal() == unix.SIGXCPU,
		ws.Signaled() && ws.Signal() == unix.SIGKILL && limits.MaxCPUTimeMs > 0 && cpu >= limits.CPUTime():
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceCPUTime
		res.Signal = unix.SignalName(ws.Signal())
	case ws.Signaled() && ws.Signal() == unix.SIGXFSZ:
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceFileSize
		res.Signal = unix.SignalName(ws.Signal())
	case limits.MaxMemoryBytes > 0 && peakRSS(state) >= limits.MaxMemoryBytes:
		res.Reason = executor.ReasonResourceExceeded
		res.Resource = executor.ResourceMemory
		if ws.Signaled() {
			res.Signal = unix.SignalName(ws.Signal())
		}
	case ws.Signaled():
		res.Reason = executor.ReasonSignaled
		res.Signal = unix.SignalName(ws.Signal())
	default:
		res.Reason = executor.ReasonCompleted
	}
}

// peakRSS is the largest resident set of the leader or any descendant it
// reaped, in bytes.
func peakRSS(state *os.ProcessState) int64 {
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	return ru.Maxrss * 1024
}

// Package process runs sandboxed code as isolated local OS processes.
//
// Each request gets:
//   - a private temp directory (0700) that is its HOME, TMPDIR and cwd, removed afterwards;
//   - its own process group, SIGKILLed as a whole once the leader is reaped;
//   - an environment built from scratch (nothing inherited from the server);
//   - rlimits for address space, CPU time, open files and file size;
//   - an RSS / process-count watchdog over its process tree;
//   - a jail: the server binary re-executed to apply Landlock (only the work
//     dir is writable, system and interpreter paths are read-only) and a
//     seccomp deny-list before it execs the interpreter;
//   - when the server runs as root, a dedicated uid from a pool, with
//     RLIMIT_NPROC as a kernel-enforced process ceiling;
//   - when available, fresh user/PID/network/IPC/UTS namespaces (no network).
//
// The jail needs Init to run first in main.
package process

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sakif/code-engine/internal/executor"
)

// Namespace modes.
const (
	NamespacesAuto = "auto"
	NamespacesOn   = "on"
	NamespacesOff  = "off"
)

// Config configures the process backend.
type Config struct {
	// WorkRoot is where per-request directories are created. Empty = os.TempDir().
	WorkRoot string
	// Namespaces is one of auto, on, off.
	Namespaces string
	// WatchInterval is the watchdog sampling period.
	WatchInterval time.Duration
	// UIDBase and UIDCount define the pool of dedicated uids (gid = uid),
	// one per running worker, used when the server runs as root.
	UIDBase  int
	UIDCount int
	// ReadOnlyPaths are extra directories workers may read and execute from,
	// e.g. an interpreter installed outside /usr.
	ReadOnlyPaths []string
}

// DefaultConfig returns the default process backend configuration.
func DefaultConfig() Config {
	return Config{
		Namespaces:    NamespacesAuto,
		WatchInterval: 50 * time.Millisecond,
		UIDBase:       61000,
		UIDCount:      64,
	}
}

// Launcher creates process workers.
type Launcher struct {
	config       Config
	logger       *slog.Logger
	interpreters *interpreterCache
	namespaces   bool

	// self is the server binary, re-executed as the jail.
	self         string
	landlock     bool
	processLimit bool
	// uids is the free dedicated-uid pool; nil unless running as root.
	uids chan int
	// reaper is set when orphans are re-parented to the server.
	reaper *reaper
}

var (
	_ executor.Launcher = (*Launcher)(nil)
	_ executor.Isolator = (*Launcher)(nil)
)

// New creates a Launcher. With Namespaces=auto it checks once whether the
// host allows unprivileged namespaces and falls back to the jail alone if
// not; with Namespaces=on that check failing is an error.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	d := DefaultConfig()
	if cfg.Namespaces == "" {
		cfg.Namespaces = d.Namespaces
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = d.WatchInterval
	}
	if cfg.UIDBase <= 0 {
		cfg.UIDBase = d.UIDBase
	}
	if cfg.UIDCount < 0 {
		cfg.UIDCount = 0
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("process: creating work root: %w", err)
	}

	l := &Launcher{
		config:       cfg,
		logger:       logger.With(slog.String("component", "process-launcher")),
		interpreters: newInterpreterCache(),
	}

	switch strings.ToLower(cfg.Namespaces) {
	case NamespacesOff:
	case NamespacesOn:
		if err := checkNamespaces(); err != nil {
			return nil, fmt.Errorf("process: namespaces required but unavailable: %w", err)
		}
		l.namespaces = true
	case NamespacesAuto:
		if err := checkNamespaces(); err != nil {
			l.logger.Warn("namespaces unavailable, falling back to process-group isolation",
				slog.String("error", err.Error()),
			)
		} else {
			l.namespaces = true
		}
	default:
		return nil, fmt.Errorf("process: invalid namespaces mode %q", cfg.Namespaces)
	}

	if err := l.setupIsolation(); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	iso := l.Isolation()
	if !iso.Filesystem && !iso.DedicatedUser {
		l.logger.Warn("no filesystem isolation: Landlock unavailable and not running as root")
	}
	l.logger.Info("process launcher ready",
		slog.String("work_root", cfg.WorkRoot),
		slog.Bool("namespaces", iso.Namespaced),
		slog.Bool("landlock", iso.Filesystem),
		slog.Bool("dedicated_user", iso.DedicatedUser),
		slog.Bool("process_limit", iso.ProcessLimit),
	)
	return l, nil
}

// Name implements executor.Launcher.
func (l *Launcher) Name() string { return "process" }

// Isolation implements executor.Isolator.
func (l *Launcher) Isolation() executor.Isolation {
	return executor.Isolation{
		Namespaced:    l.namespaces,
		Filesystem:    l.landlock,
		DedicatedUser: l.uids != nil,
		ProcessLimit:  l.processLimit,
	}
}

// NewWorker implements executor.Launcher. It fails if the runtime is unknown
// or its interpreter is not installed; the supervisor reports that as
// spawn_failed.
func (l *Launcher) NewWorker(spec executor.WorkerSpec) (executor.Worker, error) {
	rt, err := lookupRuntime(spec.Runtime)
	if err != nil {
		return nil, err
	}
	path, err := l.interpreters.resolve(rt.Binary)
	if err != nil {
		return nil, err
	}
	return newWorker(l, spec, rt, path), nil
}

//go:build linux

package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	llsyscall "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"
)

// jailArg in argv[1] marks a re-executed server binary as a jail entry point.
const jailArg = "code-engine-jail"

// jailStatusFD is the write end of the status pipe in the jail. It is closed
// on exec, so the supervisor reads EOF once the interpreter is running and an
// error message if the jail gave up before that.
const jailStatusFD = 3

// jailPolicy is handed to the jail as argv[2].
type jailPolicy struct {
	WorkDir  string   `json:"work_dir"`
	ReadDirs []string `json:"read_dirs"`
	// Landlock restricts the filesystem to WorkDir, ReadDirs and a few
	// device and /etc files.
	Landlock bool `json:"landlock"`
	// UID and GID > 0 switch to a dedicated user, with no supplementary
	// groups, before exec.
	UID int `json:"uid,omitempty"`
	GID int `json:"gid,omitempty"`
	// MaxProcesses > 0 sets RLIMIT_NPROC.
	MaxProcesses int64    `json:"max_processes,omitempty"`
	Argv         []string `json:"argv"`
	Env          []string `json:"env"`
}

// deniedSyscalls fail with EPERM inside the jail.
var deniedSyscalls = []string{
	"acct", "add_key", "bpf", "chroot", "delete_module", "finit_module",
	"init_module", "kexec_load", "keyctl", "mount", "perf_event_open",
	"pivot_root", "process_vm_readv", "process_vm_writev", "ptrace",
	"reboot", "request_key", "setns", "swapoff", "swapon", "umount2",
	"unshare", "userfaultfd",
}

// Single files granted inside an otherwise closed filesystem.
var (
	jailReadFiles = []string{
		"/dev/random", "/dev/urandom", "/dev/zero",
		"/etc/group", "/etc/ld.so.cache", "/etc/localtime", "/etc/mime.types",
		"/etc/nsswitch.conf", "/etc/passwd",
	}
	jailWriteFiles = []string{"/dev/null"}
)

// systemReadDirs are granted read and execute on top of the interpreter's
// own prefix.
var systemReadDirs = []string{
	"/bin", "/lib", "/lib32", "/lib64", "/libx32", "/sbin", "/usr",
	"/proc", "/etc/alternatives", "/etc/ssl", "/etc/ca-certificates",
}

// Init turns the process into a jail when it was started as one and never
// returns in that case. It must run first in main, and in TestMain of
// packages that launch workers.
func Init() {
	if len(os.Args) < 3 || os.Args[1] != jailArg {
		return
	}
	err := enterJail(os.Args[2])
	status := os.NewFile(jailStatusFD, "jail-status")
	fmt.Fprint(status, err)
	os.Exit(126)
}

// enterJail applies the policy and execs the interpreter. It only returns on
// failure.
func enterJail(raw string) error {
	syscall.CloseOnExec(jailStatusFD)

	var p jailPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decoding jail policy: %w", err)
	}
	if len(p.Argv) == 0 {
		return errors.New("jail policy has no command")
	}
	runtime.LockOSThread()

	if p.Landlock {
		if err := restrictFilesystem(p); err != nil {
			return fmt.Errorf("landlock: %w", err)
		}
	}
	if seccomp.Supported() {
		if err := loadSyscallFilter(); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
	}
	if p.UID > 0 {
		if err := syscall.Setgroups(nil); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := syscall.Setgid(p.GID); err != nil {
			return fmt.Errorf("setgid %d: %w", p.GID, err)
		}
		if err := syscall.Setuid(p.UID); err != nil {
			return fmt.Errorf("setuid %d: %w", p.UID, err)
		}
		// A credential change clears the parent-death signal.
		if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
			return fmt.Errorf("pdeathsig: %w", err)
		}
	}
	if p.MaxProcesses > 0 {
		lim := &unix.Rlimit{Cur: uint64(p.MaxProcesses), Max: uint64(p.MaxProcesses)}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, lim); err != nil {
			return fmt.Errorf("rlimit nproc: %w", err)
		}
	}
	return unix.Exec(p.Argv[0], p.Argv, p.Env)
}

func restrictFilesystem(p jailPolicy) error {
	return landlock.V5.BestEffort().RestrictPaths(
		landlock.RWDirs(p.WorkDir),
		landlock.RODirs(p.ReadDirs...).IgnoreIfMissing(),
		landlock.ROFiles(jailReadFiles...).IgnoreIfMissing(),
		landlock.RWFiles(jailWriteFiles...).IgnoreIfMissing(),
	)
}

func loadSyscallFilter() error {
	return seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionErrno,
				Names:  deniedSyscalls,
			}},
		},
	})
}

// landlockABI returns the kernel's Landlock ABI version, 0 when unavailable.
func landlockABI() int {
	v, err := llsyscall.LandlockGetABIVersion()
	if err != nil {
		return 0
	}
	return v
}

// readDirsFor lists the read-only directories for an interpreter: the system
// set, the interpreter's install prefix, per-version /etc/python3.* config
// and extra.
func readDirsFor(interpreter string, extra []string) []string {
	dirs := append([]string{}, systemReadDirs...)
	if real, err := filepath.EvalSymlinks(interpreter); err == nil {
		if prefix := filepath.Dir(filepath.Dir(real)); prefix != "/" {
			dirs = append(dirs, prefix)
		}
	}
	if matches, err := filepath.Glob("/etc/python3*"); err == nil {
		dirs = append(dirs, matches...)
	}
	return append(dirs, extra...)
}

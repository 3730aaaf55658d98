//go:build linux

package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the worker in its own process group and makes the kernel
// kill it if the supervisor dies. With namespaces it also gets fresh
// user/PID/network/IPC/UTS namespaces: no network interfaces besides a down
// loopback, and every process in the PID namespace dies with its init.
//
// uid > 0 is a dedicated pool uid the jail switches to. Root stays mapped so
// the jail keeps the capabilities it needs for that switch; the interpreter
// never runs as it.
func sysProcAttr(namespaces bool, uid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !namespaces {
		return attr
	}
	attr.Cloneflags = unix.CLONE_NEWUSER |
		unix.CLONE_NEWPID |
		unix.CLONE_NEWNET |
		unix.CLONE_NEWIPC |
		unix.CLONE_NEWUTS
	if uid > 0 {
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: 0, Size: 1},
			{ContainerID: uid, HostID: uid, Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: 0, Size: 1},
			{ContainerID: uid, HostID: uid, Size: 1},
		}
		attr.GidMappingsEnableSetgroups = true
		return attr
	}
	self, group := os.Getuid(), os.Getgid()
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: self, HostID: self, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: group, HostID: group, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

// checkNamespaces reports whether this host lets us create the namespaces
// sysProcAttr asks for.
func checkNamespaces() error {
	sh, err := exec.LookPath("sh")
	if err != nil {
		return err
	}
	cmd := exec.Command(sh, "-c", "exit 0")
	cmd.Env = []string{}
	cmd.SysProcAttr = sysProcAttr(true, 0)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("creating namespaces: %w", err)
	}
	return nil
}

// setupIsolation decides which jail features this host supports. Running as
// root enables the dedicated-uid pool; without it and without namespaces the
// server becomes a child subreaper so escaped descendants can be collected.
func (l *Launcher) setupIsolation() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating server binary: %w", err)
	}
	l.self = self
	l.landlock = landlockABI() > 0

	if os.Geteuid() == 0 && l.config.UIDCount > 0 {
		info, err := os.Stat(l.config.WorkRoot)
		if err != nil {
			return fmt.Errorf("work root: %w", err)
		}
		if info.Mode().Perm()&0o001 == 0 {
			return fmt.Errorf("work root %s must be searchable by other users (o+x) when workers run as dedicated users", l.config.WorkRoot)
		}
		l.uids = make(chan int, l.config.UIDCount)
		for i := 0; i < l.config.UIDCount; i++ {
			l.uids <- l.config.UIDBase + i
		}
	}

	// Per-namespace NPROC accounting arrived in 5.14; before that the count
	// is shared with every process of the server's uid.
	l.processLimit = l.uids != nil || (l.namespaces && kernelAtLeast(5, 14))

	if !l.namespaces && l.uids == nil {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("becoming child subreaper: %w", err)
		}
		l.reaper = newReaper()
	}
	return nil
}

// start launches cmd, registering its leader with the reaper when there is
// one so a concurrent sweep never takes it for an orphan.
func (l *Launcher) start(cmd *exec.Cmd) error {
	if l.reaper == nil {
		return cmd.Start()
	}
	return l.reaper.start(cmd)
}

// killGroup signals every process in the group led by pgid. ESRCH (group
// already gone) is not an error.
func killGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// kernelAtLeast compares the running kernel's release with major.minor.
func kernelAtLeast(major, minor int) bool {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return false
	}
	var gotMajor, gotMinor int
	if _, err := fmt.Sscanf(unix.ByteSliceToString(u.Release[:]), "%d.%d", &gotMajor, &gotMinor); err != nil {
		return false
	}
	return gotMajor > major || (gotMajor == major && gotMinor >= minor)
}

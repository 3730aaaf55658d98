//go:build linux

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const (
	sweepPasses = 50
	sweepPause  = 5 * time.Millisecond
)

// reaper collects descendants that escaped their process group. It is only
// used when the server is a child subreaper, so every orphan of a worker is
// re-parented to us.
type reaper struct {
	mu      sync.Mutex
	leaders map[int]struct{}
}

func newReaper() *reaper {
	return &reaper{leaders: make(map[int]struct{})}
}

func (r *reaper) start(cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.leaders[cmd.Process.Pid] = struct{}{}
	return nil
}

// done forgets a leader once exec.Cmd.Wait has reaped it.
func (r *reaper) done(pid int) {
	r.mu.Lock()
	delete(r.leaders, pid)
	r.mu.Unlock()
}

// sweep SIGKILLs and reaps every child of the server that is not a running
// worker's leader, until none is left.
func (r *reaper) sweep(ctx context.Context) error {
	self := int32(os.Getpid())
	server, err := ps.NewProcessWithContext(ctx, self)
	if err != nil {
		return err
	}
	for range sweepPasses {
		children, _ := server.ChildrenWithContext(ctx)
		if r.collect(ctx, self, children) == 0 {
			return nil
		}
		time.Sleep(sweepPause)
	}
	return fmt.Errorf("orphans survived %d sweeps", sweepPasses)
}

func (r *reaper) collect(ctx context.Context, self int32, children []*ps.Process) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range children {
		pid := int(c.Pid)
		if _, ok := r.leaders[pid]; ok {
			continue
		}
		// The pid may have been reaped and reused since the listing.
		fresh, err := ps.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		if ppid, err := fresh.PpidWithContext(ctx); err != nil || ppid != self {
			continue
		}
		n++
		_ = unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	}
	return n
}

// killUser SIGKILLs every live process whose real uid is uid, until none is
// left. Zombies are skipped; their parent or init reaps them.
func killUser(ctx context.Context, uid int) error {
	for range sweepPasses {
		procs, err := ps.ProcessesWithContext(ctx)
		if err != nil {
			return err
		}
		live := 0
		for _, p := range procs {
			uids, err := p.UidsWithContext(ctx)
			if err != nil || len(uids) == 0 || uids[0] != uint32(uid) {
				continue
			}
			if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 && status[0] == ps.Zombie {
				continue
			}
			live++
			_ = unix.Kill(int(p.Pid), unix.SIGKILL)
		}
		if live == 0 {
			return nil
		}
		time.Sleep(sweepPause)
	}
	return fmt.Errorf("processes of uid %d survived %d sweeps", uid, sweepPasses)
}

// catchesSignal reports whether pid has a handler installed for sig, from
// the SigCgt mask in /proc/<pid>/status.
func catchesSignal(pid int, sig syscall.Signal) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		v, ok := strings.CutPrefix(line, "SigCgt:")
		if !ok {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
		return err == nil && mask&(1<<(uint(sig)-1)) != 0
	}
	return false
}

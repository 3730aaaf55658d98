package process

import (
	"context"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"

	"github.com/sakif/code-engine/internal/executor"
)

// watchdog samples a worker's process tree and reports the first ceiling it
// breaks: total RSS above MaxMemoryBytes or more than MaxProcesses live
// processes. rlimits cover address space and CPU per process; the watchdog
// covers what rlimits cannot express for a whole tree.
type watchdog struct {
	pid      int32
	limits   executor.ResourceLimits
	interval time.Duration
}

// run reports a violated resource name on the returned channel at most once.
// It stops when ctx is done.
func (w watchdog) run(ctx context.Context) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)

		root, err := ps.NewProcessWithContext(ctx, w.pid)
		if err != nil {
			return
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			if resource := w.check(ctx, root); resource != "" {
				out <- resource
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (w watchdog) check(ctx context.Context, root *ps.Process) string {
	limit := 1 << 16
	if w.limits.MaxProcesses > 0 {
		limit = int(w.limits.MaxProcesses) + 1
	}
	tree := collectTree(ctx, root, limit)
	if w.limits.MaxProcesses > 0 && int64(len(tree)) > w.limits.MaxProcesses {
		return executor.ResourceProcesses
	}

	if w.limits.MaxMemoryBytes <= 0 {
		return ""
	}
	var rss uint64
	for _, p := range tree {
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue // exited between listing and sampling
		}
		rss += mem.RSS
	}
	if rss > uint64(w.limits.MaxMemoryBytes) {
		return executor.ResourceMemory
	}
	return ""
}

// collectTree walks root and its descendants breadth-first, stopping once
// more than limit processes were seen.
func collectTree(ctx context.Context, root *ps.Process, limit int) []*ps.Process {
	tree := []*ps.Process{root}
	for i := 0; i < len(tree) && len(tree) <= limit; i++ {
		children, err := tree[i].ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		tree = append(tree, children...)
	}
	return tree
}

package process

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// runtimeSpec describes how to launch one interpreter on a script file.
type runtimeSpec struct {
	Name   string
	Binary string
	Args   []string
	File   string
	// LimitAddressSpace applies RLIMIT_AS. Runtimes that reserve large
	// virtual ranges up front (V8) rely on the RSS watchdog instead.
	LimitAddressSpace bool
}

var runtimes = map[string]runtimeSpec{
	"python": {
		Name:              "python",
		Binary:            "python3",
		Args:              []string{"-I", "-B", "-u"},
		File:              "main.py",
		LimitAddressSpace: true,
	},
	"bash": {
		Name:              "bash",
		Binary:            "bash",
		Args:              []string{"--noprofile", "--norc"},
		File:              "main.sh",
		LimitAddressSpace: true,
	},
	"sh": {
		Name:              "sh",
		Binary:            "sh",
		File:              "main.sh",
		LimitAddressSpace: true,
	},
	"node": {
		Name:   "node",
		Binary: "node",
		File:   "main.js",
	},
}

var runtimeAliases = map[string]string{
	"python3":    "python",
	"py":         "python",
	"javascript": "node",
	"js":         "node",
	"shell":      "sh",
}

// lookupRuntime resolves a runtime name or alias.
func lookupRuntime(name string) (runtimeSpec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := runtimeAliases[key]; ok {
		key = alias
	}
	rt, ok := runtimes[key]
	if !ok {
		return runtimeSpec{}, fmt.Errorf("unknown runtime %q (supported: %s)", name, strings.Join(Runtimes(), ", "))
	}
	return rt, nil
}

// Runtimes lists the supported runtime names.
func Runtimes() []string {
	names := make([]string, 0, len(runtimes))
	for name := range runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// interpreterCache caches resolved interpreter paths.
type interpreterCache struct {
	mu    sync.RWMutex
	paths map[string]string
}

func newInterpreterCache() *interpreterCache {
	return &interpreterCache{paths: make(map[string]string)}
}

func (c *interpreterCache) resolve(binary string) (string, error) {
	c.mu.RLock()
	if path, ok := c.paths[binary]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("interpreter %q not found in PATH: %w", binary, err)
	}

	c.mu.Lock()
	c.paths[binary] = path
	c.mu.Unlock()
	return path, nil
}

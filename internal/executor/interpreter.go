package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ValidShells is the allowlist of shells known to take a command string via -c.
var ValidShells = []string{"sh", "bash", "dash", "zsh"}

// ShellCache caches resolved shell paths to avoid repeated lookups.
type ShellCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewShellCache creates a new shell path cache.
func NewShellCache() *ShellCache {
	return &ShellCache{
		cache: make(map[string]string),
	}
}

// Resolve checks that shell is allowlisted and present, and returns its absolute path.
// shell may be a bare name ("bash"), resolved through $PATH, or an absolute path.
func (c *ShellCache) Resolve(shell string) (string, error) {
	if !isValidShell(filepath.Base(shell)) || shell == "" {
		return "", fmt.Errorf("invalid shell: %q (allowed: sh, bash, dash, zsh)", shell)
	}

	c.mu.RLock()
	if path, ok := c.cache[shell]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	var path string
	if filepath.IsAbs(shell) {
		info, err := os.Stat(shell)
		if err != nil {
			return "", fmt.Errorf("shell %s not found: %w", shell, err)
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return "", fmt.Errorf("shell %s is not executable", shell)
		}
		path = shell
	} else {
		found, err := exec.LookPath(shell)
		if err != nil {
			return "", fmt.Errorf("shell '%s' not found in PATH: %w", shell, err)
		}
		path = found
	}

	c.mu.Lock()
	c.cache[shell] = path
	c.mu.Unlock()

	return path, nil
}

func isValidShell(name string) bool {
	for _, valid := range ValidShells {
		if name == valid {
			return true
		}
	}
	return false
}

var globalCache = NewShellCache()

// ResolveShell resolves shell through a process-wide cache. The server calls it
// once at startup.
func ResolveShell(shell string) (string, error) {
	return globalCache.Resolve(shell)
}

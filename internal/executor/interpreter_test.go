// interpreter_test.go tests shell verification logic.
// It validates allowlist enforcement, PATH lookup, absolute paths, caching, and thread safety.
package executor

import (
	"strings"
	"sync"
	"testing"
)

func TestResolveShell_BareSh(t *testing.T) {
	// sh should exist on any POSIX system
	path, err := ResolveShell("sh")
	if err != nil {
		t.Fatalf("expected sh to be found, got error: %v", err)
	}
	if !strings.HasSuffix(path, "sh") {
		t.Errorf("expected path ending in sh, got: %s", path)
	}
}

func TestResolveShell_AbsolutePath(t *testing.T) {
	path, err := ResolveShell(DefaultShell)
	if err != nil {
		t.Fatalf("expected %s to resolve, got error: %v", DefaultShell, err)
	}
	if path != DefaultShell {
		t.Errorf("expected absolute path to be returned unchanged, got: %s", path)
	}
}

func TestResolveShell_MissingAbsolutePath(t *testing.T) {
	_, err := NewShellCache().Resolve("/nonexistent/bin/bash")
	if err == nil {
		t.Fatal("expected error for missing shell")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' error, got: %v", err)
	}
}

func TestResolveShell_InvalidShell(t *testing.T) {
	for _, shell := range []string{"python", "/usr/bin/python3", "", "BASH"} {
		_, err := ResolveShell(shell)
		if err == nil {
			t.Fatalf("expected error for shell %q", shell)
		}
		if !strings.Contains(err.Error(), "invalid shell") {
			t.Errorf("expected 'invalid shell' error for %q, got: %v", shell, err)
		}
	}
}

func TestShellCache_Caching(t *testing.T) {
	cache := NewShellCache()

	path1, err := cache.Resolve("sh")
	if err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	path2, err := cache.Resolve("sh")
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if path1 != path2 {
		t.Errorf("cache returned different path: %s vs %s", path1, path2)
	}
	if len(cache.cache) != 1 {
		t.Errorf("expected one cache entry, got %d", len(cache.cache))
	}
}

func TestShellCache_Concurrent(t *testing.T) {
	cache := NewShellCache()

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve("sh"); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent access error: %v", err)
	}
}

func TestIsValidShell(t *testing.T) {
	tests := []struct {
		shell string
		want  bool
	}{
		{"sh", true},
		{"bash", true},
		{"dash", true},
		{"zsh", true},
		{"fish", false},
		{"python", false},
		{"", false},
		{"Bash", false}, // case sensitive
		{"sh ", false},  // no trailing space normalization
	}

	for _, tt := range tests {
		got := isValidShell(tt.shell)
		if got != tt.want {
			t.Errorf("isValidShell(%q) = %v, want %v", tt.shell, got, tt.want)
		}
	}
}

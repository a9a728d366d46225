package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// candidatePaths are the conventional install locations for the claude CLI,
// tried in order before falling back to a login shell lookup.
var candidatePaths = []string{
	"~/.claude/local/claude",
	"/usr/local/bin/claude",
	"/opt/homebrew/bin/claude",
	"~/.local/bin/claude",
	"~/bin/claude",
	"~/.npm-global/bin/claude",
}

var resolveOnce sync.Once
var resolvedPath string
var resolveErr error

// resolveBinary locates the claude CLI. The first successful resolution is
// cached for the life of the process.
func resolveBinary() (string, error) {
	resolveOnce.Do(func() {
		resolvedPath, resolveErr = probe()
	})
	return resolvedPath, resolveErr
}

func probe() (string, error) {
	home, _ := os.UserHomeDir()
	for _, p := range candidatePaths {
		if strings.HasPrefix(p, "~/") {
			if home == "" {
				continue
			}
			p = filepath.Join(home, p[2:])
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	// Login shell picks up PATH entries from the user's profile that this
	// daemon does not inherit.
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	out, err := exec.Command(shell, "-l", "-c", "command -v claude").Output()
	if err == nil {
		if p := strings.TrimSpace(string(out)); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("claude binary not found in known locations or PATH")
}

package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directory and file names that must never be watched, regardless of where
// they sit in the path.
var sensitiveNames = map[string]struct{}{
	".ssh":    {},
	".gnupg":  {},
	".aws":    {},
	".kube":   {},
	".docker": {},
	".env":    {},
}

// ValidatePath enforces the watch path policy: absolute, symlinks resolved,
// inside the user's home or /tmp, and free of credential-store components.
// Returns the resolved path to persist.
func ValidatePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("watch path must be absolute: %s", path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		// Watches may be created ahead of the path; validate the literal.
		resolved = filepath.Clean(path)
	} else if err != nil {
		return "", fmt.Errorf("resolve watch path: %w", err)
	}

	home, _ := os.UserHomeDir()
	inHome := home != "" && within(resolved, home)
	if !inHome && !within(resolved, "/tmp") {
		return "", fmt.Errorf("watch path must be under the home directory or /tmp: %s", resolved)
	}

	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		lower := strings.ToLower(part)
		if _, bad := sensitiveNames[lower]; bad {
			return "", fmt.Errorf("watch path contains a sensitive component %q", part)
		}
		if strings.HasPrefix(lower, ".env.") {
			return "", fmt.Errorf("watch path contains a sensitive component %q", part)
		}
		if strings.Contains(lower, "credentials") || strings.Contains(lower, "id_rsa") {
			return "", fmt.Errorf("watch path contains a sensitive component %q", part)
		}
	}
	return resolved, nil
}

func within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/executor"
)

const maxFilenameStem = 50

// writeResultFile persists a run's output as a markdown file in resultsDir,
// creating the directory on demand. Returns the file path.
func writeResultFile(resultsDir, taskName string, res executor.Result) (string, error) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return "", fmt.Errorf("results dir: %w", err)
	}

	now := time.Now()
	stamp := strings.ReplaceAll(now.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	name := sanitizeFilename(taskName) + "-" + stamp + ".md"
	path := filepath.Join(resultsDir, name)

	status := "Success"
	switch {
	case res.TimedOut:
		status = "Timed Out"
	case res.ExitCode != 0:
		status = fmt.Sprintf("Failed (exit %d)", res.ExitCode)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", taskName)
	fmt.Fprintf(&b, "**Date:** %s\n", now.Format("Mon, 02 Jan 2006 15:04:05 MST"))
	fmt.Fprintf(&b, "**Duration:** %.1fs\n", res.Duration.Seconds())
	fmt.Fprintf(&b, "**Status:** %s\n\n", status)
	b.WriteString("---\n\n")
	b.WriteString(res.Stdout)
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write result file: %w", err)
	}
	return path, nil
}

// sanitizeFilename keeps letters, digits, dash and underscore; everything
// else becomes a dash. Capped at maxFilenameStem characters.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= maxFilenameStem {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}

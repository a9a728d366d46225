// Package executor invokes the external AI CLI for a composed prompt and
// turns its stream-json output into typed progress and console events. It is
// the only component that spawns child processes; everything above consumes
// an Invocation and never sees exec details.
package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const killGrace = 5 * time.Second

// Executor spawns claude CLI processes. Zero value is ready to use.
type Executor struct{}

func New() *Executor {
	return &Executor{}
}

// Run starts one CLI invocation. It never returns an error: resolution and
// spawn failures become a finished Invocation carrying a failed Result with
// exit code 1 and the cause in Stderr.
func (e *Executor) Run(ctx context.Context, prompt string, opts Options) *Invocation {
	bin, err := resolveBinary()
	if err != nil {
		return Completed(Result{ExitCode: 1, Stderr: err.Error()})
	}

	progress := make(chan ProgressUpdate, 16)
	console := make(chan ConsoleEvent, 64)
	inv := &Invocation{Progress: progress, Console: console, done: make(chan struct{})}

	go func() {
		defer close(inv.done)
		inv.result = supervise(ctx, bin, prompt, opts, progress, console)
	}()
	return inv
}

// supervise runs the child to completion, feeding its stdout through the
// stream parser. It owns closing the progress and console channels.
func supervise(ctx context.Context, bin, prompt string, opts Options,
	progress chan ProgressUpdate, console chan ConsoleEvent) Result {

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.CommandContext(runCtx, bin, args...)
	// Stdin stays closed (/dev/null); the CLI must never wait for input.
	cmd.Stdin = nil
	cmd.Env = scrubEnv(os.Environ())
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		close(progress)
		close(console)
		return Result{ExitCode: 1, Stderr: "stdout pipe: " + err.Error()}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		close(progress)
		close(console)
		return Result{ExitCode: 1, Stderr: "spawn: " + err.Error(), Duration: time.Since(start)}
	}
	slog.Debug("executor: spawned", "pid", cmd.Process.Pid, "timeout", timeout,
		"resume", opts.ResumeSessionID != "", "model", opts.Model)

	p := newParser(progress, console)
	var raw strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			raw.Write(buf[:n])
			p.Feed(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	p.Finish()
	close(progress)
	close(console)

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
			if stderr.Len() == 0 {
				stderr.WriteString(waitErr.Error())
			}
		}
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if timedOut && exitCode == 0 {
		exitCode = 1
	}

	// The stream's result text is canonical when present; raw stdout is the
	// stream-json transcript and only useful as a fallback.
	out := raw.String()
	if p.hasResult {
		out = p.resultText
	}

	return Result{
		Stdout:    out,
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  duration,
		TimedOut:  timedOut,
		SessionID: p.sessionID,
	}
}

// scrubEnv drops ELECTRON_RUN_AS_NODE, which makes the CLI's node wrapper
// misbehave when the daemon itself was launched from an electron parent.
func scrubEnv(env []string) []string {
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "ELECTRON_RUN_AS_NODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

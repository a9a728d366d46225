package executor

import "time"

// DefaultTimeout bounds a single CLI invocation unless the task overrides it.
const DefaultTimeout = 30 * time.Minute

// Console event types, mirrored into console_logs rows by the runner.
const (
	EventToolCall      = "tool_call"
	EventAssistantText = "assistant_text"
	EventToolResult    = "tool_result"
	EventResult        = "result"
	EventError         = "error"
)

// Options tune one invocation.
type Options struct {
	Timeout         time.Duration // zero means DefaultTimeout
	ResumeSessionID string
	SystemPrompt    string
	Model           string
}

// Result is the final outcome of an invocation. Stdout carries the canonical
// result text when the stream produced one, raw stdout otherwise.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	SessionID string
}

// ProgressUpdate is a lossy, human-readable execution milestone. A nil
// Fraction means indeterminate.
type ProgressUpdate struct {
	Fraction  *float64
	Message   string
	IsToolUse bool
}

// ConsoleEvent is one parsed block of CLI output.
type ConsoleEvent struct {
	Type    string
	Content string
}

// Invocation is a running CLI call. Progress and Console are closed when the
// stream ends; Wait blocks until the process has exited and returns the
// outcome. Callers must drain both channels.
type Invocation struct {
	Progress <-chan ProgressUpdate
	Console  <-chan ConsoleEvent

	done   chan struct{}
	result Result
}

// Wait blocks until the invocation finishes and returns its result.
func (inv *Invocation) Wait() Result {
	<-inv.done
	return inv.result
}

// Completed builds an already-finished invocation with empty streams. Used
// for synthetic failures and by fakes in tests.
func Completed(res Result) *Invocation {
	return Finished(res, nil, nil)
}

// Finished builds a finished invocation whose streams replay the given
// updates and events. Used by fakes in tests.
func Finished(res Result, updates []ProgressUpdate, events []ConsoleEvent) *Invocation {
	progress := make(chan ProgressUpdate, len(updates))
	for _, u := range updates {
		progress <- u
	}
	close(progress)

	console := make(chan ConsoleEvent, len(events))
	for _, e := range events {
		console <- e
	}
	close(console)

	done := make(chan struct{})
	close(done)
	return &Invocation{Progress: progress, Console: console, done: done, result: res}
}

// Package runner executes one task end-to-end: lock acquisition, prompt
// composition from memory, CLI supervision, result persistence and memory
// write-back. It is the translating boundary of the system: everything
// below it (executor, memory writes) is coerced into a structured Outcome,
// everything above (scheduler, HTTP) consumes that Outcome.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/daymon/internal/executor"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

// sessionRotationThreshold is the number of runs a session may accumulate
// before the runner deliberately starts a fresh one.
const sessionRotationThreshold = 20

const (
	memoryKeepObservations = 10
	maxObservationChars    = 2000
)

// Invoker abstracts the AI executor so tests can script outcomes.
type Invoker interface {
	Run(ctx context.Context, prompt string, opts executor.Options) *executor.Invocation
}

// Outcome is the structured result of one ExecuteTask call.
type Outcome struct {
	Success      bool
	Output       string
	ErrorMessage string
	Duration     time.Duration
	ResultFile   string
}

// Callbacks fire at finalization; both are optional.
type Callbacks struct {
	OnComplete func(task *store.Task, outcome Outcome)
	OnFailed   func(task *store.Task, outcome Outcome)
}

// Runner executes tasks. The running set is the same-process fast path of
// the cross-process "latest run is running" lock.
type Runner struct {
	store      *store.Store
	resultsDir string
	exec       Invoker

	mu      sync.Mutex
	running map[int64]struct{}
}

func New(st *store.Store, resultsDir string, exec Invoker) *Runner {
	return &Runner{
		store:      st,
		resultsDir: resultsDir,
		exec:       exec,
		running:    make(map[int64]struct{}),
	}
}

// ExecuteTask runs one task to completion. Pre-flight failures return a
// failed Outcome without side effects; past pre-flight every path finalizes
// the run row and releases the lock.
func (r *Runner) ExecuteTask(ctx context.Context, taskID int64, cb Callbacks) Outcome {
	if !r.acquire(taskID) {
		return failed(fmt.Sprintf("Task %d is already running", taskID))
	}
	defer r.release(taskID)

	latest, err := r.store.LatestRunForTask(taskID)
	if err == nil && latest.Status == store.RunRunning {
		return failed(fmt.Sprintf("Task %d is running in another process", taskID))
	}

	task, err := r.store.GetTask(taskID)
	if err != nil {
		return failed(fmt.Sprintf("Task %d not found", taskID))
	}
	if task.Status != store.TaskActive {
		return failed(fmt.Sprintf("Task %q is %s, not active", task.Name, task.Status))
	}

	run, err := r.store.CreateTaskRun(taskID)
	if err != nil {
		return failed(fmt.Sprintf("Could not create run: %v", err))
	}
	slog.Info("runner: task started", "task", task.Name, "task_id", taskID, "run_id", run.ID)

	outcome := r.execute(ctx, task, run)

	if outcome.Success {
		if cb.OnComplete != nil {
			cb.OnComplete(task, outcome)
		}
	} else if cb.OnFailed != nil {
		cb.OnFailed(task, outcome)
	}
	return outcome
}

// execute covers everything between run creation and callback dispatch.
func (r *Runner) execute(ctx context.Context, task *store.Task, run *store.TaskRun) Outcome {
	systemPrompt, model := r.resolveWorker(task)
	resumeID := r.resolveSession(task)

	timeout := time.Duration(0)
	if task.TimeoutMinutes != nil {
		timeout = time.Duration(*task.TimeoutMinutes) * time.Minute
	}

	sink := newConsoleSink(r.store, run.ID)
	defer sink.Close()

	// Continued sessions already carry their own history; only cross-task
	// knowledge is prepended then. Fresh sessions get the full context.
	prompt := composePrompt(r.store, task, resumeID == "")

	res := r.invoke(ctx, run.ID, prompt, executor.Options{
		Timeout:         timeout,
		ResumeSessionID: resumeID,
		SystemPrompt:    systemPrompt,
		Model:           model,
	}, sink)

	if res.ExitCode != 0 && resumeID != "" {
		// The stored session may have expired on the CLI side. Retry once
		// from scratch; the retry result is authoritative.
		slog.Warn("runner: resume failed, retrying with fresh session",
			"task_id", task.ID, "run_id", run.ID, "exit_code", res.ExitCode)
		if err := r.store.SetTaskSessionID(task.ID, nil); err != nil {
			slog.Warn("runner: clear session failed", "task_id", task.ID, "error", err)
		}
		task.SessionID = nil
		res = r.invoke(ctx, run.ID, composePrompt(r.store, task, true), executor.Options{
			Timeout:      timeout,
			SystemPrompt: systemPrompt,
			Model:        model,
		}, sink)
	}

	return r.finalize(task, run, res, sink)
}

// invoke runs the executor once, multiplexing its progress and console
// streams into store writes.
func (r *Runner) invoke(ctx context.Context, runID int64, prompt string, opts executor.Options, sink *consoleSink) executor.Result {
	inv := r.exec.Run(ctx, prompt, opts)

	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		throttle := rate.Sometimes{Interval: time.Second}
		for u := range inv.Progress {
			u := u
			throttle.Do(func() {
				if err := r.store.UpdateRunProgress(runID, u.Fraction, u.Message); err != nil {
					slog.Warn("runner: progress write failed", "run_id", runID, "error", err)
				}
			})
		}
	}()
	go func() {
		defer drain.Done()
		for e := range inv.Console {
			sink.Add(e.Type, e.Content)
		}
	}()

	res := inv.Wait()
	drain.Wait()
	return res
}

func (r *Runner) finalize(task *store.Task, run *store.TaskRun, res executor.Result, sink *consoleSink) Outcome {
	success := res.ExitCode == 0 && !res.TimedOut

	var errorMessage *string
	if !success {
		msg := executionError(res)
		errorMessage = &msg
	}

	var resultFile *string
	if path, err := writeResultFile(r.resultsDir, task.Name, res); err != nil {
		slog.Warn("runner: result file write failed", "task_id", task.ID, "error", err)
	} else {
		resultFile = &path
	}

	if res.SessionID != "" {
		if err := r.store.SetRunSessionID(run.ID, res.SessionID); err != nil {
			slog.Warn("runner: run session write failed", "run_id", run.ID, "error", err)
		}
		if task.SessionContinuity {
			sid := res.SessionID
			if err := r.store.SetTaskSessionID(task.ID, &sid); err != nil {
				slog.Warn("runner: task session write failed", "task_id", task.ID, "error", err)
			}
		}
	}

	sink.Close()

	if _, err := r.store.CompleteTaskRun(run.ID, res.Stdout, resultFile, errorMessage); err != nil {
		slog.Error("runner: run completion failed", "run_id", run.ID, "error", err)
	}

	r.writeMemory(task, success, res.Stdout)

	if success {
		if _, err := r.store.IncrementTaskRunCount(task.ID); err != nil {
			slog.Warn("runner: run count update failed", "task_id", task.ID, "error", err)
		}
	}

	outcome := Outcome{
		Success:  success,
		Output:   res.Stdout,
		Duration: res.Duration,
	}
	if errorMessage != nil {
		outcome.ErrorMessage = *errorMessage
	}
	if resultFile != nil {
		outcome.ResultFile = *resultFile
	}
	slog.Info("runner: task finished", "task", task.Name, "task_id", task.ID,
		"run_id", run.ID, "success", success, "duration", res.Duration)
	return outcome
}

// writeMemory records the outcome as an observation on the task's memory
// entity and prunes to the newest entries. Failures are logged only.
func (r *Runner) writeMemory(task *store.Task, success bool, output string) {
	ent, err := r.store.EnsureTaskMemoryEntity(task)
	if err != nil {
		slog.Warn("runner: memory entity failed", "task_id", task.ID, "error", err)
		return
	}

	prefix := "[SUCCESS] "
	if !success {
		prefix = "[FAILED] "
	}
	content := prefix + output
	if len(content) > maxObservationChars {
		content = content[:maxObservationChars] + "\n[...truncated]"
	}
	if _, err := r.store.AddObservation(ent.ID, content, "task_run"); err != nil {
		slog.Warn("runner: observation write failed", "task_id", task.ID, "error", err)
		return
	}
	if err := r.store.PruneObservations(ent.ID, memoryKeepObservations); err != nil {
		slog.Warn("runner: observation prune failed", "task_id", task.ID, "error", err)
	}
}

// resolveWorker loads the task's worker, falling back to the default worker,
// falling back to none.
func (r *Runner) resolveWorker(task *store.Task) (systemPrompt, model string) {
	var w *store.Worker
	var err error
	if task.WorkerID != nil {
		w, err = r.store.GetWorker(*task.WorkerID)
		if err != nil {
			slog.Warn("runner: worker lookup failed", "task_id", task.ID,
				"worker_id", *task.WorkerID, "error", err)
		}
	}
	if w == nil {
		if w, err = r.store.GetDefaultWorker(); err != nil {
			return "", ""
		}
	}
	return w.SystemPrompt, w.Model
}

// resolveSession decides whether to resume the stored session. Sessions that
// have served sessionRotationThreshold runs are rotated out by returning
// empty, which forces the CLI to mint a fresh one.
func (r *Runner) resolveSession(task *store.Task) string {
	if !task.SessionContinuity || task.SessionID == nil || *task.SessionID == "" {
		return ""
	}
	n, err := r.store.CountRunsWithSession(task.ID, *task.SessionID)
	if err != nil {
		slog.Warn("runner: session count failed", "task_id", task.ID, "error", err)
		return ""
	}
	if n >= sessionRotationThreshold {
		slog.Info("runner: rotating session", "task_id", task.ID, "runs", n)
		return ""
	}
	return *task.SessionID
}

func (r *Runner) acquire(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.running[taskID]; held {
		return false
	}
	r.running[taskID] = struct{}{}
	return true
}

func (r *Runner) release(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

func executionError(res executor.Result) string {
	if res.TimedOut {
		return fmt.Sprintf("Timed out after %dms", res.Duration.Milliseconds())
	}
	stderr := res.Stderr
	if stderr == "" {
		stderr = "(no stderr)"
	}
	return fmt.Sprintf("Exit code %d: %s", res.ExitCode, stderr)
}

func failed(msg string) Outcome {
	return Outcome{Success: false, ErrorMessage: msg}
}

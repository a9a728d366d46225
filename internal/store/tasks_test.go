package store

import (
	"errors"
	"testing"
	"time"
)

func mustCreateTask(t *testing.T, s *Store, p TaskParams) *Task {
	t.Helper()
	task, err := s.CreateTask(p)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskTriggerValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateTask(TaskParams{Name: "x", Prompt: "p", TriggerType: TriggerCron}); err == nil {
		t.Error("cron task without expression should fail")
	}
	if _, err := s.CreateTask(TaskParams{Name: "x", Prompt: "p", TriggerType: TriggerOnce}); err == nil {
		t.Error("once task without scheduled_at should fail")
	}
	if _, err := s.CreateTask(TaskParams{Name: "x", Prompt: "p", TriggerType: "hourly"}); err == nil {
		t.Error("unknown trigger type should fail")
	}
	if _, err := s.CreateTask(TaskParams{Prompt: "p"}); err == nil {
		t.Error("missing name should fail")
	}
	if _, err := s.CreateTask(TaskParams{Name: "x"}); err == nil {
		t.Error("missing prompt should fail")
	}

	// Manual tasks drop any stray schedule fields.
	task := mustCreateTask(t, s, TaskParams{
		Name: "manual", Prompt: "p",
		CronExpression: strPtr("* * * * *"),
		ScheduledAt:    strPtr("2026-01-01T00:00:00.000Z"),
	})
	if task.TriggerType != TriggerManual {
		t.Errorf("trigger type = %q, want manual", task.TriggerType)
	}
	if task.CronExpression != nil || task.ScheduledAt != nil {
		t.Error("manual task kept schedule fields")
	}
	if task.Executor != "claude" {
		t.Errorf("default executor = %q, want claude", task.Executor)
	}
	if task.Status != TaskActive {
		t.Errorf("new task status = %q, want active", task.Status)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)

	task := mustCreateTask(t, s, TaskParams{
		Name: "digest", Prompt: "summarize",
		TriggerType: TriggerCron, CronExpression: strPtr("0 9 * * *"),
	})

	updated, err := s.UpdateTask(task.ID, TaskPatch{
		Description: strPtr("morning digest"),
		MaxRuns:     intPtr(5),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Description != "morning digest" {
		t.Errorf("description = %q", updated.Description)
	}
	if updated.MaxRuns == nil || *updated.MaxRuns != 5 {
		t.Errorf("max runs = %v, want 5", updated.MaxRuns)
	}

	if err := s.PauseTask(task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != TaskPaused {
		t.Errorf("status after pause = %q", got.Status)
	}
	if err := s.ResumeTask(task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	active, err := s.ListTasks(TaskActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active tasks = %d, want 1", len(active))
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted task: %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: %v, want ErrNotFound", err)
	}
}

func TestRunCompletionUpdatesTask(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p"})

	run, err := s.CreateTaskRun(task.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != RunRunning {
		t.Errorf("new run status = %q", run.Status)
	}

	done, err := s.CompleteTaskRun(run.ID, "all good", strPtr("/tmp/r.md"), nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != RunCompleted {
		t.Errorf("status = %q, want completed", done.Status)
	}
	if done.FinishedAt == nil || done.DurationMS == nil {
		t.Error("finished_at and duration_ms should be set")
	}

	got, _ := s.GetTask(task.ID)
	if got.LastResult == nil || *got.LastResult != "all good" {
		t.Errorf("task last_result = %v", got.LastResult)
	}
	if got.ErrorCount != 0 {
		t.Errorf("error_count = %d after success", got.ErrorCount)
	}

	// Failure increments error_count; the next success resets it.
	run2, _ := s.CreateTaskRun(task.ID)
	failed, err := s.CompleteTaskRun(run2.ID, "", nil, strPtr("Exit code 1: boom"))
	if err != nil {
		t.Fatalf("complete failed run: %v", err)
	}
	if failed.Status != RunFailed {
		t.Errorf("status = %q, want failed", failed.Status)
	}
	got, _ = s.GetTask(task.ID)
	if got.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", got.ErrorCount)
	}

	run3, _ := s.CreateTaskRun(task.ID)
	if _, err := s.CompleteTaskRun(run3.ID, "recovered", nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetTask(task.ID)
	if got.ErrorCount != 0 {
		t.Errorf("error_count = %d after recovery, want 0", got.ErrorCount)
	}
}

func TestLatestRunForTask(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p"})

	if _, err := s.LatestRunForTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("latest run of never-run task: %v, want ErrNotFound", err)
	}

	first, _ := s.CreateTaskRun(task.ID)
	s.CompleteTaskRun(first.ID, "one", nil, nil)
	second, _ := s.CreateTaskRun(task.ID)

	latest, err := s.LatestRunForTask(task.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest run id = %d, want %d", latest.ID, second.ID)
	}
	if latest.Status != RunRunning {
		t.Errorf("latest run should still hold the lock, status = %q", latest.Status)
	}
}

func TestSweepOrphanRuns(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p"})

	orphan, _ := s.CreateTaskRun(task.ID)
	finished, _ := s.CreateTaskRun(task.ID)
	s.CompleteTaskRun(finished.ID, "done", nil, nil)

	swept, err := s.SweepOrphanRuns()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, _ := s.GetTaskRun(orphan.ID)
	if got.Status != RunFailed {
		t.Errorf("orphan status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "orphaned" {
		t.Errorf("orphan error_message = %v", got.ErrorMessage)
	}

	kept, _ := s.GetTaskRun(finished.ID)
	if kept.Status != RunCompleted {
		t.Errorf("completed run touched by sweep: %q", kept.Status)
	}
}

func TestPruneOldRuns(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p"})

	old, _ := s.CreateTaskRun(task.ID)
	s.CompleteTaskRun(old.ID, "ancient", nil, nil)
	// Backdate the run past the retention window.
	stale := FormatTime(time.Now().UTC().Add(-48 * time.Hour))
	s.mu.Lock()
	s.db.Exec(`UPDATE task_runs SET started_at = ? WHERE id = ?`, stale, old.ID)
	s.mu.Unlock()

	running, _ := s.CreateTaskRun(task.ID)
	s.mu.Lock()
	s.db.Exec(`UPDATE task_runs SET started_at = ? WHERE id = ?`, stale, running.ID)
	s.mu.Unlock()

	pruned, err := s.PruneOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := s.GetTaskRun(old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old run should be gone: %v", err)
	}
	if _, err := s.GetTaskRun(running.ID); err != nil {
		t.Errorf("running run must survive pruning: %v", err)
	}
}

func TestIncrementRunCountMaxRuns(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{
		Name: "limited", Prompt: "p", MaxRuns: intPtr(2),
	})

	got, err := s.IncrementTaskRunCount(task.ID)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got.RunCount != 1 || got.Status != TaskActive {
		t.Errorf("after first run: count=%d status=%q", got.RunCount, got.Status)
	}

	got, err = s.IncrementTaskRunCount(task.ID)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got.RunCount != 2 {
		t.Errorf("run count = %d, want 2", got.RunCount)
	}
	if got.Status != TaskCompleted {
		t.Errorf("status = %q, want completed after hitting max_runs", got.Status)
	}
}

func TestConsoleLogs(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p"})
	run, _ := s.CreateTaskRun(task.ID)

	entries := []ConsoleLog{
		{Seq: 1, EntryType: ConsoleToolCall, Content: "Read(main.go)"},
		{Seq: 2, EntryType: ConsoleAssistantText, Content: "Looking at the file"},
		{Seq: 3, EntryType: ConsoleResult, Content: "done"},
	}
	if err := s.AppendConsoleLogs(run.ID, entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := s.ListConsoleLogs(run.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	for i, l := range all {
		if l.Seq != i+1 {
			t.Errorf("entry %d seq = %d", i, l.Seq)
		}
	}

	tail, err := s.ListConsoleLogs(run.ID, 1, 0)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 2 {
		t.Errorf("incremental read wrong: %+v", tail)
	}

	// Duplicate seq within a run violates the unique index.
	if err := s.AppendConsoleLogs(run.ID, []ConsoleLog{{Seq: 3, EntryType: ConsoleError, Content: "dup"}}); err == nil {
		t.Error("duplicate seq should fail")
	}
}

func TestCountRunsWithSession(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "t", Prompt: "p", SessionContinuity: true})

	for i := 0; i < 3; i++ {
		run, _ := s.CreateTaskRun(task.ID)
		s.SetRunSessionID(run.ID, "sess-a")
		s.CompleteTaskRun(run.ID, "ok", nil, nil)
	}
	other, _ := s.CreateTaskRun(task.ID)
	s.SetRunSessionID(other.ID, "sess-b")
	s.CompleteTaskRun(other.ID, "ok", nil, nil)

	n, err := s.CountRunsWithSession(task.ID, "sess-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestWorkerDefaultAndTaskCounts(t *testing.T) {
	s := newTestStore(t)

	w1, err := s.CreateWorker("researcher", "You research things.", "", "", true)
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	w2, err := s.CreateWorker("writer", "You write things.", "", "opus", true)
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}

	// Creating w2 as default must have cleared w1.
	def, err := s.GetDefaultWorker()
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != w2.ID {
		t.Errorf("default = %d, want %d", def.ID, w2.ID)
	}
	got1, _ := s.GetWorker(w1.ID)
	if got1.IsDefault {
		t.Error("previous default not cleared")
	}

	if err := s.SetDefaultWorker(w1.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	def, _ = s.GetDefaultWorker()
	if def.ID != w1.ID {
		t.Errorf("default = %d, want %d", def.ID, w1.ID)
	}

	mustCreateTask(t, s, TaskParams{Name: "a", Prompt: "p", WorkerID: &w1.ID})
	mustCreateTask(t, s, TaskParams{Name: "b", Prompt: "p", WorkerID: &w1.ID})
	got1, _ = s.GetWorker(w1.ID)
	if got1.TaskCount != 2 {
		t.Errorf("task count = %d, want 2", got1.TaskCount)
	}
	got2, _ := s.GetWorker(w2.ID)
	if got2.TaskCount != 0 {
		t.Errorf("task count = %d, want 0", got2.TaskCount)
	}
}

func TestWatchTouch(t *testing.T) {
	s := newTestStore(t)

	w, err := s.CreateWatch("/tmp/inbox", "incoming files", "Summarize the new file")
	if err != nil {
		t.Fatalf("create watch: %v", err)
	}
	if w.Status != WatchActive || w.TriggerCount != 0 || w.LastTriggered != nil {
		t.Errorf("fresh watch: %+v", w)
	}

	if err := s.TouchWatch(w.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.TouchWatch(w.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := s.GetWatch(w.ID)
	if got.TriggerCount != 2 {
		t.Errorf("trigger count = %d, want 2", got.TriggerCount)
	}
	if got.LastTriggered == nil {
		t.Error("last_triggered not set")
	}

	paused := WatchPaused
	if _, err := s.UpdateWatch(w.ID, WatchPatch{Status: &paused}); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, _ := s.ListWatches(WatchActive)
	if len(active) != 0 {
		t.Errorf("paused watch still listed active")
	}
}

func TestDueOnceTasks(t *testing.T) {
	s := newTestStore(t)

	past := FormatTime(time.Now().UTC().Add(-time.Minute))
	future := FormatTime(time.Now().UTC().Add(time.Hour))
	due := mustCreateTask(t, s, TaskParams{
		Name: "due", Prompt: "p", TriggerType: TriggerOnce, ScheduledAt: &past,
	})
	mustCreateTask(t, s, TaskParams{
		Name: "later", Prompt: "p", TriggerType: TriggerOnce, ScheduledAt: &future,
	})
	paused := mustCreateTask(t, s, TaskParams{
		Name: "paused", Prompt: "p", TriggerType: TriggerOnce, ScheduledAt: &past,
	})
	s.PauseTask(paused.ID)

	tasks, err := s.DueOnceTasks(Now())
	if err != nil {
		t.Fatalf("due once: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Errorf("due tasks = %+v, want just %d", tasks, due.ID)
	}
}

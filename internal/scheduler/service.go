// Package scheduler translates persistent task definitions into wall-clock
// triggers. A one-second ticker fires due cron and one-shot entries; a
// thirty-second sync reconciles the in-memory job table against the store.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v4"

	"github.com/nextlevelbuilder/daymon/internal/runner"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

const (
	dueInterval  = time.Second
	syncInterval = 30 * time.Second

	defaultRetentionDays = 30
)

// TaskRunner is the slice of the runner the scheduler needs.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, taskID int64, cb runner.Callbacks) runner.Outcome
}

// Notifier receives task outcomes for user-facing delivery.
type Notifier interface {
	TaskCompleted(task *store.Task, outcome runner.Outcome)
	TaskFailed(task *store.Task, outcome runner.Outcome)
}

// cronJob is one scheduled cron task with its precomputed next fire time.
type cronJob struct {
	expression string
	next       time.Time
}

// JobStatus is one entry of the /health scheduler report.
type JobStatus struct {
	TaskID     int64  `json:"task_id"`
	Expression string `json:"expression"`
	NextRun    string `json:"next_run"`
}

// Status summarizes the scheduler for /health.
type Status struct {
	Running  bool        `json:"running"`
	JobCount int         `json:"jobCount"`
	Jobs     []JobStatus `json:"jobs"`
}

// Service owns the job table and the dispatch loops.
type Service struct {
	store    *store.Store
	runner   TaskRunner
	notifier Notifier
	embedder Embedder

	mu          sync.Mutex
	jobs        map[int64]*cronJob
	pendingOnce map[int64]struct{}
	running     bool

	syncReq chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func New(st *store.Store, r TaskRunner, n Notifier, e Embedder) *Service {
	return &Service{
		store:       st,
		runner:      r,
		notifier:    n,
		embedder:    e,
		jobs:        make(map[int64]*cronJob),
		pendingOnce: make(map[int64]struct{}),
		syncReq:     make(chan struct{}, 1),
	}
}

// Start runs the scheduler loops until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("scheduler started")
}

// Stop halts the loops. In-flight task runs are not aborted.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	slog.Info("scheduler stopped")
}

// SyncNow requests an immediate sync cycle. Non-blocking; coalesces with a
// pending request.
func (s *Service) SyncNow() {
	select {
	case s.syncReq <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	s.sync(ctx)

	due := time.NewTicker(dueInterval)
	defer due.Stop()
	syncTick := time.NewTicker(syncInterval)
	defer syncTick.Stop()
	indexTick := time.NewTicker(indexInterval)
	defer indexTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-due.C:
			s.fireDue(ctx)
		case <-syncTick.C:
			s.sync(ctx)
		case <-s.syncReq:
			s.sync(ctx)
		case <-indexTick.C:
			s.indexPass(ctx)
		}
	}
}

// fireDue dispatches every cron job whose next fire time has passed and
// advances its schedule. Dispatch never blocks the loop.
func (s *Service) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var fire []int64
	for id, job := range s.jobs {
		if now.Before(job.next) {
			continue
		}
		next, err := gronx.NextTickAfter(job.expression, now, false)
		if err != nil {
			slog.Warn("scheduler: next tick failed", "task_id", id,
				"expression", job.expression, "error", err)
			delete(s.jobs, id)
			continue
		}
		job.next = next
		fire = append(fire, id)
	}
	s.mu.Unlock()

	for _, id := range fire {
		go s.runTask(ctx, id)
	}
}

// sync reconciles the job table against the store and dispatches due
// one-shot tasks. It also carries the housekeeping that must not depend on
// process uptime: the orphan sweep and the retention prune.
func (s *Service) sync(ctx context.Context) {
	if _, err := s.store.SweepOrphanRuns(); err != nil {
		slog.Warn("scheduler: orphan sweep failed", "error", err)
	}
	days := s.store.GetSettingInt(store.SettingRetentionDays, defaultRetentionDays)
	if pruned, err := s.store.PruneOldRuns(time.Duration(days) * 24 * time.Hour); err != nil {
		slog.Warn("scheduler: prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("scheduler: pruned old runs", "count", pruned, "retention_days", days)
	}

	tasks, err := s.readActiveTasks()
	if err != nil {
		slog.Warn("scheduler: sync read failed", "error", err)
		return
	}

	activeCron := make(map[int64]string)
	for _, t := range tasks {
		if t.TriggerType == store.TriggerCron && t.CronExpression != nil {
			activeCron[t.ID] = *t.CronExpression
		}
	}

	g := gronx.New()
	now := time.Now()

	s.mu.Lock()
	for id, job := range s.jobs {
		expr, still := activeCron[id]
		if !still || expr != job.expression {
			delete(s.jobs, id)
			slog.Info("scheduler: job removed", "task_id", id)
		}
	}
	for id, expr := range activeCron {
		if _, scheduled := s.jobs[id]; scheduled {
			continue
		}
		if !g.IsValid(expr) {
			slog.Warn("scheduler: invalid cron expression", "task_id", id, "expression", expr)
			continue
		}
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			slog.Warn("scheduler: next tick failed", "task_id", id, "error", err)
			continue
		}
		s.jobs[id] = &cronJob{expression: expr, next: next}
		slog.Info("scheduler: job added", "task_id", id, "expression", expr, "next", next)
	}
	s.mu.Unlock()

	s.checkDueOnceTasks(ctx)
}

// readActiveTasks reads with retry; a busy database during sync should not
// drop the whole cycle.
func (s *Service) readActiveTasks() ([]store.Task, error) {
	var tasks []store.Task
	op := func() error {
		var err error
		tasks, err = s.store.ListTasks(store.TaskActive)
		return err
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	return tasks, err
}

// checkDueOnceTasks dispatches active one-shot tasks whose time has passed.
// The pending set guards against duplicate dispatch across overlapping sync
// cycles.
func (s *Service) checkDueOnceTasks(ctx context.Context) {
	due, err := s.store.DueOnceTasks(store.Now())
	if err != nil {
		slog.Warn("scheduler: due-once read failed", "error", err)
		return
	}

	for _, t := range due {
		s.mu.Lock()
		if _, pending := s.pendingOnce[t.ID]; pending {
			s.mu.Unlock()
			continue
		}
		s.pendingOnce[t.ID] = struct{}{}
		s.mu.Unlock()

		id := t.ID
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.pendingOnce, id)
				s.mu.Unlock()
			}()
			outcome := s.runTask(ctx, id)
			if outcome.Success {
				if err := s.store.SetTaskStatus(id, store.TaskCompleted); err != nil {
					slog.Warn("scheduler: once-task completion failed", "task_id", id, "error", err)
				}
			}
		}()
	}
}

// runTask executes one task and forwards the outcome to the notifier.
func (s *Service) runTask(ctx context.Context, taskID int64) runner.Outcome {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		slog.Warn("scheduler: task vanished before run", "task_id", taskID, "error", err)
		return runner.Outcome{ErrorMessage: "task not found"}
	}

	outcome := s.runner.ExecuteTask(ctx, taskID, runner.Callbacks{})
	if s.notifier != nil {
		if outcome.Success {
			s.notifier.TaskCompleted(task, outcome)
		} else {
			s.notifier.TaskFailed(task, outcome)
		}
	}
	return outcome
}

// RunAdHoc executes a task on demand. Paused tasks are temporarily
// activated and restored afterwards; completed tasks stay completed and are
// rejected by the runner's pre-flight.
func (s *Service) RunAdHoc(ctx context.Context, taskID int64) runner.Outcome {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return runner.Outcome{ErrorMessage: "task not found"}
	}

	restorePaused := false
	if task.Status == store.TaskPaused {
		if err := s.store.SetTaskStatus(taskID, store.TaskActive); err != nil {
			return runner.Outcome{ErrorMessage: "could not activate task: " + err.Error()}
		}
		restorePaused = true
	}

	outcome := s.runTask(ctx, taskID)

	if restorePaused {
		// Best-effort restore. A max_runs completion during the run wins
		// over the restored pause.
		if cur, err := s.store.GetTask(taskID); err == nil && cur.Status == store.TaskActive {
			if err := s.store.SetTaskStatus(taskID, store.TaskPaused); err != nil {
				slog.Warn("scheduler: status restore failed", "task_id", taskID, "error", err)
			}
		}
	}
	return outcome
}

// Status reports the current job table for /health.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, JobCount: len(s.jobs)}
	for id, job := range s.jobs {
		st.Jobs = append(st.Jobs, JobStatus{
			TaskID:     id,
			Expression: job.expression,
			NextRun:    job.next.UTC().Format(time.RFC3339),
		})
	}
	return st
}

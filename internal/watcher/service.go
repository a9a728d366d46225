// Package watcher turns filesystem change events into AI CLI invocations.
// Each active watch row gets a recursive fsnotify watcher (depth ≤ 2), a
// shared debounce window keyed by (watch, path), and a per-watch execution
// lock plus cooldown that breaks self-trigger loops: files the action writes
// under the watched path must not re-trigger it.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/daymon/internal/executor"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

const (
	syncInterval     = 30 * time.Second
	debounceWindow   = 10 * time.Second
	debounceCapacity = 1024
	cooldownAfterRun = 5 * time.Second
	maxWatchDepth    = 2
)

// Invoker is the slice of the executor the watcher needs.
type Invoker interface {
	Run(ctx context.Context, prompt string, opts executor.Options) *executor.Invocation
}

// liveWatch is one running fsnotify watcher plus its execution state.
type liveWatch struct {
	watch store.Watch
	fsw   *fsnotify.Watcher
	stop  chan struct{}
	done  chan struct{}

	mu            sync.Mutex
	executing     bool
	cooldownUntil time.Time
}

// Service reconciles watch rows against live fsnotify watchers.
type Service struct {
	store *store.Store
	exec  Invoker

	// Debounce entries expire on their own; the LRU bound just caps memory
	// under event storms.
	debounce *lru.LRU[string, time.Time]

	mu       sync.Mutex
	watchers map[int64]*liveWatch
	running  bool

	syncReq chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

func New(st *store.Store, exec Invoker) *Service {
	return &Service{
		store:    st,
		exec:     exec,
		debounce: lru.NewLRU[string, time.Time](debounceCapacity, nil, debounceWindow),
		watchers: make(map[int64]*liveWatch),
		syncReq:  make(chan struct{}, 1),
	}
}

// Start launches the reconcile loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("watcher started")
}

// Stop halts reconciliation and closes every live watcher.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	<-done

	s.mu.Lock()
	for id, lw := range s.watchers {
		s.closeWatch(lw)
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	slog.Info("watcher stopped")
}

// SyncNow requests an immediate reconcile. Non-blocking.
func (s *Service) SyncNow() {
	select {
	case s.syncReq <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	s.sync(ctx)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sync(ctx)
		case <-s.syncReq:
			s.sync(ctx)
		}
	}
}

// sync reconciles active watch rows against live watchers.
func (s *Service) sync(ctx context.Context) {
	active, err := s.store.ListWatches(store.WatchActive)
	if err != nil {
		slog.Warn("watcher: sync read failed", "error", err)
		return
	}

	wanted := make(map[int64]store.Watch, len(active))
	for _, w := range active {
		wanted[w.ID] = w
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, lw := range s.watchers {
		w, still := wanted[id]
		if still && w.Path == lw.watch.Path {
			continue
		}
		s.closeWatch(lw)
		delete(s.watchers, id)
		slog.Info("watcher: watch removed", "watch_id", id, "path", lw.watch.Path)
	}

	for id, w := range wanted {
		if _, live := s.watchers[id]; live {
			continue
		}
		lw, err := s.startWatch(ctx, w)
		if err != nil {
			// Missing paths are retried on the next sync.
			slog.Warn("watcher: start failed", "watch_id", id, "path", w.Path, "error", err)
			continue
		}
		s.watchers[id] = lw
		slog.Info("watcher: watch started", "watch_id", id, "path", w.Path)
	}
}

func (s *Service) startWatch(ctx context.Context, w store.Watch) (*liveWatch, error) {
	info, err := os.Stat(w.Path)
	if err != nil {
		return nil, fmt.Errorf("watch path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}

	if info.IsDir() {
		if err := addRecursive(fsw, w.Path); err != nil {
			fsw.Close()
			return nil, err
		}
	} else {
		if err := fsw.Add(w.Path); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("add path: %w", err)
		}
	}

	lw := &liveWatch{
		watch: w,
		fsw:   fsw,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.watchLoop(ctx, lw)
	return lw, nil
}

func (s *Service) closeWatch(lw *liveWatch) {
	close(lw.stop)
	lw.fsw.Close()
	<-lw.done
}

// addRecursive registers root and its subdirectories down to maxWatchDepth.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		if pathDepth(root, path) > maxWatchDepth {
			return filepath.SkipDir
		}
		if aerr := fsw.Add(path); aerr != nil {
			slog.Warn("watcher: add dir failed", "path", path, "error", aerr)
		}
		return nil
	})
}

// pathDepth counts separator segments from root to path; root itself is 0,
// its children 1.
func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// watchLoop consumes one watch's fsnotify events until closed.
func (s *Service) watchLoop(ctx context.Context, lw *liveWatch) {
	defer close(lw.done)
	for {
		select {
		case <-lw.stop:
			return
		case ev, ok := <-lw.fsw.Events:
			if !ok {
				return
			}
			s.handleFsEvent(ctx, lw, ev)
		case err, ok := <-lw.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher: fsnotify error", "watch_id", lw.watch.ID, "error", err)
		}
	}
}

func (s *Service) handleFsEvent(ctx context.Context, lw *liveWatch, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	// New directories within depth join the watch; they are not triggers.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if pathDepth(lw.watch.Path, ev.Name) <= maxWatchDepth {
				if err := lw.fsw.Add(ev.Name); err != nil {
					slog.Warn("watcher: add new dir failed", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}

	s.trigger(ctx, lw, ev.Name)
}

// trigger runs the debounce and execution-lock pipeline for one file event.
func (s *Service) trigger(ctx context.Context, lw *liveWatch, path string) {
	key := fmt.Sprintf("%d:%s", lw.watch.ID, path)
	if _, recent := s.debounce.Get(key); recent {
		return
	}

	lw.mu.Lock()
	if lw.executing || time.Now().Before(lw.cooldownUntil) {
		lw.mu.Unlock()
		return
	}
	lw.executing = true
	lw.mu.Unlock()

	s.debounce.Add(key, time.Now())

	if err := s.store.TouchWatch(lw.watch.ID); err != nil {
		slog.Warn("watcher: trigger bookkeeping failed", "watch_id", lw.watch.ID, "error", err)
	}

	go func() {
		defer func() {
			lw.mu.Lock()
			lw.executing = false
			lw.cooldownUntil = time.Now().Add(cooldownAfterRun)
			lw.mu.Unlock()
		}()

		encoded, _ := json.Marshal(path)
		prompt := fmt.Sprintf("%s\n\nTriggered by file change. File path: %s",
			lw.watch.ActionPrompt, encoded)

		slog.Info("watcher: triggered", "watch_id", lw.watch.ID, "path", path)
		inv := s.exec.Run(ctx, prompt, executor.Options{})
		go func() {
			for range inv.Console {
			}
		}()
		for range inv.Progress {
		}
		res := inv.Wait()
		if res.ExitCode == 0 {
			slog.Info("watcher: action completed", "watch_id", lw.watch.ID,
				"path", path, "duration", res.Duration)
		} else {
			slog.Warn("watcher: action failed", "watch_id", lw.watch.ID,
				"path", path, "exit_code", res.ExitCode, "stderr", res.Stderr)
		}
	}()
}

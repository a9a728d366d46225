package runner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/store"
)

const sinkFlushInterval = time.Second

// consoleSink buffers parsed console events for one run and bulk-inserts
// them on a timer and at close. Seq numbers are assigned at Add time so the
// per-run total order is fixed before any flush. Flush failures are logged
// and the batch dropped; console logs are advisory.
type consoleSink struct {
	st    *store.Store
	runID int64

	mu      sync.Mutex
	pending []store.ConsoleLog
	seq     int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func newConsoleSink(st *store.Store, runID int64) *consoleSink {
	s := &consoleSink{
		st:    st,
		runID: runID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *consoleSink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			return
		}
	}
}

// Add queues one event. Safe to call from multiple goroutines.
func (s *consoleSink) Add(entryType, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	s.pending = append(s.pending, store.ConsoleLog{
		Seq:       s.seq,
		EntryType: entryType,
		Content:   content,
	})
}

func (s *consoleSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.st.AppendConsoleLogs(s.runID, batch); err != nil {
		slog.Warn("runner: console flush failed", "run_id", s.runID,
			"events", len(batch), "error", err)
	}
}

// Close stops the flush loop and writes any remaining events. Idempotent.
func (s *consoleSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.flush()
}

// Package server exposes the sidecar's loopback HTTP control surface. The
// listener binds 127.0.0.1 only and advertises its bound port through a
// discovery file so the desktop shell can find it without fixed-port
// coordination.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/config"
	"github.com/nextlevelbuilder/daymon/internal/runner"
	"github.com/nextlevelbuilder/daymon/internal/scheduler"
)

const sseKeepAlive = 30 * time.Second

// Scheduler is the slice of the scheduler the control surface drives.
type Scheduler interface {
	RunAdHoc(ctx context.Context, taskID int64) runner.Outcome
	SyncNow()
	Status() scheduler.Status
}

// Syncer lets /sync nudge the file watcher alongside the scheduler.
type Syncer interface {
	SyncNow()
}

// Server is the loopback control surface.
type Server struct {
	cfg     *config.Config
	sched   Scheduler
	watcher Syncer
	hub     *hub
	version string
	started time.Time

	httpSrv *http.Server
	ln      net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(cfg *config.Config, sched Scheduler, w Syncer, version string) *Server {
	return &Server{
		cfg:        cfg,
		sched:      sched,
		watcher:    w,
		hub:        newHub(),
		version:    version,
		started:    time.Now(),
		shutdownCh: make(chan struct{}),
	}
}

// Hub returns the SSE publishing side, for wiring into the notifier.
func (s *Server) Hub() interface{ Publish(event string, payload any) } {
	return s.hub
}

// ShutdownRequested is closed when a client POSTs /shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Start binds the loopback listener, writes the discovery files, and begins
// serving. It returns once the listener is accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	if err := s.writeDiscoveryFiles(); err != nil {
		ln.Close()
		return err
	}

	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()

	slog.Info("control surface listening", "port", s.Port())
	return nil
}

// Stop shuts the HTTP server down and removes the discovery files.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.removeDiscoveryFiles()
	return err
}

// writeDiscoveryFiles publishes the bound port and PID atomically so a reader
// never observes a partially written file.
func (s *Server) writeDiscoveryFiles() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if err := writeFileAtomic(s.cfg.PortFile(), []byte(strconv.Itoa(s.Port()))); err != nil {
		return fmt.Errorf("port file: %w", err)
	}
	if err := writeFileAtomic(s.cfg.PIDFile(), []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	return nil
}

func (s *Server) removeDiscoveryFiles() {
	for _, f := range []string{s.cfg.PortFile(), s.cfg.PIDFile()} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove discovery file failed", "file", f, "error", err)
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /notify", s.handleNotify)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"version":   s.version,
		"pid":       os.Getpid(),
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"scheduler": s.sched.Status(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.hub.subscribe()
	defer s.hub.unsubscribe(id)
	slog.Debug("sse: client connected", "client_id", id)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// handleRunTask accepts the run and dispatches it in the background; the
// caller learns the outcome through SSE, not the response.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	go func() {
		outcome := s.sched.RunAdHoc(context.Background(), id)
		if outcome.ErrorMessage != "" && !outcome.Success {
			slog.Warn("ad-hoc run failed", "task_id", id, "error", outcome.ErrorMessage)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "task_id": id})
}

// handleNotify relays an externally produced event to connected SSE clients.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch body.Event {
	case "task:complete", "task:failed":
	default:
		writeError(w, http.StatusBadRequest, "unknown event")
		return
	}

	s.hub.Publish(body.Event, body.Payload)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.sched.SyncNow()
	if s.watcher != nil {
		s.watcher.SyncNow()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleShutdown acknowledges before signalling so the client gets a clean
// response out of the dying process.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

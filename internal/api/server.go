// Package api exposes the daemon's observation surface: a health
// endpoint, read-only task queries, and a websocket stream of live
// events. All mutation goes through the CLI and the scheduler; the
// HTTP surface never writes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

// HealthStatus is one component's health verdict.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Health is the /healthz response body.
type Health struct {
	Status     HealthStatus            `json:"status"`
	Components map[string]HealthStatus `json:"components"`
	UptimeSecs int64                   `json:"uptimeSecs"`
}

// Server serves the read-only HTTP surface.
type Server struct {
	store  *store.Store
	log    *events.Log
	ws     *WSHandler
	logger *slog.Logger

	// lastPoll reports the most recent scheduler tick; zero when the
	// scheduler has not run yet.
	lastPoll     func() time.Time
	pollInterval time.Duration

	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer wires the HTTP surface. lastPoll may be nil when no
// scheduler is running (dry-run tooling).
func NewServer(st *store.Store, log *events.Log, pub events.Publisher, pollInterval time.Duration, lastPoll func() time.Time, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        st,
		log:          log,
		ws:           NewWSHandler(pub, logger),
		logger:       logger,
		lastPoll:     lastPoll,
		pollInterval: pollInterval,
		startedAt:    time.Now(),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.Handle("GET /events/ws", s.ws)
	return mux
}

// ListenAndServe blocks serving addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and closes websocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:     HealthOK,
		Components: map[string]HealthStatus{},
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	}

	h.Components["store"] = HealthOK
	if _, err := s.store.List(nil); err != nil {
		h.Components["store"] = HealthDown
	}

	h.Components["eventLogger"] = HealthOK
	if _, err := s.log.Tail(1); err != nil {
		h.Components["eventLogger"] = HealthDegraded
	}

	// The scheduler is degraded when its last tick is older than three
	// poll intervals, down when it never ticked.
	h.Components["scheduler"] = HealthOK
	if s.lastPoll == nil {
		h.Components["scheduler"] = HealthDown
	} else if last := s.lastPoll(); last.IsZero() {
		h.Components["scheduler"] = HealthDown
	} else if s.pollInterval > 0 && time.Since(last) > 3*s.pollInterval {
		h.Components["scheduler"] = HealthDegraded
	}

	status := http.StatusOK
	for _, c := range h.Components {
		switch c {
		case HealthDown:
			h.Status = HealthDown
			status = http.StatusServiceUnavailable
		case HealthDegraded:
			if h.Status == HealthOK {
				h.Status = HealthDegraded
			}
		}
	}

	writeJSON(w, status, h)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := &store.Filter{
		Status: task.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Agent:  strings.TrimSpace(r.URL.Query().Get("agent")),
		Team:   strings.TrimSpace(r.URL.Query().Get("team")),
	}
	tasks, err := s.store.List(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// writeError maps structured errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""
	if ae := aoferrors.AsAofError(err); ae != nil {
		status = ae.HTTPStatus()
		code = string(ae.Code)
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

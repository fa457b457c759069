// Package web serves the gate HTTP API and the status page.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/gate-controller/internal/gate"
	"github.com/sweeney/gate-controller/internal/logic"
	"github.com/sweeney/gate-controller/internal/status"
)

// Gate is the controller surface the API drives.
type Gate interface {
	Sync() error
	Snapshot() (gate.Snapshot, error)
	ChangeState(desired logic.State) error
	HoldState(desired logic.State, ttl time.Duration) (string, error)
	DeleteLock(id string) error
}

// Config holds the server settings.
type Config struct {
	Addr string

	// MaxLockTTL is the longest hold a client may request.
	MaxLockTTL time.Duration
}

// Server serves the gate API over HTTP.
type Server struct {
	httpServer *http.Server
	gate       Gate
	tracker    *status.Tracker
	maxLockTTL time.Duration
}

// New creates a Server for g. The status pages read from tracker and
// /metrics exposes gatherer; either may be nil to leave those routes out.
func New(cfg Config, g Gate, tracker *status.Tracker, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		gate:       g,
		tracker:    tracker,
		maxLockTTL: cfg.MaxLockTTL,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/gate", s.handleGetGate)
	r.Post("/gate", s.handlePostGate)
	r.Delete("/gate/locks/{id}", s.handleDeleteLock)
	if tracker != nil {
		r.Get("/status", s.handleStatus)
		r.Get("/status.json", s.handleStatusJSON)
	}
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("Mighty Mule Gate API"))
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Sync(); err != nil {
		s.internalError(w, "sync", err)
		return
	}
	s.writeGate(w, "")
}

// handlePostGate applies ?state= first and then ?lock_state=, stopping at
// the first failure.
func (s *Server) handlePostGate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("state") && !q.Has("lock_state") {
		writeError(w, http.StatusBadRequest, "no operation requested")
		return
	}

	if q.Has("state") {
		raw := q.Get("state")
		desired, err := logic.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid state, "+raw)
			return
		}
		if err := s.gate.ChangeState(desired); err != nil {
			if errors.Is(err, gate.ErrTransitionRefused) {
				writeError(w, http.StatusConflict, "Could not move to desired_state. Most likely due to a lock.")
				return
			}
			s.internalError(w, "change state", err)
			return
		}
	}

	var lockID string
	if q.Has("lock_state") {
		raw := q.Get("lock_state")
		desired, err := logic.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid state, "+raw)
			return
		}
		ttl, msg := s.parseTTL(q.Get("lock_state_ttl_seconds"))
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		lockID, err = s.gate.HoldState(desired, ttl)
		if err != nil {
			if errors.Is(err, gate.ErrConflictingHold) || errors.Is(err, gate.ErrInvalidLockState) {
				writeError(w, http.StatusConflict, "Could not move to desired_state. Most likely due to a lock to a different state.")
				return
			}
			s.internalError(w, "hold state", err)
			return
		}
	}

	s.writeGate(w, lockID)
}

// parseTTL returns the hold duration or a client error message.
func (s *Server) parseTTL(raw string) (time.Duration, string) {
	if raw == "" {
		return 0, "lock_state_ttl_seconds is required"
	}
	secs, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, "Invalid lock_state_ttl_seconds, " + raw
	}
	if secs > uint64(s.maxLockTTL/time.Second) {
		return 0, fmt.Sprintf("Requested TTL is greater than %v, the server limit.", s.maxLockTTL)
	}
	return time.Duration(secs) * time.Second, ""
}

func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gate.DeleteLock(id); err != nil {
		if errors.Is(err, gate.ErrLockNotFound) {
			writeError(w, http.StatusNotFound, "lock not found")
			return
		}
		s.internalError(w, "delete lock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) writeGate(w http.ResponseWriter, lockID string) {
	snap, err := s.gate.Snapshot()
	if err != nil {
		s.internalError(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, formatGate(snap, lockID))
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("web: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

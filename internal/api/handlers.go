package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/sink"
)

// StatsProvider supplies the §6 statistics snapshot. Satisfied by a closure
// over *metrics.Stats and the live pre-exec queue (see internal/daemon).
type StatsProvider interface {
	Snapshot() metrics.Snapshot
}

// StatsProviderFunc adapts a function to StatsProvider.
type StatsProviderFunc func() metrics.Snapshot

// Snapshot implements StatsProvider.
func (f StatsProviderFunc) Snapshot() metrics.Snapshot { return f() }

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
	stats StatsProvider
}

// NewServer creates a new Server with the provided storage layer and
// statistics provider. stats may be nil, in which case /api/v1/stats
// responds with HTTP 503.
func NewServer(store Store, stats StatsProvider) *Server {
	return &Server{store: store, stats: stats}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	pid    – exact pid filter (optional)
//	path   – substring match against the image path (optional)
//	from   – RFC3339 start of the received_at window (required)
//	to     – RFC3339 end of the received_at window (required)
//	limit  – maximum number of results (default 100, max 1000)
//	offset – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of sink.Event objects on success.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	eq := sink.EventQuery{From: from, To: to}

	if pidStr := q.Get("pid"); pidStr != "" {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'pid' must be an integer")
			return
		}
		eq.PID = pid
	}

	if path := q.Get("path"); path != "" {
		eq.Path = path
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		eq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	if events == nil {
		events = []sink.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}

// handleGetStats responds to GET /api/v1/stats with the spec.md §6
// statistics snapshot.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats provider not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.stats.Snapshot())
}

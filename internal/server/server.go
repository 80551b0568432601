// Package server exposes Spark's local HTTP interface: the ingest endpoint
// adapters post events to, plus health and stats for operators. The server
// binds loopback by default; every event is durably queued before anything
// else happens to it.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"spark/internal/advisor"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/queue"
	"spark/internal/types"
)

// maxBodyBytes caps one ingest request.
const maxBodyBytes = 1 << 20

// queueHighWater is the pending-event estimate past which ingest sheds load.
const queueHighWater = 10000

// fastPathDepth is the pending estimate that triggers an early bridge cycle.
const fastPathDepth = 256

// Triggerer is the bridge worker's fast path.
type Triggerer interface {
	Trigger()
}

// Server handles ingest, health, and stats.
type Server struct {
	queue   *queue.Queue
	engine  *advisor.Engine
	store   *insight.Store
	bridge  Triggerer
	token   string
	started time.Time
	log     *zap.Logger
}

// New builds the server. token empty means no auth is configured and every
// ingest is rejected; bridge may be nil in tests.
func New(q *queue.Queue, engine *advisor.Engine, store *insight.Store, bridge Triggerer, token string) *Server {
	return &Server{
		queue:   q,
		engine:  engine,
		store:   store,
		bridge:  bridge,
		token:   token,
		started: time.Now(),
		log:     logging.Named("server"),
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/ingest", s.handleIngest)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	return r
}

// ingestResponse is the body returned for every accepted event. pre_tool
// events carry the advisory outcome inline.
type ingestResponse struct {
	Status string             `json:"status"`
	Advice []types.AdviceItem `json:"advice,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var ev types.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event exceeds 1MB")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := validate(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats := s.queue.Stats()
	if stats.PendingEstimate > queueHighWater {
		s.queue.RecordOverflow()
		writeError(w, http.StatusTooManyRequests, "event queue backlogged")
		return
	}

	// Durability first: the event is in the log before any advisory work.
	if err := s.queue.Append(&ev); err != nil {
		s.log.Error("queue append failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}

	if s.bridge != nil && stats.PendingEstimate > fastPathDepth {
		s.bridge.Trigger()
	}

	resp := ingestResponse{Status: "ok"}
	if ev.Kind == types.KindPreTool && s.engine != nil {
		items, reason := s.engine.Advise(r.Context(), &ev)
		resp.Advice = items
		resp.Reason = reason
	} else if s.engine != nil {
		s.engine.Observe(&ev)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queue":          s.queue.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queue":          s.queue.Stats(),
	}
	if s.store != nil {
		out["insights"] = s.store.Len()
	}
	if s.engine != nil {
		calls, emitted, byReason := s.engine.Metrics()
		out["advisor"] = map[string]interface{}{
			"calls":     calls,
			"emitted":   emitted,
			"by_reason": byReason,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// authorized checks the bearer token. No configured token means ingest is
// closed; adapters must be provisioned with one.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == s.token
}

func validate(ev *types.Event) error {
	if ev.V != 1 {
		return fmt.Errorf("unsupported event version %d", ev.V)
	}
	if ev.Source == "" {
		return fmt.Errorf("source required")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}

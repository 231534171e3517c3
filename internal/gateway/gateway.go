// Package gateway serves the relay's HTTP surface: platform webhooks, the
// health probe and a token-guarded admin API.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawrelay/internal/audit"
	"github.com/basket/clawrelay/internal/bus"
	"github.com/basket/clawrelay/internal/persistence"
)

const (
	healthTimeout  = 2 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// SessionStore is the slice of the session store the gateway reads.
type SessionStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (persistence.Stats, error)
	ListSessions(ctx context.Context, limit int) ([]persistence.SessionRecord, error)
	Lookup(ctx context.Context, key string) (*persistence.SessionRecord, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Store SessionStore
	Bus   *bus.Bus

	// AdminToken guards /api/*. Empty disables the admin API.
	AdminToken string
	// AllowOrigins lists Origin patterns accepted for the events websocket.
	AllowOrigins []string

	// Webhooks maps paths such as /slack/events to platform handlers.
	Webhooks map[string]http.Handler

	// ActiveTurns reports turns in flight; optional.
	ActiveTurns func() int
	// ConfigFingerprint identifies the applied reloadable settings; optional.
	ConfigFingerprint func() string

	Version string
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	auth    *AuthMiddleware
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:     cfg,
		auth:    NewAuthMiddleware(cfg.AdminToken),
		logger:  logger.With("component", "gateway"),
		now:     now,
		started: now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	for path, h := range s.cfg.Webhooks {
		mux.Handle(path, h)
	}
	if s.auth.Enabled() {
		mux.Handle("/api/sessions", s.auth.Wrap(http.HandlerFunc(s.handleAPISessions)))
		mux.Handle("/api/sessions/stats", s.auth.Wrap(http.HandlerFunc(s.handleAPIStats)))
		mux.Handle("/api/sessions/", s.auth.Wrap(http.HandlerFunc(s.handleAPISessionByKey)))
		mux.Handle("/api/events", s.auth.Wrap(http.HandlerFunc(s.handleEvents)))
	}
	return mux
}

type healthPayload struct {
	Status            string             `json:"status"`
	Timestamp         time.Time          `json:"timestamp"`
	UptimeSeconds     int64              `json:"uptime_seconds"`
	DBOK              bool               `json:"db_ok"`
	Sessions          *persistence.Stats `json:"sessions,omitempty"`
	ActiveTurns       int                `json:"active_turns"`
	Version           string             `json:"version,omitempty"`
	ConfigFingerprint string             `json:"config_fingerprint,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	now := s.now()
	payload := healthPayload{
		Status:        "ok",
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		DBOK:          true,
		Version:       s.cfg.Version,
	}
	if s.cfg.Store == nil || s.cfg.Store.Ping(ctx) != nil {
		payload.DBOK = false
	} else if st, err := s.cfg.Store.Stats(ctx); err == nil {
		payload.Sessions = &st
	} else {
		payload.DBOK = false
	}
	if s.cfg.ActiveTurns != nil {
		payload.ActiveTurns = s.cfg.ActiveTurns()
	}
	if s.cfg.ConfigFingerprint != nil {
		payload.ConfigFingerprint = s.cfg.ConfigFingerprint()
	}

	status := http.StatusOK
	if !payload.DBOK {
		payload.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// --- REST API handlers ---

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if sessions == nil {
		sessions = []persistence.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("session stats failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "session stats failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAPISessionByKey serves GET and DELETE /api/sessions/{key}. Deleting
// a mapping makes the next message in that conversation start fresh.
func (s *Server) handleAPISessionByKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if key == "" || strings.Contains(key, "/") {
		writeJSONError(w, http.StatusBadRequest, "session key required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Store.Lookup(r.Context(), key)
		if err != nil {
			s.logger.Error("lookup session failed", "session_key", key, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if rec == nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := s.cfg.Store.Delete(r.Context(), key); err != nil {
			s.logger.Error("delete session failed", "session_key", key, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "delete failed")
			return
		}
		s.cfg.Bus.Publish(bus.TopicSessionDeleted, bus.SessionDeletedEvent{SessionKey: key, Reason: "admin"})
		audit.Record("ok", "session.delete", "admin api", key)
		s.logger.Info("session deleted by admin", "session_key", key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEvents streams bus events to an admin websocket client. The optional
// topic query parameter is a prefix filter such as "turn.".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: events client connected", "topic", prefix)

	// The client only listens; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("ws: events client disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quizrelay/quizrelay/internal/hub"
)

// Server exposes the Hub's externally observable control surface: the
// WebSocket endpoint plus read-only health and stats.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(h *hub.Hub, logger zerolog.Logger) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Classroom devices connect from whatever origin the host app
			// serves; the hub carries no credentials worth protecting.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("service", "httpapi").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/ws", s.handleWS)
	r.Get("/v1/stats", s.stats)

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	// HandleConn blocks for the socket's lifetime; the request goroutine is
	// the connection's read loop.
	s.hub.HandleConn(ws)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"serverTime": time.Now().UnixMilli(),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	sess := s.hub.Session()
	respondJSON(w, http.StatusOK, map[string]any{
		"connections": sess.ConnectionCount(),
		"activeUsers": sess.ActiveUserCount(),
		"responses":   sess.ResponseCount(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

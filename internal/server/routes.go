package server

import (
	"net/http"
)

// setupRoutes configures the broker's HTTP surface (spec.md §6).
func (s *Server) setupRoutes() {
	s.router.Get("/ws", s.handleWebSocket)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/debug/limiter", s.handleDebugLimiter)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDebugLimiter reports every known session's limiter stats.
// Every session shares the one process-wide limiter, so any session's
// Context Pool can report the global Stats(); the handler just needs a
// live one to ask.
func (s *Server) handleDebugLimiter(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionId required")
		return
	}
	sess, ok := s.hub.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Pool.LimiterStats())
}

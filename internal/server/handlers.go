package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/session"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/version"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Running    bool              `json:"running"`
	Uptime     string            `json:"uptime"`
	Listen     string            `json:"listen"`
	Path       string            `json:"path"`
	StreamAddr string            `json:"stream"`
	Sessions   int               `json:"sessions"`
	Version    map[string]string `json:"version"`
}

// SessionsResponse is the body of GET /api/sessions
type SessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: ServiceName})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	listen := ""
	if addr := s.Addr(); addr != nil {
		listen = addr.String()
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		Running:    s.IsRunning(),
		Uptime:     s.GetUptime().String(),
		Listen:     listen,
		Path:       s.opts.Path,
		StreamAddr: s.opts.Session.StreamAddr,
		Sessions:   len(s.ListSessions()),
		Version:    version.Info(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: s.ListSessions()})
}

// handleShutdown asks the owner to stop the server. Only loopback callers
// may do this.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		respondJSON(w, http.StatusForbidden, map[string]string{
			"message": "shutdown is only allowed from localhost",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})
	s.requestShutdown()
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

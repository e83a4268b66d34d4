package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"agentgrid/internal/domain"
)

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	ServerID      string   `json:"server_id"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Clients       int      `json:"clients"`
	Methods       []string `json:"methods"`
}

// handleStatus reports this gateway's state to clients holding
// PermStatusView. The token comes from a Bearer header or the token query
// parameter.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := r.URL.Query().Get("token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token = bearer
	}
	info, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !domain.Allowed(info.Roles, domain.PermStatusView) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	resp := StatusResponse{
		ServerID:      s.cfg.ServerID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Clients:       s.Clients(),
		Methods:       s.Methods(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encode status", "error", err)
	}
}

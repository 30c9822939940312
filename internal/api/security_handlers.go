package api

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleBlockedIPs returns the IPs currently blocked by the SIP brute-force
// guard.
func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	if s.blocklist == nil {
		writeError(w, http.StatusServiceUnavailable, "sip stack not available")
		return
	}
	writeJSON(w, http.StatusOK, s.blocklist.BlockedIPs())
}

// handleUnblockIP lifts a brute-force block early.
func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	if s.blocklist == nil {
		writeError(w, http.StatusServiceUnavailable, "sip stack not available")
		return
	}

	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}

	if !s.blocklist.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}

	s.logger.Info("ip unblocked by admin", "ip", ip)
	w.WriteHeader(http.StatusNoContent)
}

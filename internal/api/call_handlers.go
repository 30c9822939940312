package api

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// dialNumberRe matches the numbers the dial layer accepts.
var dialNumberRe = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// handleActiveCalls returns a snapshot of every in-flight call.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call engine not available")
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Active())
}

// handleHangupCall force-terminates an active call.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call engine not available")
		return
	}

	callID := chi.URLParam(r, "callID")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	if !s.calls.Terminate(callID) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	s.logger.Info("call terminated by admin", "call_id", callID)
	w.WriteHeader(http.StatusNoContent)
}

// originateRequest is the JSON body for placing an outbound call to the AI
// backend.
type originateRequest struct {
	ToNumber string `json:"to_number"`
}

// handleOriginate dials a PSTN number through a trunk and bridges the answered
// call to the AI backend.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call engine not available")
		return
	}

	var req originateRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !dialNumberRe.MatchString(req.ToNumber) {
		writeError(w, http.StatusBadRequest, "to_number must be 1-32 dialable digits")
		return
	}

	callID, err := s.calls.Originate(r.Context(), req.ToNumber)
	if err != nil {
		s.logger.Error("originate failed", "to_number", req.ToNumber, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("call originated by admin", "call_id", callID, "to_number", req.ToNumber)
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

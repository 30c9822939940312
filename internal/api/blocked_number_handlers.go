package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// blockedNumberRe accepts E.164-ish numbers and SIP user parts.
var blockedNumberRe = regexp.MustCompile(`^\+?[0-9*#a-zA-Z._\-]{1,64}$`)

// blockedNumberRequest is the JSON body for adding a blocklist entry.
type blockedNumberRequest struct {
	Number string `json:"number"`
	Reason string `json:"reason"`
}

// blockedNumberResponse is the JSON response for a blocklist entry.
type blockedNumberResponse struct {
	ID        int64  `json:"id"`
	Number    string `json:"number"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func toBlockedNumberResponse(n *models.BlockedNumber) blockedNumberResponse {
	return blockedNumberResponse{
		ID:        n.ID,
		Number:    n.Number,
		Reason:    n.Reason,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}
}

// handleListBlockedNumbers returns the full blocklist.
func (s *Server) handleListBlockedNumbers(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.repos.BlockedNumbers.List(r.Context())
	if err != nil {
		s.logger.Error("list blocked numbers: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]blockedNumberResponse, len(numbers))
	for i := range numbers {
		items[i] = toBlockedNumberResponse(&numbers[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateBlockedNumber adds a number to the blocklist.
func (s *Server) handleCreateBlockedNumber(w http.ResponseWriter, r *http.Request) {
	var req blockedNumberRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !blockedNumberRe.MatchString(req.Number) {
		writeError(w, http.StatusBadRequest, "number must be 1-64 digits or SIP user characters")
		return
	}
	if errMsg := validateStringLen("reason", req.Reason, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.repos.BlockedNumbers.GetByNumber(r.Context(), req.Number)
	if err != nil {
		s.logger.Error("create blocked number: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "number already blocked")
		return
	}

	num := &models.BlockedNumber{Number: req.Number, Reason: req.Reason}
	if err := s.repos.BlockedNumbers.Create(r.Context(), num); err != nil {
		s.logger.Error("create blocked number: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Re-fetch to get the database-set timestamp.
	created, err := s.repos.BlockedNumbers.GetByNumber(r.Context(), req.Number)
	if err != nil || created == nil {
		s.logger.Error("create blocked number: failed to re-fetch", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("number blocked", "number", created.Number, "reason", created.Reason)
	writeJSON(w, http.StatusCreated, toBlockedNumberResponse(created))
}

// handleDeleteBlockedNumber removes a blocklist entry by ID.
func (s *Server) handleDeleteBlockedNumber(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid blocked number id")
		return
	}

	if err := s.repos.BlockedNumbers.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete blocked number: failed to delete", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("blocked number removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

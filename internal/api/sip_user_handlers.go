package api

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// sipUsernameRe limits SIP usernames to the characters that survive a SIP
// URI without escaping.
var sipUsernameRe = regexp.MustCompile(`^[a-zA-Z0-9._+\-]{1,64}$`)

// sipUserRequest is the JSON body for creating/updating a SIP account. The
// password is write-only; only its HA1 digest is stored.
type sipUserRequest struct {
	Username           string `json:"username"`
	Password           string `json:"password"`
	DisplayName        string `json:"display_name"`
	Enabled            *bool  `json:"enabled"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
}

// sipUserResponse is the JSON response for a single SIP account.
type sipUserResponse struct {
	ID                 int64   `json:"id"`
	Username           string  `json:"username"`
	DisplayName        string  `json:"display_name"`
	Enabled            bool    `json:"enabled"`
	MaxConcurrentCalls int     `json:"max_concurrent_calls"`
	FailedAuthAttempts int     `json:"failed_auth_attempts"`
	LockedUntil        *string `json:"locked_until"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toSipUserResponse(u *models.SipUser) sipUserResponse {
	resp := sipUserResponse{
		ID:                 u.ID,
		Username:           u.Username,
		DisplayName:        u.DisplayName,
		Enabled:            u.Enabled,
		MaxConcurrentCalls: u.MaxConcurrentCalls,
		FailedAuthAttempts: u.FailedAuthAttempts,
		CreatedAt:          u.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          u.UpdatedAt.Format(time.RFC3339),
	}
	if u.LockedUntil != nil {
		v := u.LockedUntil.Format(time.RFC3339)
		resp.LockedUntil = &v
	}
	return resp
}

func validateSipUserRequest(req sipUserRequest, passwordRequired bool) string {
	if !sipUsernameRe.MatchString(req.Username) {
		return "username must be 1-64 characters of a-z, 0-9, dot, dash, underscore, or plus"
	}
	if passwordRequired && req.Password == "" {
		return "password is required"
	}
	if errMsg := validateStringLen("password", req.Password, maxPasswordLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateStringLen("display_name", req.DisplayName, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateNoControlChars("display_name", req.DisplayName); errMsg != "" {
		return errMsg
	}
	if req.MaxConcurrentCalls < 0 {
		return "max_concurrent_calls must be non-negative"
	}
	return ""
}

// handleListSipUsers returns SIP accounts with pagination.
func (s *Server) handleListSipUsers(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	users, err := s.repos.SipUsers.List(r.Context())
	if err != nil {
		s.logger.Error("list sip users: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]sipUserResponse, len(users))
	for i := range users {
		all[i] = toSipUserResponse(&users[i])
	}

	total := len(all)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateSipUser creates a SIP account. The HA1 digest is derived from
// username, the configured realm, and the plaintext password.
func (s *Server) handleCreateSipUser(w http.ResponseWriter, r *http.Request) {
	var req sipUserRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSipUserRequest(req, true); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.repos.SipUsers.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("create sip user: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username already exists")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	maxCalls := req.MaxConcurrentCalls
	if maxCalls == 0 {
		maxCalls = 2
	}

	user := &models.SipUser{
		Username:           req.Username,
		HA1:                database.DigestHA1(req.Username, s.cfg.SIPRealm, req.Password),
		DisplayName:        req.DisplayName,
		Enabled:            enabled,
		MaxConcurrentCalls: maxCalls,
	}
	if err := s.repos.SipUsers.Create(r.Context(), user); err != nil {
		s.logger.Error("create sip user: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.repos.SipUsers.GetByID(r.Context(), user.ID)
	if err != nil || created == nil {
		s.logger.Error("create sip user: failed to re-fetch", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("sip user created", "user_id", created.ID, "username", created.Username)
	writeJSON(w, http.StatusCreated, toSipUserResponse(created))
}

// handleGetSipUser returns a single SIP account by ID.
func (s *Server) handleGetSipUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get sip user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "sip user not found")
		return
	}

	writeJSON(w, http.StatusOK, toSipUserResponse(user))
}

// handleUpdateSipUser updates a SIP account. An empty password keeps the
// existing digest; changing the username requires a new password because the
// HA1 binds both.
func (s *Server) handleUpdateSipUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	existing, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("update sip user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "sip user not found")
		return
	}

	var req sipUserRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSipUserRequest(req, false); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username != existing.Username && req.Password == "" {
		writeError(w, http.StatusBadRequest, "changing the username requires a new password")
		return
	}

	if req.Username != existing.Username {
		dup, err := s.repos.SipUsers.GetByUsername(r.Context(), req.Username)
		if err != nil {
			s.logger.Error("update sip user: failed to query", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if dup != nil {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
	}

	existing.Username = req.Username
	existing.DisplayName = req.DisplayName
	if req.Password != "" {
		existing.HA1 = database.DigestHA1(req.Username, s.cfg.SIPRealm, req.Password)
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.MaxConcurrentCalls != 0 {
		existing.MaxConcurrentCalls = req.MaxConcurrentCalls
	}

	if err := s.repos.SipUsers.Update(r.Context(), existing); err != nil {
		s.logger.Error("update sip user: failed to update", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		s.logger.Error("update sip user: failed to re-fetch", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("sip user updated", "user_id", id, "username", updated.Username)
	writeJSON(w, http.StatusOK, toSipUserResponse(updated))
}

// handleDeleteSipUser removes a SIP account and its registrations.
func (s *Server) handleDeleteSipUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	existing, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("delete sip user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "sip user not found")
		return
	}

	if err := s.repos.SipUsers.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete sip user: failed to delete", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := s.repos.Registrations.DeleteByAOR(r.Context(), s.userAOR(existing.Username)); err != nil {
		s.logger.Error("delete sip user: failed to drop registrations", "error", err, "user_id", id)
	}

	s.logger.Info("sip user deleted", "user_id", id, "username", existing.Username)
	w.WriteHeader(http.StatusNoContent)
}

// handleUnlockSipUser clears a digest-auth lockout.
func (s *Server) handleUnlockSipUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("unlock sip user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "sip user not found")
		return
	}

	if err := s.repos.SipUsers.Unlock(r.Context(), id); err != nil {
		s.logger.Error("unlock sip user: failed to unlock", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("sip user unlocked", "user_id", id, "username", user.Username)
	w.WriteHeader(http.StatusNoContent)
}

// registrationResponse is one active binding for a SIP account.
type registrationResponse struct {
	ContactURI   string `json:"contact_uri"`
	Transport    string `json:"transport"`
	UserAgent    string `json:"user_agent"`
	SourceIP     string `json:"source_ip"`
	SourcePort   int    `json:"source_port"`
	Expires      string `json:"expires"`
	RegisteredAt string `json:"registered_at"`
}

// handleSipUserRegistrations returns the active bindings for a SIP account.
func (s *Server) handleSipUserRegistrations(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.repos.SipUsers.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("sip user registrations: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "sip user not found")
		return
	}

	regs, err := s.repos.Registrations.ListByAOR(r.Context(), s.userAOR(user.Username))
	if err != nil {
		s.logger.Error("sip user registrations: failed to list", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]registrationResponse, len(regs))
	for i, reg := range regs {
		items[i] = registrationResponse{
			ContactURI:   reg.ContactURI,
			Transport:    reg.Transport,
			UserAgent:    reg.UserAgent,
			SourceIP:     reg.SourceIP,
			SourcePort:   reg.SourcePort,
			Expires:      reg.Expires.Format(time.RFC3339),
			RegisteredAt: reg.RegisteredAt.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, items)
}

// userAOR builds the address-of-record for a username under the configured
// realm, matching what the registrar stores.
func (s *Server) userAOR(username string) string {
	return "sip:" + username + "@" + s.cfg.SIPRealm
}

// parseIDParam extracts and parses the {id} URL parameter.
func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

package api

import (
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// trunkRequest is the JSON request body for creating/updating a trunk.
type trunkRequest struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Enabled        *bool  `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Transport      string `json:"transport"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	AuthUsername   string `json:"auth_username"`
	RegisterExpiry int    `json:"register_expiry"`
	MaxChannels    int    `json:"max_channels"`
	MaxCPS         int    `json:"max_cps"`
	PrefixStrip    int    `json:"prefix_strip"`
	PrefixAdd      string `json:"prefix_add"`
	Priority       int    `json:"priority"`
}

// trunkResponse is the JSON response for a single trunk. Password is never returned.
type trunkResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Transport      string `json:"transport"`
	Username       string `json:"username"`
	AuthUsername   string `json:"auth_username"`
	RegisterExpiry int    `json:"register_expiry"`
	MaxChannels    int    `json:"max_channels"`
	MaxCPS         int    `json:"max_cps"`
	PrefixStrip    int    `json:"prefix_strip"`
	PrefixAdd      string `json:"prefix_add"`
	Priority       int    `json:"priority"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// trunkDetailResponse extends trunkResponse with live registration status.
type trunkDetailResponse struct {
	trunkResponse
	Status         string  `json:"status"`
	LastError      string  `json:"last_error"`
	RetryAttempt   int     `json:"retry_attempt"`
	OptionsHealthy bool    `json:"options_healthy"`
	ActiveChannels int64   `json:"active_channels"`
	RegisteredAt   *string `json:"registered_at"`
	ExpiresAt      *string `json:"expires_at"`
	FailedAt       *string `json:"failed_at"`
	LastOptionsAt  *string `json:"last_options_at"`
}

// toTrunkResponse converts a models.Trunk to the API response, omitting the
// password.
func toTrunkResponse(t *models.Trunk) trunkResponse {
	return trunkResponse{
		ID:             t.ID,
		Name:           t.Name,
		Type:           t.Type,
		Enabled:        t.Enabled,
		Host:           t.Host,
		Port:           t.Port,
		Transport:      t.Transport,
		Username:       t.Username,
		AuthUsername:   t.AuthUsername,
		RegisterExpiry: t.RegisterExpiry,
		MaxChannels:    t.MaxChannels,
		MaxCPS:         t.MaxCPS,
		PrefixStrip:    t.PrefixStrip,
		PrefixAdd:      t.PrefixAdd,
		Priority:       t.Priority,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339),
	}
}

// handleListTrunks returns trunks with pagination.
func (s *Server) handleListTrunks(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	trunks, err := s.repos.Trunks.List(r.Context())
	if err != nil {
		s.logger.Error("list trunks: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]trunkResponse, len(trunks))
	for i := range trunks {
		all[i] = toTrunkResponse(&trunks[i])
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

// handleCreateTrunk creates a new trunk and starts its registration loop
// when enabled.
func (s *Server) handleCreateTrunk(w http.ResponseWriter, r *http.Request) {
	var req trunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTrunkRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	trunk := &models.Trunk{
		Name:           req.Name,
		Type:           req.Type,
		Enabled:        enabled,
		Host:           req.Host,
		Port:           req.Port,
		Transport:      req.Transport,
		Username:       req.Username,
		Password:       req.Password,
		AuthUsername:   req.AuthUsername,
		RegisterExpiry: req.RegisterExpiry,
		MaxChannels:    req.MaxChannels,
		MaxCPS:         req.MaxCPS,
		PrefixStrip:    req.PrefixStrip,
		PrefixAdd:      req.PrefixAdd,
		Priority:       req.Priority,
	}

	// Apply defaults.
	if trunk.Port == 0 {
		trunk.Port = 5060
	}
	if trunk.Transport == "" {
		trunk.Transport = "udp"
	}
	if trunk.RegisterExpiry == 0 {
		trunk.RegisterExpiry = 300
	}
	if trunk.Priority == 0 {
		trunk.Priority = 10
	}

	if err := s.repos.Trunks.Create(r.Context(), trunk); err != nil {
		s.logger.Error("create trunk: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Re-fetch to get timestamps populated by the database.
	created, err := s.repos.Trunks.GetByID(r.Context(), trunk.ID)
	if err != nil || created == nil {
		s.logger.Error("create trunk: failed to re-fetch", "error", err, "trunk_id", trunk.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("trunk created", "trunk_id", created.ID, "name", created.Name, "type", created.Type)

	if created.Enabled && s.trunkMgr != nil {
		if err := s.trunkMgr.StartTrunk(*created); err != nil {
			s.logger.Error("create trunk: failed to start registration",
				"error", err, "trunk_id", created.ID, "name", created.Name)
		}
	}

	writeJSON(w, http.StatusCreated, toTrunkResponse(created))
}

// handleGetTrunk returns a single trunk by ID including current registration status.
func (s *Server) handleGetTrunk(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trunk id")
		return
	}

	trunk, err := s.repos.Trunks.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get trunk: failed to query", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if trunk == nil {
		writeError(w, http.StatusNotFound, "trunk not found")
		return
	}

	detail := trunkDetailResponse{
		trunkResponse: toTrunkResponse(trunk),
		Status:        "unknown",
	}

	if s.trunkMgr != nil {
		if st, ok := s.trunkMgr.GetStatus(id); ok {
			detail.Status = string(st.Status)
			detail.LastError = st.LastError
			detail.RetryAttempt = st.RetryAttempt
			detail.OptionsHealthy = st.OptionsHealthy
			detail.ActiveChannels = st.ActiveChannels
			detail.RegisteredAt = formatTimePtr(st.RegisteredAt)
			detail.ExpiresAt = formatTimePtr(st.ExpiresAt)
			detail.FailedAt = formatTimePtr(st.FailedAt)
			detail.LastOptionsAt = formatTimePtr(st.LastOptionsAt)
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}

// handleUpdateTrunk updates an existing trunk and restarts its registration
// loop to pick up the new config.
func (s *Server) handleUpdateTrunk(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trunk id")
		return
	}

	existing, err := s.repos.Trunks.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("update trunk: failed to query", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "trunk not found")
		return
	}

	prevEnabled := existing.Enabled

	var req trunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTrunkRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	// An empty password keeps the stored one.
	password := existing.Password
	if req.Password != "" {
		password = req.Password
	}

	enabled := existing.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	port := req.Port
	if port == 0 {
		port = existing.Port
	}
	transport := req.Transport
	if transport == "" {
		transport = existing.Transport
	}
	registerExpiry := req.RegisterExpiry
	if registerExpiry == 0 {
		registerExpiry = existing.RegisterExpiry
	}
	priority := req.Priority
	if priority == 0 {
		priority = existing.Priority
	}

	existing.Name = req.Name
	existing.Type = req.Type
	existing.Enabled = enabled
	existing.Host = req.Host
	existing.Port = port
	existing.Transport = transport
	existing.Username = req.Username
	existing.Password = password
	existing.AuthUsername = req.AuthUsername
	existing.RegisterExpiry = registerExpiry
	existing.MaxChannels = req.MaxChannels
	existing.MaxCPS = req.MaxCPS
	existing.PrefixStrip = req.PrefixStrip
	existing.PrefixAdd = req.PrefixAdd
	existing.Priority = priority

	if err := s.repos.Trunks.Update(r.Context(), existing); err != nil {
		s.logger.Error("update trunk: failed to update", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.repos.Trunks.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		s.logger.Error("update trunk: failed to re-fetch", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.trunkMgr != nil {
		switch {
		case prevEnabled && !updated.Enabled:
			s.trunkMgr.StopTrunk(id)
			s.logger.Info("trunk disabled, registration stopped", "trunk_id", id, "name", updated.Name)
		case updated.Enabled:
			// Newly enabled or config changed while enabled: restart.
			s.trunkMgr.StopTrunk(id)
			if err := s.trunkMgr.StartTrunk(*updated); err != nil {
				s.logger.Error("update trunk: failed to restart registration",
					"error", err, "trunk_id", id, "name", updated.Name)
			}
		}
	}

	s.logger.Info("trunk updated", "trunk_id", id, "name", updated.Name)
	writeJSON(w, http.StatusOK, toTrunkResponse(updated))
}

// handleDeleteTrunk removes a trunk by ID.
func (s *Server) handleDeleteTrunk(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trunk id")
		return
	}

	existing, err := s.repos.Trunks.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("delete trunk: failed to query", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "trunk not found")
		return
	}

	if err := s.repos.Trunks.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete trunk: failed to delete", "error", err, "trunk_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.trunkMgr != nil {
		s.trunkMgr.StopTrunk(id)
	}

	s.logger.Info("trunk deleted", "trunk_id", id, "name", existing.Name)
	w.WriteHeader(http.StatusNoContent)
}

// validateTrunkRequest checks required fields for a trunk create/update.
func validateTrunkRequest(req trunkRequest) string {
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		return errMsg
	}
	if req.Type != "register" && req.Type != "ip" {
		return "type must be \"register\" or \"ip\""
	}
	if errMsg := validateRequiredStringLen("host", req.Host, maxHostLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateHost("host", req.Host); errMsg != "" {
		return errMsg
	}
	if req.Type == "register" && req.Username == "" {
		return "username is required for register trunks"
	}
	if req.Transport != "" && req.Transport != "udp" && req.Transport != "tcp" {
		return "transport must be \"udp\" or \"tcp\""
	}
	if req.Port < 0 || req.Port > 65535 {
		return "port must be between 0 and 65535"
	}
	if req.MaxChannels < 0 {
		return "max_channels must be non-negative"
	}
	if req.MaxCPS < 0 {
		return "max_cps must be non-negative"
	}
	if req.PrefixStrip < 0 {
		return "prefix_strip must be non-negative"
	}
	if req.Priority < 0 {
		return "priority must be non-negative"
	}
	return ""
}

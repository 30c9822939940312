package api

import (
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// credentialsRequest is the JSON body for login and first-boot setup.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries the bearer token the client uses on subsequent
// requests.
type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Username  string `json:"username"`
}

// handleSetup creates the first admin account. It only works while no admin
// exists; afterwards it always returns 409.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("username", req.Username, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if errMsg := validateStringLen("password", req.Password, maxPasswordLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	count, err := s.repos.AdminUsers.Count(r.Context())
	if err != nil {
		s.logger.Error("setup: failed to count admins", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("setup: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	admin := &models.AdminUser{Username: req.Username, PasswordHash: hash}
	if err := s.repos.AdminUsers.Create(r.Context(), admin); err != nil {
		s.logger.Error("setup: failed to create admin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("admin account created", "username", admin.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       admin.ID,
		"username": admin.Username,
	})
}

// handleLogin verifies admin credentials and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	admin, err := s.repos.AdminUsers.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("login: failed to query admin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Same response for unknown user and wrong password.
	ok := false
	if admin != nil {
		ok, err = database.CheckPassword(req.Password, admin.PasswordHash)
		if err != nil {
			s.logger.Error("login: failed to verify password", "error", err)
		}
	}
	if !ok {
		s.logger.Warn("admin login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, admin.Username)
	if err != nil {
		s.logger.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("admin logged in", "username", admin.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Username:  admin.Username,
	})
}

// handleMe returns the authenticated admin identity.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": middleware.AdminFromContext(r.Context()),
	})
}

// Package api serves the admin REST API: SIP account and trunk management,
// live call control, CDR and SMS browsing, and the security blocklist.
package api

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/sip"
)

// CallController is the slice of the call layer the API needs: listing,
// terminating, and originating calls.
type CallController interface {
	Count() int
	Active() []call.Snapshot
	Terminate(callID string) bool
	Originate(ctx context.Context, toNumber string) (string, error)
}

// TrunkLifecycle starts and stops trunk registration loops when trunks are
// created, updated, or deleted, and exposes their live status.
type TrunkLifecycle interface {
	StartTrunk(trunk models.Trunk) error
	StopTrunk(trunkID int64)
	GetStatus(trunkID int64) (sip.TrunkState, bool)
	GetAllStatuses() []sip.TrunkState
}

// SMSSender queues outbound messages for the delivery worker.
type SMSSender interface {
	Enqueue(ctx context.Context, fromURI, toURI, body string) (*models.SMSMessage, error)
}

// IPBlocklist exposes the SIP brute-force guard for admin inspection.
type IPBlocklist interface {
	BlockedIPs() []sip.BlockedIPEntry
	UnblockIP(ip string) bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	repos     *database.Repositories
	calls     CallController
	trunkMgr  TrunkLifecycle
	sms       SMSSender
	blocklist IPBlocklist
	metrics   http.Handler
	jwtSecret []byte
	logger    *slog.Logger
	startedAt time.Time

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. calls, trunkMgr,
// sms, blocklist, and metrics may be nil; the affected endpoints then return
// 503.
func NewServer(
	cfg *config.Config,
	repos *database.Repositories,
	calls CallController,
	trunkMgr TrunkLifecycle,
	sms SMSSender,
	blocklist IPBlocklist,
	metrics http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		repos:       repos,
		calls:       calls,
		trunkMgr:    trunkMgr,
		sms:         sms,
		blocklist:   blocklist,
		metrics:     metrics,
		jwtSecret:   decodeSecret(cfg.JWTSecret),
		logger:      logger.With("component", "api"),
		startedAt:   time.Now(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// decodeSecret interprets a hex-encoded signing key, falling back to the raw
// bytes when the string is not valid hex.
func decodeSecret(secret string) []byte {
	if b, err := hex.DecodeString(secret); err == nil && len(b) > 0 {
		return b
	}
	return []byte(secret)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.apiLimiter))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Login and first-boot setup are unauthenticated but rate limited
		// harder than the rest of the API.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authLimiter))
			r.Post("/auth/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminAuth(s.jwtSecret))

			r.Get("/auth/me", s.handleMe)

			r.Route("/sip-users", func(r chi.Router) {
				r.Get("/", s.handleListSipUsers)
				r.Post("/", s.handleCreateSipUser)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSipUser)
					r.Put("/", s.handleUpdateSipUser)
					r.Delete("/", s.handleDeleteSipUser)
					r.Post("/unlock", s.handleUnlockSipUser)
					r.Get("/registrations", s.handleSipUserRegistrations)
				})
			})

			r.Route("/trunks", func(r chi.Router) {
				r.Get("/", s.handleListTrunks)
				r.Post("/", s.handleCreateTrunk)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTrunk)
					r.Put("/", s.handleUpdateTrunk)
					r.Delete("/", s.handleDeleteTrunk)
				})
			})

			r.Route("/blocked-numbers", func(r chi.Router) {
				r.Get("/", s.handleListBlockedNumbers)
				r.Post("/", s.handleCreateBlockedNumber)
				r.Delete("/{id}", s.handleDeleteBlockedNumber)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/active", s.handleActiveCalls)
				r.Post("/originate", s.handleOriginate)
				r.Post("/{callID}/hangup", s.handleHangupCall)
			})

			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", s.handleListCDRs)
				r.Get("/{callID}", s.handleGetCDR)
			})

			r.Route("/sms", func(r chi.Router) {
				r.Get("/", s.handleListSMS)
				r.Post("/send", s.handleSendSMS)
			})

			r.Route("/security", func(r chi.Router) {
				r.Get("/blocked-ips", s.handleBlockedIPs)
				r.Delete("/blocked-ips/{ip}", s.handleUnblockIP)
			})

			r.Get("/stats", s.handleStats)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns aggregate statistics for the admin dashboard.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	activeCalls := 0
	if s.calls != nil {
		activeCalls = s.calls.Count()
	}

	registeredDevices := int64(0)
	if n, err := s.repos.Registrations.Count(ctx); err != nil {
		s.logger.Error("stats: failed to count registrations", "error", err)
	} else {
		registeredDevices = n
	}

	totalUsers := 0
	if users, err := s.repos.SipUsers.List(ctx); err != nil {
		s.logger.Error("stats: failed to list sip users", "error", err)
	} else {
		totalUsers = len(users)
	}

	totalTrunks, registeredTrunks := 0, 0
	if s.trunkMgr != nil {
		statuses := s.trunkMgr.GetAllStatuses()
		totalTrunks = len(statuses)
		for _, st := range statuses {
			if st.Status == sip.TrunkStatusRegistered {
				registeredTrunks++
			}
		}
	}

	callsByDirection := map[string]int64{}
	if counts, err := s.repos.CDRs.CountByDirection(ctx); err != nil {
		s.logger.Error("stats: failed to count cdrs", "error", err)
	} else {
		callsByDirection = counts
	}

	recent, err := s.repos.CDRs.ListRecent(ctx, 10)
	if err != nil {
		s.logger.Error("stats: failed to list recent cdrs", "error", err)
		recent = nil
	}
	recentEntries := make([]cdrResponse, 0, len(recent))
	for i := range recent {
		recentEntries = append(recentEntries, toCDRResponse(&recent[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_calls":       activeCalls,
		"registered_devices": registeredDevices,
		"total_sip_users":    totalUsers,
		"total_trunks":       totalTrunks,
		"registered_trunks":  registeredTrunks,
		"calls_by_direction": callsByDirection,
		"recent_cdrs":        recentEntries,
		"uptime_secs":        int64(time.Since(s.startedAt).Seconds()),
	})
}

package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/events"
)

const (
	defaultExpiry       = 3600  // 1 hour default registration expiry
	minExpiry           = 60    // 1 minute minimum
	maxExpiry           = 86400 // 24 hours maximum
	expiryCleanupPeriod = 30 * time.Second
)

// Registrar handles SIP REGISTER requests: authenticates, upserts contact
// bindings keyed by (AOR, contact), and runs the expiry cleanup loop.
type Registrar struct {
	registrations database.RegistrationRepository
	auth          *Authenticator
	bus           *events.Bus
	logger        *slog.Logger
}

// NewRegistrar creates a REGISTER handler.
func NewRegistrar(
	registrations database.RegistrationRepository,
	auth *Authenticator,
	bus *events.Bus,
	logger *slog.Logger,
) *Registrar {
	return &Registrar{
		registrations: registrations,
		auth:          auth,
		bus:           bus,
		logger:        logger.With("subsystem", "registrar"),
	}
}

// aorFor builds the canonical address-of-record for a SIP account.
func (r *Registrar) aorFor(user *models.SipUser) string {
	return fmt.Sprintf("sip:%s@%s", user.Username, r.auth.Realm())
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	user := r.auth.Authenticate(req, tx)
	if user == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"username", user.Username,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	aor := r.aorFor(user)
	expiry := r.parseExpiry(req)

	// Un-register: Expires: 0 or Contact: *.
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, user, aor, contact)
		return
	}

	// Clamp expiry to the acceptable range.
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	ctx := context.Background()
	sourceIP, sourcePort := parseSource(req)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	reg := &models.Registration{
		SipUserID:  user.ID,
		AOR:        aor,
		ContactURI: contact.Address.String(),
		Transport:  parseTransport(req),
		UserAgent:  userAgent,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		Expires:    time.Now().Add(time.Duration(expiry) * time.Second),
	}

	if err := r.registrations.Upsert(ctx, reg); err != nil {
		r.logger.Error("failed to store registration",
			"username", user.Username,
			"error", err,
		)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("sip user registered",
		"username", user.Username,
		"aor", aor,
		"contact", reg.ContactURI,
		"transport", reg.Transport,
		"expires", expiry,
		"source", req.Source(),
	)

	r.publish(user, "register", reg.ContactURI)
	r.respondBindings(req, tx, aor)
}

// handleUnregister processes un-registration (Expires: 0 or Contact: *).
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, user *models.SipUser, aor string, contact *sip.ContactHeader) {
	ctx := context.Background()

	if contact.Address.Wildcard {
		n, err := r.registrations.DeleteByAOR(ctx, aor)
		if err != nil {
			r.logger.Error("failed to remove registrations",
				"aor", aor,
				"error", err,
			)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		r.logger.Info("all bindings removed",
			"username", user.Username,
			"aor", aor,
			"count", n,
		)
	} else {
		contactURI := contact.Address.String()
		if err := r.registrations.DeleteByAORAndContact(ctx, aor, contactURI); err != nil {
			r.logger.Error("failed to remove registration",
				"aor", aor,
				"contact", contactURI,
				"error", err,
			)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		r.logger.Info("binding removed",
			"username", user.Username,
			"aor", aor,
			"contact", contactURI,
		)
	}

	r.publish(user, "unregister", "")
	r.respondBindings(req, tx, aor)
}

// respondBindings sends a 200 OK listing all bindings currently active for
// the AOR, each with its remaining expiry (RFC 3261 §10.3 step 8).
func (r *Registrar) respondBindings(req *sip.Request, tx sip.ServerTransaction, aor string) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)

	regs, err := r.registrations.ListByAOR(context.Background(), aor)
	if err != nil {
		r.logger.Error("failed to list bindings for response",
			"aor", aor,
			"error", err,
		)
	} else {
		now := time.Now()
		for _, reg := range regs {
			remaining := int(reg.Expires.Sub(now).Seconds())
			if remaining < 0 {
				continue
			}
			res.AppendHeader(sip.NewHeader("Contact",
				fmt.Sprintf("%s;expires=%d", reg.ContactURI, remaining)))
		}
	}

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// RunExpiryCleanup periodically removes expired registrations and expired
// auth nonces. Blocks until the context is cancelled.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started",
		"interval", expiryCleanupPeriod.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			deleted, err := r.registrations.DeleteExpired(ctx)
			if err != nil {
				r.logger.Error("failed to clean expired registrations", "error", err)
				continue
			}
			if deleted > 0 {
				r.logger.Info("expired registrations cleaned", "count", deleted)
			}

			r.auth.CleanExpiredNonces()
		}
	}
}

func (r *Registrar) publish(user *models.SipUser, action, contact string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Kind: events.RegistrationChanged,
		Attrs: map[string]string{
			"username": user.Username,
			"action":   action,
			"contact":  contact,
		},
	})
}

// parseExpiry extracts the requested expiry: Contact expires param first,
// then the Expires header, then the default.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

// parseSource splits the request source into IP and port.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		transport := strings.ToLower(via.Transport)
		if transport != "" {
			return transport
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

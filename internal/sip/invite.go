package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// Direction identifies where a call came from and where it is going.
type Direction string

const (
	// DirectionInbound is a call arriving from outside (a trunk or an
	// external caller) that is bridged to the AI backend.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is a call from a local SIP account to an external
	// number via a trunk.
	DirectionOutbound Direction = "outbound"
	// DirectionLocal is a call between two local SIP accounts.
	DirectionLocal Direction = "local"
)

// IncomingInvite is a classified INVITE handed to the call layer. The
// Dialog owns the caller's transaction; the call layer is responsible for
// sending the final response.
type IncomingInvite struct {
	CallID    string
	Direction Direction
	FromUser  string
	ToUser    string
	FromURI   string
	ToURI     string
	Source    string

	// User is the authenticated local caller (outbound/local calls).
	User *models.SipUser

	// Trunk is the matched source trunk for calls arriving from a
	// provider. Nil for direct external callers and local callers.
	Trunk *models.Trunk

	Offer  []byte
	Dialog *Dialog
}

// CallHandler receives classified INVITEs and in-dialog events. The call
// layer implements it; the SIP layer stays free of call-state knowledge.
type CallHandler interface {
	// OnInvite delivers a new call. The handler must send a final
	// response through inv.Dialog.
	OnInvite(inv *IncomingInvite)

	// OnReinvite delivers an in-dialog INVITE (hold/resume). Returns
	// false when no call matches the Call-ID.
	OnReinvite(callID string, offer []byte, req *sip.Request, tx sip.ServerTransaction) bool

	// OnAck confirms a 200 OK.
	OnAck(callID string)

	// OnCancel aborts a ringing call. Returns false when unknown.
	OnCancel(callID string) bool

	// OnBye tears down an answered call. source is the network source of
	// the BYE, so the handler knows which leg hung up. Returns false when
	// unknown.
	OnBye(callID, source string) bool
}

// InviteHandler classifies incoming INVITE requests and dispatches them to
// the call layer.
type InviteHandler struct {
	users         database.SipUserRepository
	registrations database.RegistrationRepository
	blocked       database.BlockedNumberRepository
	trunks        *TrunkManager
	auth          *Authenticator
	client        *sipgo.Client
	contact       string
	handler       CallHandler
	logger        *slog.Logger
}

// NewInviteHandler creates an INVITE classifier. The CallHandler is
// attached later via SetHandler, before the server starts listening.
func NewInviteHandler(
	users database.SipUserRepository,
	registrations database.RegistrationRepository,
	blocked database.BlockedNumberRepository,
	trunks *TrunkManager,
	auth *Authenticator,
	client *sipgo.Client,
	contact string,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		users:         users,
		registrations: registrations,
		blocked:       blocked,
		trunks:        trunks,
		auth:          auth,
		client:        client,
		contact:       contact,
		logger:        logger.With("subsystem", "invite"),
	}
}

// SetHandler attaches the call layer.
func (h *InviteHandler) SetHandler(handler CallHandler) {
	h.handler = handler
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	// An INVITE carrying a To tag is a re-INVITE on an existing dialog.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			if h.handler == nil || !h.handler.OnReinvite(callID, req.Body(), req, tx) {
				h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
			}
			return
		}
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// 100 Trying stops UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying",
			"call_id", callID,
			"error", err,
		)
		return
	}

	inv, err := h.classify(req, tx, callID)
	if err != nil {
		h.logger.Error("failed to classify invite",
			"call_id", callID,
			"error", err,
		)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	if inv == nil {
		// classify already sent the SIP response (401/403).
		return
	}

	h.logger.Info("invite classified",
		"call_id", callID,
		"direction", inv.Direction,
		"from", inv.FromUser,
		"to", inv.ToUser,
	)

	if h.handler == nil {
		h.logger.Error("no call handler attached", "call_id", callID)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	h.handler.OnInvite(inv)
}

// classify determines the call direction and builds the IncomingInvite.
// Returns nil without error when a SIP response has already been sent.
func (h *InviteHandler) classify(req *sip.Request, tx sip.ServerTransaction, callID string) (*IncomingInvite, error) {
	ctx := context.Background()

	sourceIP := sourceHost(req)
	toUser := req.Recipient.User
	fromUser := ""
	fromURI := ""
	if from := req.From(); from != nil {
		fromUser = from.Address.User
		fromURI = from.Address.String()
	}
	toURI := ""
	if to := req.To(); to != nil {
		toURI = to.Address.String()
	}

	// Blocked numbers are rejected before anything else touches the call.
	for _, number := range []string{fromUser, toUser} {
		if number == "" {
			continue
		}
		blocked, err := h.blocked.GetByNumber(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("checking blocklist for %q: %w", number, err)
		}
		if blocked != nil {
			h.logger.Warn("invite rejected: blocked number",
				"call_id", callID,
				"number", number,
				"reason", blocked.Reason,
			)
			h.respondError(req, tx, 403, "Forbidden")
			return nil, nil
		}
	}

	inv := &IncomingInvite{
		CallID:   callID,
		FromUser: fromUser,
		ToUser:   toUser,
		FromURI:  fromURI,
		ToURI:    toURI,
		Source:   req.Source(),
		Offer:    req.Body(),
	}

	// Calls arriving from a known trunk are inbound without auth.
	if trunk, ok := h.trunks.MatchSource(sourceIP); ok {
		h.logger.Debug("invite from trunk",
			"call_id", callID,
			"trunk", trunk.Name,
		)
		inv.Direction = DirectionInbound
		inv.Trunk = trunk
		inv.Dialog = NewServerDialog(req, tx, h.client, h.contact, h.logger)
		return inv, nil
	}

	// A From user matching a local account must authenticate; the call is
	// then local or outbound depending on the target.
	user, err := h.users.GetByUsername(ctx, fromUser)
	if err != nil {
		return nil, fmt.Errorf("looking up caller %q: %w", fromUser, err)
	}
	if user != nil {
		authed := h.auth.Authenticate(req, tx)
		if authed == nil {
			return nil, nil
		}
		inv.User = authed

		targetAOR := fmt.Sprintf("sip:%s@%s", toUser, h.auth.Realm())
		regs, err := h.registrations.ListByAOR(ctx, targetAOR)
		if err != nil {
			return nil, fmt.Errorf("looking up registrations for %q: %w", targetAOR, err)
		}
		if len(regs) > 0 {
			inv.Direction = DirectionLocal
		} else {
			inv.Direction = DirectionOutbound
		}
		inv.Dialog = NewServerDialog(req, tx, h.client, h.contact, h.logger)
		return inv, nil
	}

	// Unknown external caller: route to the AI bridge.
	inv.Direction = DirectionInbound
	inv.Dialog = NewServerDialog(req, tx, h.client, h.contact, h.logger)
	return inv, nil
}

// sourceHost extracts the IP (without port) from the request source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

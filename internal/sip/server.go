package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/events"
)

// Server wraps the sipgo stack with the VoiceBridge handlers: registrar,
// INVITE classification, MESSAGE intake, and trunk management.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	auth      *Authenticator
	registrar *Registrar
	invites   *InviteHandler
	messages  *MessageHandler
	trunks    *TrunkManager
	dialer    *Dialer
	handler   CallHandler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The call
// layer is attached afterwards with SetCallHandler, before Start.
func NewServer(cfg *config.Config, repos *database.Repositories, bus *events.Bus, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	mediaIP, err := cfg.ResolveMediaIP()
	if err != nil {
		return nil, fmt.Errorf("resolving media ip: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("VoiceBridge"),
		sipgo.WithUserAgentHostname(cfg.SIPRealm),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	contact := fmt.Sprintf("sip:voicebridge@%s:%d", mediaIP, cfg.SIPPort)

	auth := NewAuthenticator(repos.SipUsers, cfg.SIPRealm, logger)
	registrar := NewRegistrar(repos.Registrations, auth, bus, logger)
	trunks := NewTrunkManager(ua, repos.Trunks, logger)
	dialer := NewDialer(client, logger)
	invites := NewInviteHandler(repos.SipUsers, repos.Registrations, repos.BlockedNumbers, trunks, auth, client, contact, logger)
	messages := NewMessageHandler(repos.SMS, trunks, auth, bus, logger)

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		auth:      auth,
		registrar: registrar,
		invites:   invites,
		messages:  messages,
		trunks:    trunks,
		dialer:    dialer,
		logger:    logger,
	}

	s.registerHandlers()
	return s, nil
}

// SetCallHandler attaches the call layer. Must be called before Start.
func (s *Server) SetCallHandler(handler CallHandler) {
	s.handler = handler
	s.invites.SetHandler(handler)
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.invites.HandleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnMessage(s.messages.HandleMessage)
	s.srv.OnAck(s.handleACK)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnBye(s.handleBye)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on UDP and TCP and starts the trunk and cleanup
// loops. It returns once the listeners are launched.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	if err := s.trunks.Start(ctx); err != nil {
		s.logger.Error("failed to start trunks", "error", err)
	}

	return nil
}

// Stop shuts down listeners, trunks, and the underlying stack.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.trunks.StopAll()
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// TrunkManager exposes trunk status and admission to other layers.
func (s *Server) TrunkManager() *TrunkManager { return s.trunks }

// Dialer exposes the outbound dialer to the call layer.
func (s *Server) Dialer() *Dialer { return s.dialer }

// Messages exposes the MESSAGE handler for the SMS delivery worker.
func (s *Server) Messages() *MessageHandler { return s.messages }

// Client returns the shared SIP client transport.
func (s *Server) Client() *sipgo.Client { return s.client }

// Auth exposes the authenticator (admin API unblocks IPs through it).
func (s *Server) Auth() *Authenticator { return s.auth }

// handleACK forwards dialog confirmation to the call layer. ACK has no
// response.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	s.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
	if s.handler != nil {
		s.handler.OnAck(callID)
	}
}

// handleCancel aborts a ringing call. The INVITE transaction answers with
// 487 through the dialog; the CANCEL itself gets its own 200.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	s.logger.Info("sip cancel received",
		"call_id", callID,
		"source", req.Source(),
	)

	known := s.handler != nil && s.handler.OnCancel(callID)
	code, reason := 200, "OK"
	if !known {
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel",
			"call_id", callID,
			"error", err,
		)
	}
}

// handleBye tears down an answered call.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	s.logger.Info("sip bye received",
		"call_id", callID,
		"source", req.Source(),
	)

	known := s.handler != nil && s.handler.OnBye(callID, req.Source())
	code, reason := 200, "OK"
	if !known {
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye",
			"call_id", callID,
			"error", err,
		)
	}
}

// handleOptions responds to keepalive pings from trunks and phones.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, MESSAGE"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

func requestCallID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/sip"
)

const (
	// ringTimeout bounds the time from INVITE to a confirmed call.
	ringTimeout = 60 * time.Second

	// byeTimeout bounds the wait for a BYE response during teardown.
	byeTimeout = 5 * time.Second
)

// Config carries the call-layer settings from the main config.
type Config struct {
	MediaIP    string
	Realm      string
	AIEndpoint string
	AISecret   string
	JWTSecret  string
	MaxCalls   int
}

// Manager owns every active call: admission, construction, teardown, and
// CDR emission. It implements sip.CallHandler.
type Manager struct {
	cfg     Config
	ports   *media.PortAllocator
	cdrs    database.CDRRepository
	archive *database.CDRArchive // nil when no Postgres DSN is configured
	regs    database.RegistrationRepository
	dialer  *sip.Dialer
	trunks  *sip.TrunkManager
	bus     *events.Bus
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[string]*Call
}

// NewManager creates a call manager. archive may be nil.
func NewManager(
	cfg Config,
	ports *media.PortAllocator,
	cdrs database.CDRRepository,
	archive *database.CDRArchive,
	regs database.RegistrationRepository,
	dialer *sip.Dialer,
	trunks *sip.TrunkManager,
	bus *events.Bus,
	logger *slog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ports:   ports,
		cdrs:    cdrs,
		archive: archive,
		regs:    regs,
		dialer:  dialer,
		trunks:  trunks,
		bus:     bus,
		logger:  logger.With("component", "call"),
		ctx:     ctx,
		cancel:  cancel,
		calls:   make(map[string]*Call),
	}
}

// Count returns the number of active calls.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Active returns snapshots of all active calls.
func (m *Manager) Active() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Snapshot())
	}
	return out
}

// Get returns the snapshot for one call.
func (m *Manager) Get(callID string) (Snapshot, bool) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return c.Snapshot(), true
}

// Terminate ends a call on admin request. Returns false when unknown.
func (m *Manager) Terminate(callID string) bool {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.endCall(c, ReasonAdminAction)
	return true
}

// Stop tears down all active calls and stops accepting new ones.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	active := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		active = append(active, c)
	}
	m.mu.Unlock()

	for _, c := range active {
		m.endCall(c, ReasonServerShutdown)
	}
	m.logger.Info("call manager stopped", "calls_ended", len(active))
}

// admit registers a new call, enforcing the global and per-user caps.
// Returns a SIP status code to reject with, or 0 on admission.
func (m *Manager) admit(c *Call, maxUserCalls int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return 503
	}
	if len(m.calls) >= m.cfg.MaxCalls {
		m.logger.Warn("call rejected: global capacity reached",
			"call_id", c.ID,
			"max_calls", m.cfg.MaxCalls,
		)
		return 503
	}
	if c.UserID != 0 && maxUserCalls > 0 {
		count := 0
		for _, other := range m.calls {
			if other.UserID == c.UserID {
				count++
			}
		}
		if count >= maxUserCalls {
			m.logger.Warn("call rejected: per-user capacity reached",
				"call_id", c.ID,
				"user_id", c.UserID,
				"max", maxUserCalls,
			)
			return 486
		}
	}
	m.calls[c.ID] = c
	return 0
}

// OnInvite receives a classified INVITE from the SIP layer.
func (m *Manager) OnInvite(inv *sip.IncomingInvite) {
	c := newCall(inv.CallID, string(inv.Direction), inv.FromURI, inv.ToURI, inv.FromUser, inv.ToUser)
	c.dialog = inv.Dialog
	if inv.User != nil {
		c.UserID = inv.User.ID
	}
	if inv.Trunk != nil {
		id := inv.Trunk.ID
		c.trunkID = &id
	}

	maxUserCalls := 0
	if inv.User != nil {
		maxUserCalls = inv.User.MaxConcurrentCalls
	}
	if code := m.admit(c, maxUserCalls); code != 0 {
		reason := "Service Unavailable"
		if code == 486 {
			reason = "Busy Here"
		}
		inv.Dialog.Reject(code, reason)
		return
	}

	m.publish(events.CallStarted, c.ID, map[string]string{
		"direction": c.Direction,
		"from":      c.FromURI,
		"to":        c.ToURI,
	})
	m.armRingTimer(c)

	switch inv.Direction {
	case sip.DirectionInbound:
		go m.runInbound(c, inv)
	case sip.DirectionOutbound:
		go m.runOutbound(c, inv)
	case sip.DirectionLocal:
		go m.runLocal(c, inv)
	}
}

// armRingTimer ends the call if it is not confirmed within the ring window.
func (m *Manager) armRingTimer(c *Call) {
	c.mu.Lock()
	c.ringTimer = time.AfterFunc(ringTimeout, func() {
		switch c.State() {
		case StateInit, StateRinging, StateAnswered:
			m.logger.Warn("ring timeout", "call_id", c.ID)
			m.endCall(c, ReasonRingTimeout)
		}
	})
	c.mu.Unlock()
}

func (m *Manager) stopRingTimer(c *Call) {
	c.mu.Lock()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.mu.Unlock()
}

// OnAck confirms the caller dialog; the call is now fully bridged.
func (m *Manager) OnAck(callID string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.stopRingTimer(c)
	if err := c.transition(StateBridged); err != nil {
		return // already holding/ending; the ACK is late
	}
	m.notifyBridgeState(c, "bridged")
}

// OnCancel aborts a ringing call: 487 on the INVITE, then teardown.
func (m *Manager) OnCancel(callID string) bool {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if c.dialog != nil {
		c.dialog.RequestTerminated()
	}
	m.endCall(c, ReasonCancelled)
	return true
}

// OnBye tears down an answered call. The leg that sent the BYE is marked
// so teardown does not BYE it back.
func (m *Manager) OnBye(callID, source string) bool {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if c.dialog != nil && c.dialog.Source() == source {
		c.dialog.MarkByeReceived()
	} else if c.calleeLeg != nil {
		c.calleeLeg.MarkByeReceived()
	}
	m.endCall(c, ReasonNormal)
	return true
}

// OnReinvite handles hold and resume on an existing dialog.
func (m *Manager) OnReinvite(callID string, offer []byte, req *sipmsg.Request, tx sipmsg.ServerTransaction) bool {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok || c.dialog == nil {
		return false
	}

	sd, err := media.ParseSDP(offer)
	if err != nil {
		m.logger.Warn("re-invite with unparseable sdp",
			"call_id", callID,
			"error", err,
		)
		res := sipmsg.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		tx.Respond(res)
		return true
	}

	audio := sd.AudioMedia()
	hold := audio != nil && audio.OnHold()

	var rtpPort int
	c.mu.Lock()
	if c.callerSockets != nil {
		rtpPort = c.callerSockets.Ports.RTP
	}
	c.mu.Unlock()

	answer, _, err := media.BuildAnswer(sd, m.cfg.MediaIP, rtpPort)
	if err != nil {
		res := sipmsg.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		tx.Respond(res)
		return true
	}

	if hold {
		// sendonly offer -> recvonly answer, inactive -> inactive.
		dir := "recvonly"
		if audio.Direction == "inactive" {
			dir = "inactive"
		}
		answer.SetAudioDirection(dir)

		if err := c.transition(StateHolding); err == nil {
			m.setHeld(c, true)
			m.notifyBridgeState(c, "holding")
			m.logger.Info("call placed on hold", "call_id", callID)
		}
	} else {
		if err := c.transition(StateBridged); err == nil {
			m.setHeld(c, false)
			m.notifyBridgeState(c, "bridged")
			m.logger.Info("call resumed", "call_id", callID)
		}
		// The peer may have moved its media in the resume offer.
		if addr, aerr := sd.RemoteAudioAddr(); aerr == nil {
			c.mu.Lock()
			if c.pipeline != nil {
				c.pipeline.SetRemoteAddr(addr)
			}
			if c.relay != nil {
				c.relay.SetRemoteA(addr)
			}
			c.mu.Unlock()
		}
	}

	if err := c.dialog.AnswerReinvite(req, tx, answer.Marshal()); err != nil {
		m.logger.Error("failed to answer re-invite",
			"call_id", callID,
			"error", err,
		)
	}
	return true
}

func (m *Manager) setHeld(c *Call, held bool) {
	c.mu.Lock()
	pipeline, relay := c.pipeline, c.relay
	c.mu.Unlock()
	if pipeline != nil {
		pipeline.SetHeld(held)
	}
	if relay != nil {
		relay.SetHeld(held)
	}
}

// notifyBridgeState reports a state transition to the AI session (when one
// exists) and the event bus.
func (m *Manager) notifyBridgeState(c *Call, state string) {
	c.mu.Lock()
	br := c.bridge
	c.mu.Unlock()
	if br != nil {
		br.SendCallState(state)
	}

	kind := events.CallAnswered
	switch state {
	case "ringing":
		kind = events.CallRinging
	case "answered":
		kind = events.CallAnswered
	default:
		m.publish(events.BridgeStateChanged, c.ID, map[string]string{"state": state})
		return
	}
	m.publish(kind, c.ID, nil)
}

// transferCall hands the remote party off to target (blind transfer): a
// REFER on whichever SIP leg the call holds, then normal teardown. The
// referee places its own INVITE to the target; our media stops with the
// call.
func (m *Manager) transferCall(c *Call, target string) {
	uri := transferURI(target, m.cfg.Realm)

	c.mu.Lock()
	dialog := c.dialog
	leg := c.calleeLeg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	var err error
	switch {
	case dialog != nil:
		err = dialog.Refer(ctx, uri)
	case leg != nil:
		err = leg.Refer(ctx, uri)
	default:
		err = fmt.Errorf("call has no sip leg to transfer")
	}
	if err != nil {
		m.logger.Warn("transfer failed",
			"call_id", c.ID,
			"target", target,
			"error", err,
		)
		m.endCall(c, ReasonAIHangup)
		return
	}

	m.logger.Info("call transferred",
		"call_id", c.ID,
		"target", target,
	)
	m.endCall(c, ReasonTransferred)
}

// transferURI turns an AI-supplied transfer target into a SIP URI; bare
// numbers are addressed at our own realm.
func transferURI(target, realm string) string {
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	return fmt.Sprintf("sip:%s@%s", target, realm)
}

// endCall triggers exactly-once teardown. Runs asynchronously because it
// is called from media and bridge callbacks that must not block.
func (m *Manager) endCall(c *Call, reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.endReason = reason
		c.mu.Unlock()
		go m.teardown(c, reason)
	})
}

// teardown releases the call's resources in reverse construction order:
// bridge, media, ports, signaling, trunk slot. Each step tolerates the
// resource being absent (construction may have failed partway).
func (m *Manager) teardown(c *Call, reason string) {
	m.stopRingTimer(c)

	c.mu.Lock()
	if c.state != StateEnding && c.state != StateEnded {
		c.applyLocked(StateEnding)
	}
	br := c.bridge
	pipeline := c.pipeline
	relay := c.relay
	callerSockets := c.callerSockets
	calleeSockets := c.calleeSockets
	dialog := c.dialog
	calleeLeg := c.calleeLeg
	trunkRelease := c.trunkRelease
	answered := c.answeredAt != nil
	c.mu.Unlock()

	if br != nil {
		br.Close()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if relay != nil {
		relay.Stop()
	}
	if callerSockets != nil {
		m.ports.Release(callerSockets)
	}
	if calleeSockets != nil {
		m.ports.Release(calleeSockets)
	}

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	if dialog != nil {
		if answered {
			if err := dialog.Bye(ctx); err != nil {
				m.logger.Debug("bye to caller failed",
					"call_id", c.ID,
					"error", err,
				)
			}
		} else {
			dialog.Reject(503, "Service Unavailable")
		}
	}
	if calleeLeg != nil {
		if err := calleeLeg.Bye(ctx); err != nil {
			m.logger.Debug("bye to callee failed",
				"call_id", c.ID,
				"error", err,
			)
		}
	}
	if trunkRelease != nil {
		trunkRelease()
	}

	c.mu.Lock()
	c.applyLocked(StateEnded)
	c.mu.Unlock()

	m.mu.Lock()
	delete(m.calls, c.ID)
	m.mu.Unlock()

	m.writeCDR(c)
	m.publish(events.CallEnded, c.ID, map[string]string{"reason": reason})

	m.logger.Info("call ended",
		"call_id", c.ID,
		"direction", c.Direction,
		"reason", reason,
	)
}

func (m *Manager) writeCDR(c *Call) {
	rec := c.cdr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.cdrs.Create(ctx, rec); err != nil {
		m.logger.Error("failed to persist cdr",
			"call_id", c.ID,
			"error", err,
		)
	}
	if m.archive != nil {
		if err := m.archive.Archive(ctx, rec); err != nil {
			m.logger.Error("failed to archive cdr",
				"call_id", c.ID,
				"error", err,
			)
		}
	}
}

func (m *Manager) publish(kind events.Kind, callID string, attrs map[string]string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Kind: kind, CallID: callID, Attrs: attrs})
}

// rejectWith sends a failure response on the caller dialog and ends the
// call bookkeeping without a CDR-worthy answer.
func (m *Manager) rejectWith(c *Call, code int, reasonPhrase, endReason string) {
	c.mu.Lock()
	dialog := c.dialog
	c.mu.Unlock()
	if dialog != nil {
		dialog.Reject(code, reasonPhrase)
	}
	m.endCall(c, endReason)
}

// mapMediaError converts media setup failures to SIP rejections.
func (m *Manager) mapMediaError(err error) (int, string) {
	switch {
	case errors.Is(err, media.ErrNoCompatibleCodec):
		return 488, "Not Acceptable Here"
	case errors.Is(err, media.ErrNoPortsAvailable):
		return 503, "Service Unavailable"
	default:
		return 500, "Internal Server Error"
	}
}

func codecName(payloadType int) string {
	if payloadType == media.PayloadPCMA {
		return "PCMA"
	}
	return "PCMU"
}

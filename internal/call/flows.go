package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/sip"
)

// runInbound sets up a caller-to-AI call: answer the caller's offer, open
// the WebSocket bridge, and start the media pipeline between them.
func (m *Manager) runInbound(c *Call, inv *sip.IncomingInvite) {
	offer, err := media.ParseSDP(inv.Offer)
	if err != nil {
		m.logger.Warn("invite with unparseable sdp",
			"call_id", c.ID,
			"error", err,
		)
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}
	remoteAddr, err := offer.RemoteAudioAddr()
	if err != nil {
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}

	sockets, err := m.ports.Acquire()
	if err != nil {
		code, phrase := m.mapMediaError(err)
		m.rejectWith(c, code, phrase, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.callerSockets = sockets
	c.mu.Unlock()

	answer, payloadType, err := media.BuildAnswer(offer, m.cfg.MediaIP, sockets.Ports.RTP)
	if err != nil {
		code, phrase := m.mapMediaError(err)
		m.rejectWith(c, code, phrase, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.codec = codecName(payloadType)
	c.mu.Unlock()

	if err := inv.Dialog.Ringing(); err != nil {
		m.logger.Warn("failed to send ringing", "call_id", c.ID, "error", err)
	}
	c.transition(StateRinging)
	m.publish(events.CallRinging, c.ID, nil)

	session := m.newBridgeSession(c)
	c.mu.Lock()
	c.bridge = session
	c.mu.Unlock()

	if err := session.Start(m.ctx); err != nil {
		m.logger.Error("bridge handshake failed",
			"call_id", c.ID,
			"error", err,
		)
		m.rejectWith(c, 503, "Service Unavailable", ReasonAuthFailed)
		return
	}

	inband := !offerHasTelephoneEvent(offer)
	pipeline, err := media.NewPipeline(media.PipelineConfig{
		CallID:      c.ID,
		PayloadType: uint8(payloadType),
		Sockets:     sockets,
		RemoteAddr:  remoteAddr,
		InbandDTMF:  inband,
		OnIngressPCM: func(pcm []byte) {
			session.SendAudio(pcm)
		},
		OnDTMF: func(ev dtmf.Event) {
			session.SendDTMF(ev.Digit, ev.DurationMs)
			m.publish(events.DTMFDetected, c.ID, map[string]string{
				"digit":  ev.Digit,
				"method": string(ev.Method),
			})
		},
		OnFatal: func(reason string) {
			m.endCall(c, reason)
		},
		Logger: m.logger,
	})
	if err != nil {
		m.logger.Error("failed to create media pipeline",
			"call_id", c.ID,
			"error", err,
		)
		m.rejectWith(c, 500, "Internal Server Error", ReasonRejected)
		return
	}
	c.mu.Lock()
	c.pipeline = pipeline
	c.mu.Unlock()
	pipeline.Start(m.ctx)

	if err := inv.Dialog.Answer(answer.Marshal()); err != nil {
		m.logger.Error("failed to answer invite",
			"call_id", c.ID,
			"error", err,
		)
		m.endCall(c, ReasonRejected)
		return
	}
	if err := c.transition(StateAnswered); err != nil {
		return // raced with teardown
	}
	session.SendCallState("answered")
	m.publish(events.CallAnswered, c.ID, nil)

	m.logger.Info("inbound call answered",
		"call_id", c.ID,
		"from", c.FromUser,
		"codec", codecName(payloadType),
	)
}

// newBridgeSession builds the AI WebSocket session for a call.
func (m *Manager) newBridgeSession(c *Call) *bridge.Session {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	return bridge.NewSession(bridge.SessionConfig{
		CallID:     c.ID,
		Endpoint:   m.cfg.AIEndpoint,
		Secret:     m.cfg.AISecret,
		JWTSecret:  m.cfg.JWTSecret,
		FromNumber: c.FromUser,
		ToNumber:   c.ToUser,
		Direction:  c.Direction,
		Codec:      codec,
		OnAudio: func(pcm []byte) {
			c.mu.Lock()
			pipeline := c.pipeline
			c.mu.Unlock()
			if pipeline != nil {
				pipeline.PushEgress(pcm)
			}
		},
		OnHangup: func() {
			m.endCall(c, ReasonAIHangup)
		},
		OnTransfer: func(target string) {
			// REFER blocks on the SIP transaction; the callback must not.
			go m.transferCall(c, target)
		},
		OnDTMF: func(digit string) {
			c.mu.Lock()
			pipeline := c.pipeline
			c.mu.Unlock()
			if pipeline == nil {
				return
			}
			pipeline.SendDTMF(digit, 0)
		},
		OnControl: func(data json.RawMessage) {
			m.logger.Debug("bridge control frame", "call_id", c.ID)
		},
		OnStateChange: func(st bridge.State) {
			m.publish(events.BridgeStateChanged, c.ID, map[string]string{
				"state": string(st),
			})
		},
		OnFatal: func(reason string) {
			m.endCall(c, reason)
		},
		Logger: m.logger,
	})
}

// runOutbound places a caller's call to an external number through a trunk
// and relays RTP between the two legs.
func (m *Manager) runOutbound(c *Call, inv *sip.IncomingInvite) {
	offer, err := media.ParseSDP(inv.Offer)
	if err != nil {
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}
	remoteA, err := offer.RemoteAudioAddr()
	if err != nil {
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}

	trunk, release, err := m.trunks.Admit()
	if err != nil {
		m.logger.Warn("no trunk available for outbound call",
			"call_id", c.ID,
			"error", err,
		)
		m.rejectWith(c, 503, "Service Unavailable", ReasonRejected)
		return
	}
	c.mu.Lock()
	c.trunkRelease = release
	id := trunk.ID
	c.trunkID = &id
	c.mu.Unlock()

	m.dialLeg(c, inv, offer, remoteA, func(ctx context.Context, calleeSDP []byte, onProgress func(int, []byte)) (*sip.DialResult, error) {
		return m.dialer.Invite(ctx, trunk, c.ToUser, c.ID, calleeSDP, onProgress)
	})
}

// runLocal places a user-to-user call by dialing the callee's registered
// contact and relaying RTP between the legs.
func (m *Manager) runLocal(c *Call, inv *sip.IncomingInvite) {
	offer, err := media.ParseSDP(inv.Offer)
	if err != nil {
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}
	remoteA, err := offer.RemoteAudioAddr()
	if err != nil {
		m.rejectWith(c, 488, "Not Acceptable Here", ReasonRejected)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	aor := fmt.Sprintf("sip:%s@%s", c.ToUser, m.cfg.Realm)
	regs, err := m.regs.ListByAOR(ctx, aor)
	cancel()
	if err != nil || len(regs) == 0 {
		m.logger.Info("callee not registered",
			"call_id", c.ID,
			"aor", aor,
		)
		m.rejectWith(c, 480, "Temporarily Unavailable", ReasonRejected)
		return
	}
	reg := regs[0]

	m.dialLeg(c, inv, offer, remoteA, func(ctx context.Context, calleeSDP []byte, onProgress func(int, []byte)) (*sip.DialResult, error) {
		return m.dialer.InviteContact(ctx, reg.ContactURI, reg.Transport, c.ID, calleeSDP, onProgress)
	})
}

// dialLeg runs the shared two-leg flow: allocate media for both legs, dial
// the callee, answer the caller, and start the RTP relay between them.
func (m *Manager) dialLeg(
	c *Call,
	inv *sip.IncomingInvite,
	offer *media.SessionDescription,
	remoteA *net.UDPAddr,
	dial func(ctx context.Context, calleeSDP []byte, onProgress func(int, []byte)) (*sip.DialResult, error),
) {
	callerSockets, err := m.ports.Acquire()
	if err != nil {
		m.rejectWith(c, 503, "Service Unavailable", ReasonRejected)
		return
	}
	calleeSockets, err := m.ports.Acquire()
	if err != nil {
		m.ports.Release(callerSockets)
		m.rejectWith(c, 503, "Service Unavailable", ReasonRejected)
		return
	}
	c.mu.Lock()
	c.callerSockets = callerSockets
	c.calleeSockets = calleeSockets
	c.mu.Unlock()

	calleeOffer := media.BuildOffer(m.cfg.MediaIP, calleeSockets.Ports.RTP)

	onProgress := func(statusCode int, body []byte) {
		if err := inv.Dialog.Ringing(); err == nil {
			c.transition(StateRinging)
			m.publish(events.CallRinging, c.ID, nil)
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, ringTimeout)
	defer cancel()
	result, err := dial(ctx, calleeOffer.Marshal(), onProgress)
	if err != nil {
		m.logger.Warn("callee leg failed",
			"call_id", c.ID,
			"error", err,
		)
		m.rejectWith(c, 503, "Service Unavailable", ReasonRejected)
		return
	}
	if result.Leg == nil {
		code, phrase := sip.MapTrunkFailure(result.StatusCode)
		m.logger.Info("callee leg rejected",
			"call_id", c.ID,
			"status", result.StatusCode,
			"reason", result.Reason,
		)
		m.rejectWith(c, code, phrase, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.calleeLeg = result.Leg
	c.mu.Unlock()

	calleeAnswer, err := media.ParseSDP(result.Leg.Answer().Body())
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	remoteB, err := calleeAnswer.RemoteAudioAddr()
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	if err := result.Leg.Ack(); err != nil {
		m.logger.Error("failed to ack callee leg",
			"call_id", c.ID,
			"error", err,
		)
		m.endCall(c, ReasonRejected)
		return
	}

	callerAnswer, payloadType, err := media.BuildAnswer(offer, m.cfg.MediaIP, callerSockets.Ports.RTP)
	if err != nil {
		code, phrase := m.mapMediaError(err)
		m.rejectWith(c, code, phrase, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.codec = codecName(payloadType)
	c.mu.Unlock()

	relay := media.NewRelay(media.RelayConfig{
		CallID:  c.ID,
		LegA:    callerSockets,
		LegB:    calleeSockets,
		RemoteA: remoteA,
		RemoteB: remoteB,
		OnFatal: func(reason string) {
			m.endCall(c, reason)
		},
		Logger: m.logger,
	})
	c.mu.Lock()
	c.relay = relay
	c.mu.Unlock()
	relay.Start()

	if err := inv.Dialog.Answer(callerAnswer.Marshal()); err != nil {
		m.logger.Error("failed to answer caller",
			"call_id", c.ID,
			"error", err,
		)
		m.endCall(c, ReasonRejected)
		return
	}
	if err := c.transition(StateAnswered); err != nil {
		return
	}
	m.publish(events.CallAnswered, c.ID, nil)

	m.logger.Info("two-leg call answered",
		"call_id", c.ID,
		"direction", c.Direction,
		"to", c.ToUser,
	)
}

// Originate places a server-initiated call to an external number and
// bridges it to the AI backend once the far end answers. Used by the
// admin API.
func (m *Manager) Originate(ctx context.Context, toNumber string) (string, error) {
	callID := uuid.NewString()
	from := fmt.Sprintf("sip:voicebridge@%s", m.cfg.Realm)
	to := fmt.Sprintf("sip:%s@%s", toNumber, m.cfg.Realm)

	c := newCall(callID, string(sip.DirectionOutbound), from, to, "voicebridge", toNumber)
	if code := m.admit(c, 0); code != 0 {
		return "", fmt.Errorf("call rejected: capacity reached")
	}

	trunk, release, err := m.trunks.Admit()
	if err != nil {
		m.removeCall(c)
		return "", fmt.Errorf("no trunk available: %w", err)
	}
	c.mu.Lock()
	c.trunkRelease = release
	id := trunk.ID
	c.trunkID = &id
	c.mu.Unlock()

	sockets, err := m.ports.Acquire()
	if err != nil {
		release()
		m.removeCall(c)
		return "", err
	}
	c.mu.Lock()
	c.callerSockets = sockets
	c.mu.Unlock()

	m.publish(events.CallStarted, c.ID, map[string]string{
		"direction": c.Direction,
		"from":      from,
		"to":        to,
	})
	m.armRingTimer(c)

	go m.runOriginate(c, trunk, toNumber, sockets)
	return callID, nil
}

// removeCall drops bookkeeping for a call that never got resources.
func (m *Manager) removeCall(c *Call) {
	m.mu.Lock()
	delete(m.calls, c.ID)
	m.mu.Unlock()
}

func (m *Manager) runOriginate(c *Call, trunk *models.Trunk, toNumber string, sockets *media.SocketPair) {
	offer := media.BuildOffer(m.cfg.MediaIP, sockets.Ports.RTP)

	ctx, cancel := context.WithTimeout(m.ctx, ringTimeout)
	defer cancel()

	onProgress := func(statusCode int, body []byte) {
		c.transition(StateRinging)
		m.publish(events.CallRinging, c.ID, nil)
	}

	result, err := m.dialer.Invite(ctx, trunk, toNumber, c.ID, offer.Marshal(), onProgress)
	if err != nil {
		m.logger.Warn("originate failed", "call_id", c.ID, "error", err)
		m.endCall(c, ReasonRejected)
		return
	}
	if result.Leg == nil {
		m.logger.Info("originate rejected by trunk",
			"call_id", c.ID,
			"status", result.StatusCode,
			"reason", result.Reason,
		)
		m.endCall(c, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.calleeLeg = result.Leg
	c.mu.Unlock()

	answer, err := media.ParseSDP(result.Leg.Answer().Body())
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	remoteAddr, err := answer.RemoteAudioAddr()
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	audio := answer.AudioMedia()
	if audio == nil {
		m.endCall(c, ReasonRejected)
		return
	}
	payloadType, err := media.SelectCodec(audio)
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.codec = codecName(payloadType)
	c.mu.Unlock()

	if err := result.Leg.Ack(); err != nil {
		m.endCall(c, ReasonRejected)
		return
	}

	session := m.newBridgeSession(c)
	c.mu.Lock()
	c.bridge = session
	c.mu.Unlock()
	if err := session.Start(m.ctx); err != nil {
		m.logger.Error("bridge handshake failed on originate",
			"call_id", c.ID,
			"error", err,
		)
		m.endCall(c, ReasonAuthFailed)
		return
	}

	pipeline, err := media.NewPipeline(media.PipelineConfig{
		CallID:      c.ID,
		PayloadType: uint8(payloadType),
		Sockets:     sockets,
		RemoteAddr:  remoteAddr,
		InbandDTMF:  !offerHasTelephoneEvent(answer),
		OnIngressPCM: func(pcm []byte) {
			session.SendAudio(pcm)
		},
		OnDTMF: func(ev dtmf.Event) {
			session.SendDTMF(ev.Digit, ev.DurationMs)
			m.publish(events.DTMFDetected, c.ID, map[string]string{
				"digit":  ev.Digit,
				"method": string(ev.Method),
			})
		},
		OnFatal: func(reason string) {
			m.endCall(c, reason)
		},
		Logger: m.logger,
	})
	if err != nil {
		m.endCall(c, ReasonRejected)
		return
	}
	c.mu.Lock()
	c.pipeline = pipeline
	c.mu.Unlock()
	pipeline.Start(m.ctx)

	m.stopRingTimer(c)
	if err := c.transition(StateAnswered); err != nil {
		return
	}
	if err := c.transition(StateBridged); err == nil {
		session.SendCallState("bridged")
	}
	m.publish(events.CallAnswered, c.ID, nil)

	m.logger.Info("originated call answered",
		"call_id", c.ID,
		"to", toNumber,
		"trunk", trunk.Name,
	)
}

// offerHasTelephoneEvent reports whether the peer negotiated RFC 2833
// digits; without it the pipeline falls back to in-band detection.
func offerHasTelephoneEvent(sd *media.SessionDescription) bool {
	audio := sd.AudioMedia()
	return audio != nil && audio.HasFormat(media.PayloadTelephoneEvent)
}

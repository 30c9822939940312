// Package bridge maintains the WebSocket session that streams a call's audio
// to the AI backend and carries its control frames back. One Session per
// call; reconnects preserve the call_id and sequence continuity.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the bridge session lifecycle state.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateStreaming     State = "streaming"
	StateReconnecting  State = "reconnecting"
	StateClosed        State = "closed"
)

// End reasons reported through OnFatal.
const (
	ReasonAuthFailed    = "auth_failed"
	ReasonUnrecoverable = "bridge_unrecoverable"
)

const (
	audioQueueDepth  = 100
	handshakeTimeout = 5 * time.Second

	reconnectBase     = 500 * time.Millisecond
	reconnectCap      = 10 * time.Second
	reconnectAttempts = 3

	idleTimeout    = 60 * time.Second
	pingRetry      = 5 * time.Second
	maxMissedPongs = 3

	drainTimeout = 500 * time.Millisecond
)

var (
	errAuthFailed  = errors.New("bridge auth failed")
	errClosing     = errors.New("bridge closing")
	errMissedPongs = errors.New("too many missed pongs")
)

// Stats counts frame flow over the session's lifetime, across reconnects.
type Stats struct {
	AudioFramesSent     atomic.Uint64
	AudioFramesReceived atomic.Uint64
	AudioDropped        atomic.Uint64
	InboundAudioDropped atomic.Uint64
	BytesSent           atomic.Uint64
	BytesReceived       atomic.Uint64
	UnknownFrames       atomic.Uint64
	Reconnects          atomic.Uint64
}

// SessionConfig wires one call's bridge.
type SessionConfig struct {
	CallID    string
	Endpoint  string
	Secret    string // HMAC shared secret for the call signature
	JWTSecret string // bearer token signing key

	FromNumber string
	ToNumber   string
	Direction  string
	Codec      string

	// Callbacks run on the session's goroutines and must not block.
	OnAudio       func(pcm []byte) // decoded PCM16@16k from the AI
	OnHangup      func()
	OnTransfer    func(target string)
	OnDTMF        func(digit string)
	OnControl     func(data json.RawMessage)
	OnStateChange func(State)
	OnFatal       func(reason string)

	Logger *slog.Logger
	Dialer *websocket.Dialer // nil uses a dialer with the handshake timeout
}

// Session is one call's AI WebSocket connection.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	audioQ chan []byte // marshaled audio_data frames

	// Control frames (dtmf, call_state) ride a priority lane that never
	// drops; it survives reconnects so digits pressed during an outage
	// flush once the session is re-authenticated.
	ctrlMu     sync.Mutex
	ctrlQ      [][]byte
	ctrlSignal chan struct{}

	// Inbound control frames (hangup, transfer, dtmf) have the same
	// guarantee in the other direction: only audio_data is shed when the
	// receive queue backs up.
	inMu     sync.Mutex
	inCtrlQ  [][]byte
	inSignal chan struct{}

	seq atomic.Uint64

	stateMu sync.Mutex
	state   State

	closed    chan struct{}
	closeOnce sync.Once
	fatalOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	Stats Stats
}

// NewSession creates a session; nothing connects until Start.
func NewSession(cfg SessionConfig) *Session {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("subsystem", "bridge", "call_id", cfg.CallID),
		dialer:     dialer,
		audioQ:     make(chan []byte, audioQueueDepth),
		ctrlSignal: make(chan struct{}, 1),
		inSignal:   make(chan struct{}, 1),
		closed:     make(chan struct{}),
		state:      StateConnecting,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	if s.state == st || s.state == StateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = st
	s.stateMu.Unlock()

	s.logger.Debug("bridge state changed", "state", st)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// Start dials the AI endpoint and performs the auth handshake. It returns
// an error when the handshake fails (the caller ends the call with
// auth_failed); afterwards the session runs until Close or an unrecoverable
// transport failure.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	conn, err := s.connect(ctx)
	if err != nil {
		s.setState(StateClosed)
		s.cancel()
		return fmt.Errorf("bridge handshake: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx, conn)
	return nil
}

// SendAudio queues one PCM16@16k frame for the AI. Non-blocking: when the
// audio queue is full the oldest frame is dropped.
func (s *Session) SendAudio(pcm []byte) {
	frame := dataFrame{
		Type: frameAudioData,
		Data: audioData{
			CallID:    s.cfg.CallID,
			Audio:     base64.StdEncoding.EncodeToString(pcm),
			Timestamp: time.Now().UnixMilli(),
			Sequence:  s.seq.Add(1) - 1,
		},
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.audioQ <- msg:
		return
	default:
	}
	select {
	case <-s.audioQ:
		s.Stats.AudioDropped.Add(1)
	default:
	}
	select {
	case s.audioQ <- msg:
	default:
	}
}

// SendDTMF forwards a detected digit on the priority lane.
func (s *Session) SendDTMF(digit string, durationMs int) {
	s.enqueueControl(dataFrame{
		Type: frameDTMF,
		Data: dtmfData{CallID: s.cfg.CallID, Digit: digit, DurationMs: durationMs},
	})
}

// SendCallState reports a call state transition on the priority lane.
func (s *Session) SendCallState(state string) {
	s.enqueueControl(dataFrame{
		Type: frameCallState,
		Data: callStateData{CallID: s.cfg.CallID, State: state},
	})
}

func (s *Session) enqueueControl(frame dataFrame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.ctrlMu.Lock()
	s.ctrlQ = append(s.ctrlQ, msg)
	s.ctrlMu.Unlock()
	select {
	case s.ctrlSignal <- struct{}{}:
	default:
	}
}

func (s *Session) takeControl() [][]byte {
	s.ctrlMu.Lock()
	q := s.ctrlQ
	s.ctrlQ = nil
	s.ctrlMu.Unlock()
	return q
}

func (s *Session) enqueueInboundCtrl(msg []byte) {
	s.inMu.Lock()
	s.inCtrlQ = append(s.inCtrlQ, msg)
	s.inMu.Unlock()
	select {
	case s.inSignal <- struct{}{}:
	default:
	}
}

func (s *Session) takeInboundCtrl() [][]byte {
	s.inMu.Lock()
	q := s.inCtrlQ
	s.inCtrlQ = nil
	s.inMu.Unlock()
	return q
}

// inboundFrameType peeks at the type tag so the reader can shed only audio
// under backpressure. Unparseable frames return "" and take the control
// lane, where handleInbound closes the connection with 1007.
func inboundFrameType(msg []byte) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &peek); err != nil {
		return ""
	}
	return peek.Type
}

// Close shuts the session down: best-effort final call_state, WS close 1000,
// bounded receive drain, and cancellation of any in-flight reconnect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.SendCallState("ended")
		close(s.closed)
	})
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.setState(StateClosed)
}

func (s *Session) fatal(reason string) {
	s.fatalOnce.Do(func() {
		s.logger.Warn("bridge fatal", "reason", reason)
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(reason)
		}
	})
}

// connect dials the endpoint, sends the auth frame, and waits for auth_ok
// within the handshake timeout.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.cfg.Endpoint, err)
	}

	now := time.Now()
	timestamp := strconv.FormatInt(now.Unix(), 10)
	token, err := bearerToken(s.cfg.JWTSecret, s.cfg.CallID, now)
	if err != nil {
		conn.Close()
		return nil, err
	}

	auth := authFrame{
		Type: frameAuth,
		Auth: authData{
			Token:     token,
			Signature: signCall(s.cfg.Secret, s.cfg.CallID, timestamp),
			Timestamp: timestamp,
			CallID:    s.cfg.CallID,
		},
		Call: callMeta{
			ConversationID: s.cfg.CallID,
			FromNumber:     s.cfg.FromNumber,
			ToNumber:       s.cfg.ToNumber,
			Direction:      s.cfg.Direction,
			Codec:          s.cfg.Codec,
			SampleRate:     16000,
		},
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth frame: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply inboundFrame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for auth_ok: %v", errAuthFailed, err)
	}
	conn.SetReadDeadline(time.Time{})

	if reply.Type != frameAuthOK {
		conn.Close()
		return nil, fmt.Errorf("%w: got %q", errAuthFailed, reply.Type)
	}

	s.setState(StateAuthenticated)
	s.logger.Info("bridge authenticated", "endpoint", s.cfg.Endpoint)
	return conn, nil
}

// run owns the connection: it streams until a transport error, then walks the
// reconnect schedule. It exits on Close or when reconnection is exhausted.
func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		err := s.stream(ctx, conn)
		conn.Close()

		switch {
		case err == nil || errors.Is(err, errClosing) || ctx.Err() != nil:
			return
		}

		s.logger.Warn("bridge transport error", "error", err)
		next, rerr := s.reconnect(ctx)
		if rerr != nil {
			if errors.Is(rerr, errClosing) || ctx.Err() != nil {
				return
			}
			s.fatal(ReasonUnrecoverable)
			return
		}
		conn = next
	}
}

// reconnect walks the backoff schedule: 500 ms doubling to a 10 s cap with
// ±20% jitter, at most three attempts.
func (s *Session) reconnect(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateReconnecting)
	backoff := reconnectBase

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		jittered := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, errClosing
		case <-time.After(jittered):
		}

		conn, err := s.connect(ctx)
		if err == nil {
			s.Stats.Reconnects.Add(1)
			s.logger.Info("bridge reconnected", "attempt", attempt)
			return conn, nil
		}
		s.logger.Warn("bridge reconnect attempt failed", "attempt", attempt, "error", err)

		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
	return nil, fmt.Errorf("reconnect attempts exhausted")
}

// stream runs one connection until transport failure or shutdown.
func (s *Session) stream(ctx context.Context, conn *websocket.Conn) error {
	s.setState(StateStreaming)

	readErr := make(chan error, 1)
	inbound := make(chan []byte, audioQueueDepth)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if inboundFrameType(msg) == frameAudioData {
				select {
				case inbound <- msg:
				default:
					// Receive queue full; shed the audio frame.
					s.Stats.InboundAudioDropped.Add(1)
				}
				continue
			}
			// Everything else (hangup, transfer, dtmf, control, pong) must
			// reach the dispatcher regardless of audio backpressure.
			s.enqueueInboundCtrl(msg)
		}
	}()

	// Flush control frames queued while disconnected, in both directions:
	// ours first, then anything read just before the previous transport
	// dropped.
	if err := s.writeControl(conn); err != nil {
		return err
	}
	for _, msg := range s.takeInboundCtrl() {
		if err := s.handleInbound(conn, msg); err != nil {
			return err
		}
	}

	lastRecv := time.Now()
	lastPing := time.Time{}
	missedPongs := 0

	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.closed:
			s.shutdownConn(conn, readErr)
			return errClosing

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case msg := <-inbound:
			lastRecv = time.Now()
			missedPongs = 0
			if err := s.handleInbound(conn, msg); err != nil {
				return err
			}

		case <-s.inSignal:
			lastRecv = time.Now()
			missedPongs = 0
			for _, msg := range s.takeInboundCtrl() {
				if err := s.handleInbound(conn, msg); err != nil {
					return err
				}
			}

		case <-s.ctrlSignal:
			if err := s.writeControl(conn); err != nil {
				return fmt.Errorf("write control: %w", err)
			}

		case msg := <-s.audioQ:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write audio: %w", err)
			}
			s.Stats.AudioFramesSent.Add(1)
			s.Stats.BytesSent.Add(uint64(len(msg)))

		case now := <-idle.C:
			if now.Sub(lastRecv) < idleTimeout || now.Sub(lastPing) < pingRetry {
				continue
			}
			if missedPongs >= maxMissedPongs {
				return errMissedPongs
			}
			ping, _ := json.Marshal(dataFrame{Type: framePing})
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
			lastPing = now
			missedPongs++
		}
	}
}

// shutdownConn performs the orderly close: flush control frames, WS close
// 1000, then drain the peer until the deadline.
func (s *Session) shutdownConn(conn *websocket.Conn, readErr chan error) {
	s.writeControl(conn)

	deadline := time.Now().Add(drainTimeout)
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	conn.SetReadDeadline(deadline)
	select {
	case <-readErr:
	case <-time.After(drainTimeout):
	}
}

func (s *Session) writeControl(conn *websocket.Conn) error {
	for _, msg := range s.takeControl() {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
		s.Stats.BytesSent.Add(uint64(len(msg)))
	}
	return nil
}

// handleInbound dispatches one frame from the AI. Malformed JSON closes the
// connection with 1007.
func (s *Session) handleInbound(conn *websocket.Conn, msg []byte) error {
	s.Stats.BytesReceived.Add(uint64(len(msg)))

	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "invalid json"))
		return fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Type {
	case frameAudioData:
		var audio inboundAudio
		if err := json.Unmarshal(frame.Data, &audio); err != nil {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(audio.Audio)
		if err != nil {
			return nil
		}
		s.Stats.AudioFramesReceived.Add(1)
		if s.cfg.OnAudio != nil {
			s.cfg.OnAudio(pcm)
		}

	case frameHangup:
		s.logger.Info("bridge received hangup")
		if s.cfg.OnHangup != nil {
			s.cfg.OnHangup()
		}

	case frameTransfer:
		var tr inboundTransfer
		if err := json.Unmarshal(frame.Data, &tr); err != nil {
			return nil
		}
		if s.cfg.OnTransfer != nil {
			s.cfg.OnTransfer(tr.Target)
		}

	case frameDTMF:
		var d inboundDTMF
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil
		}
		if s.cfg.OnDTMF != nil {
			s.cfg.OnDTMF(d.Digit)
		}

	case frameControl:
		if s.cfg.OnControl != nil {
			s.cfg.OnControl(frame.Data)
		}

	case framePong, frameAuthOK:
		// Activity already noted by the caller.

	default:
		s.Stats.UnknownFrames.Add(1)
	}
	return nil
}

// Package call owns the lifecycle of every call the server carries: the
// per-call state machine, admission, resource construction and teardown,
// and CDR emission.
package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/sip"
)

// State is a call's lifecycle state.
type State string

const (
	StateInit     State = "init"
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateBridged  State = "bridged"
	StateHolding  State = "holding"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
)

// End reasons recorded in the CDR.
const (
	ReasonNormal         = "normal"
	ReasonCancelled      = "cancelled"
	ReasonRejected       = "rejected"
	ReasonRingTimeout    = "ring_timeout"
	ReasonAIHangup       = "ai_hangup"
	ReasonTransferred    = "transferred"
	ReasonAuthFailed     = "auth_failed"
	ReasonAdminAction    = "admin_terminated"
	ReasonServerShutdown = "server_shutdown"
)

// validTransitions is the state machine edge set. Ending and ended are
// reachable from every live state; the table lists the forward edges.
var validTransitions = map[State][]State{
	StateInit:     {StateRinging, StateAnswered, StateEnding},
	StateRinging:  {StateAnswered, StateEnding},
	StateAnswered: {StateBridged, StateHolding, StateEnding},
	StateBridged:  {StateHolding, StateEnding},
	StateHolding:  {StateBridged, StateEnding},
	StateEnding:   {StateEnded},
	StateEnded:    {},
}

// ErrBadTransition is wrapped by transition errors so callers can branch.
var ErrBadTransition = fmt.Errorf("invalid state transition")

// Call is one active call. Identity fields are immutable after creation;
// mutable state is guarded by mu and only the owning Manager mutates it.
type Call struct {
	ID        string
	Direction string // "inbound" | "outbound" | "local"
	FromURI   string
	ToURI     string
	FromUser  string
	ToUser    string
	CreatedAt time.Time

	// UserID is set for calls placed by an authenticated local account,
	// used for the per-user concurrency cap.
	UserID int64

	mu         sync.Mutex
	state      State
	answeredAt *time.Time
	endedAt    *time.Time
	endReason  string
	codec      string
	trunkID    *int64

	// Resources, in construction order. Teardown runs in reverse and
	// exactly once.
	dialog        *sip.Dialog
	calleeLeg     *sip.OutboundLeg
	callerSockets *media.SocketPair
	calleeSockets *media.SocketPair
	pipeline      *media.Pipeline
	relay         *media.Relay
	bridge        *bridge.Session
	trunkRelease  func()

	ringTimer *time.Timer
	endOnce   sync.Once
}

// newCall creates a call in init state.
func newCall(id, direction, fromURI, toURI, fromUser, toUser string) *Call {
	return &Call{
		ID:        id,
		Direction: direction,
		FromURI:   fromURI,
		ToURI:     toURI,
		FromUser:  fromUser,
		ToUser:    toUser,
		CreatedAt: time.Now(),
		state:     StateInit,
	}
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the call to next, rejecting edges outside the machine.
func (c *Call) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(next)
}

func (c *Call) transitionLocked(next State) error {
	for _, allowed := range validTransitions[c.state] {
		if allowed == next {
			c.applyLocked(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (call %s)", ErrBadTransition, c.state, next, c.ID)
}

func (c *Call) applyLocked(next State) {
	c.state = next
	now := time.Now()
	switch next {
	case StateAnswered:
		if c.answeredAt == nil {
			c.answeredAt = &now
		}
	case StateEnded:
		c.endedAt = &now
	}
}

// Snapshot is the read-only view handed to the admin API and metrics.
type Snapshot struct {
	ID         string     `json:"call_id"`
	Direction  string     `json:"direction"`
	FromURI    string     `json:"from_uri"`
	ToURI      string     `json:"to_uri"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Codec      string     `json:"codec,omitempty"`
	TrunkID    *int64     `json:"trunk_id,omitempty"`
}

// Snapshot returns a point-in-time copy of the call's public state.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:         c.ID,
		Direction:  c.Direction,
		FromURI:    c.FromURI,
		ToURI:      c.ToURI,
		State:      c.state,
		CreatedAt:  c.CreatedAt,
		AnsweredAt: c.answeredAt,
		Codec:      c.codec,
		TrunkID:    c.trunkID,
	}
}

// cdr assembles the call detail record after the call has ended.
func (c *Call) cdr() *models.CDR {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &models.CDR{
		CallID:     c.ID,
		Direction:  c.Direction,
		FromURI:    c.FromURI,
		ToURI:      c.ToURI,
		StartTime:  c.CreatedAt,
		AnswerTime: c.answeredAt,
		EndTime:    c.endedAt,
		EndReason:  c.endReason,
		Codec:      c.codec,
		TrunkID:    c.trunkID,
	}
	if c.answeredAt != nil && c.endedAt != nil {
		secs := int(c.endedAt.Sub(*c.answeredAt).Seconds())
		rec.DurationSecs = &secs
	}

	if c.pipeline != nil {
		snap := c.pipeline.Session().Stats.Snapshot()
		rec.PacketsIn = int64(snap.PacketsIn)
		rec.PacketsOut = int64(snap.PacketsOut)
		rec.LossCount = int64(snap.LossCount)
		rec.MaxJitter = int64(snap.MaxJitter)
	} else if c.relay != nil {
		rec.PacketsIn = c.relay.Stats.PacketsAToB.Load()
		rec.PacketsOut = c.relay.Stats.PacketsBToA.Load()
	}
	if c.bridge != nil {
		rec.BytesToAI = int64(c.bridge.Stats.BytesSent.Load())
		rec.BytesFromAI = int64(c.bridge.Stats.BytesReceived.Load())
	}
	return rec
}

package bridge

import "encoding/json"

// Frame types sent to the AI backend.
const (
	frameAuth      = "auth"
	frameAudioData = "audio_data"
	frameDTMF      = "dtmf"
	frameCallState = "call_state"
	framePing      = "ping"
)

// Frame types received from the AI backend.
const (
	frameAuthOK   = "auth_ok"
	frameHangup   = "hangup"
	frameTransfer = "transfer"
	frameControl  = "control"
	framePong     = "pong"
)

// authFrame is the first message on every connection.
type authFrame struct {
	Type string   `json:"type"`
	Auth authData `json:"auth"`
	Call callMeta `json:"call"`
}

type authData struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
	CallID    string `json:"call_id"`
}

// callMeta describes the call the AI backend is joining.
type callMeta struct {
	ConversationID string `json:"conversation_id"`
	FromNumber     string `json:"from_number"`
	ToNumber       string `json:"to_number"`
	Direction      string `json:"direction"`
	Codec          string `json:"codec"`
	SampleRate     int    `json:"sample_rate"`
}

// dataFrame is the envelope for everything after auth.
type dataFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type audioData struct {
	CallID    string `json:"call_id"`
	Audio     string `json:"audio"` // base64 PCM16@16k
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

type dtmfData struct {
	CallID     string `json:"call_id"`
	Digit      string `json:"digit"`
	DurationMs int    `json:"duration_ms"`
}

type callStateData struct {
	CallID string `json:"call_id"`
	State  string `json:"state"`
}

// inboundFrame is the receive-side envelope; Data stays raw until the type
// is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type inboundAudio struct {
	CallID string `json:"call_id"`
	Audio  string `json:"audio"`
}

type inboundTransfer struct {
	CallID string `json:"call_id"`
	Target string `json:"target"`
}

type inboundDTMF struct {
	CallID string `json:"call_id"`
	Digit  string `json:"digit"`
}

package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RTP payload types this server negotiates.
const (
	PayloadPCMU           = 0
	PayloadPCMA           = 8
	PayloadTelephoneEvent = 101
)

// codecPreference is the answer selection order when the offer carries both.
var codecPreference = []int{PayloadPCMU, PayloadPCMA}

// ErrNoCompatibleCodec is returned when an offer contains neither PCMU nor
// PCMA. The SIP layer maps it to a 488 Not Acceptable Here.
var ErrNoCompatibleCodec = errors.New("offer contains no compatible codec")

// Connection holds SDP connection data from a c= line:
// c=<nettype> <addrtype> <connection-address>
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds SDP origin data from an o= line:
// o=<username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return o.Username + " " + o.SessionID + " " + o.SessionVersion + " " +
		o.NetType + " " + o.AddrType + " " + o.Address
}

// Codec is one entry from an a=rtpmap line.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

func (c Codec) String() string {
	return strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
}

// MediaDescription holds a parsed SDP m= section with its attributes.
type MediaDescription struct {
	Type       string // "audio", "video", ...
	Port       int
	Proto      string // "RTP/AVP"
	Formats    []int  // payload type numbers from the m= line
	Connection *Connection
	Codecs     []Codec
	Attributes []string // raw a= values for this section
	Direction  string   // sendrecv, sendonly, recvonly, inactive
}

// HasFormat reports whether the m= line lists the given payload type.
func (m *MediaDescription) HasFormat(pt int) bool {
	for _, f := range m.Formats {
		if f == pt {
			return true
		}
	}
	return false
}

// OnHold reports whether this media stream was placed on hold by the peer.
func (m *MediaDescription) OnHold() bool {
	return m.Direction == "sendonly" || m.Direction == "inactive"
}

// SessionDescription is a parsed SDP body, restricted to the v/o/s/c/t/m/a
// subset this server negotiates.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Media       []MediaDescription
	Attributes  []string
}

// AudioMedia returns the first audio media description, or nil.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// RemoteAudioAddr resolves the peer's audio address, preferring the
// media-level c= line over the session-level one.
func (s *SessionDescription) RemoteAudioAddr() (*net.UDPAddr, error) {
	m := s.AudioMedia()
	if m == nil {
		return nil, fmt.Errorf("no audio media in sdp")
	}
	conn := m.Connection
	if conn == nil {
		conn = s.Connection
	}
	if conn == nil {
		return nil, fmt.Errorf("no connection line in sdp")
	}
	ip := net.ParseIP(conn.Address)
	if ip == nil {
		return nil, fmt.Errorf("invalid connection address %q", conn.Address)
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}, nil
}

// ParseSDP parses an SDP body into a SessionDescription. Lines outside the
// supported subset are ignored.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil, fmt.Errorf("empty sdp body")
	}

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp version: %w", err)
			}
			sd.Version = v

		case 'o':
			origin, err := parseOrigin(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp origin: %w", err)
			}
			sd.Origin = origin

		case 's':
			sd.SessionName = value

		case 'c':
			conn, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if cur != nil {
				cur.Connection = &conn
			} else {
				sd.Connection = &conn
			}

		case 't':
			sd.Time = value

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]

		case 'a':
			if cur != nil {
				cur.Attributes = append(cur.Attributes, value)
				applyMediaAttribute(cur, value)
			} else {
				sd.Attributes = append(sd.Attributes, value)
			}
		}
	}

	return sd, nil
}

// Marshal serializes a SessionDescription back to wire format.
func (s *SessionDescription) Marshal() []byte {
	var b strings.Builder

	b.WriteString("v=" + strconv.Itoa(s.Version) + "\r\n")
	b.WriteString("o=" + s.Origin.String() + "\r\n")
	b.WriteString("s=" + s.SessionName + "\r\n")
	if s.Connection != nil {
		b.WriteString("c=" + s.Connection.String() + "\r\n")
	}
	b.WriteString("t=" + s.Time + "\r\n")
	for _, attr := range s.Attributes {
		b.WriteString("a=" + attr + "\r\n")
	}

	for _, m := range s.Media {
		fmts := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			fmts[i] = strconv.Itoa(f)
		}
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(m.Port) + " " + m.Proto +
			" " + strings.Join(fmts, " ") + "\r\n")
		if m.Connection != nil {
			b.WriteString("c=" + m.Connection.String() + "\r\n")
		}
		for _, attr := range m.Attributes {
			b.WriteString("a=" + attr + "\r\n")
		}
	}

	return []byte(b.String())
}

// SelectCodec picks the answer codec from an offer's payload-type list by
// preference order PCMU then PCMA. Returns ErrNoCompatibleCodec if the offer
// carries neither.
func SelectCodec(offer *MediaDescription) (int, error) {
	for _, pt := range codecPreference {
		if offer.HasFormat(pt) {
			return pt, nil
		}
	}
	return 0, ErrNoCompatibleCodec
}

// BuildAnswer produces the SDP answer for an offer: a single audio stream on
// the given local address/port with one of PCMU/PCMA selected from the offer,
// plus telephone-event if the offer advertised it. Returns
// ErrNoCompatibleCodec when no codec can be selected.
func BuildAnswer(offer *SessionDescription, mediaIP string, rtpPort int) (*SessionDescription, int, error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return nil, 0, fmt.Errorf("no audio media in offer")
	}

	pt, err := SelectCodec(audio)
	if err != nil {
		return nil, 0, err
	}

	codecName := "PCMU"
	if pt == PayloadPCMA {
		codecName = "PCMA"
	}

	formats := []int{pt}
	attrs := []string{
		fmt.Sprintf("rtpmap:%d %s/8000", pt, codecName),
	}
	if audio.HasFormat(PayloadTelephoneEvent) {
		formats = append(formats, PayloadTelephoneEvent)
		attrs = append(attrs,
			fmt.Sprintf("rtpmap:%d telephone-event/8000", PayloadTelephoneEvent),
			fmt.Sprintf("fmtp:%d 0-16", PayloadTelephoneEvent),
		)
	}
	attrs = append(attrs, "ptime:20", "sendrecv")

	sessID := strconv.FormatInt(time.Now().UnixNano(), 10)
	answer := &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "voicebridge",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        mediaIP,
		},
		SessionName: "voicebridge",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: mediaIP},
		Time:        "0 0",
		Media: []MediaDescription{{
			Type:       "audio",
			Port:       rtpPort,
			Proto:      "RTP/AVP",
			Formats:    formats,
			Attributes: attrs,
			Direction:  "sendrecv",
		}},
	}
	return answer, pt, nil
}

// BuildOffer produces the SDP offer this server sends on a callee leg:
// a single audio stream advertising both PCMU and PCMA plus telephone-event.
func BuildOffer(mediaIP string, rtpPort int) *SessionDescription {
	sessID := strconv.FormatInt(time.Now().UnixNano(), 10)
	return &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "voicebridge",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        mediaIP,
		},
		SessionName: "voicebridge",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: mediaIP},
		Time:        "0 0",
		Media: []MediaDescription{{
			Type:    "audio",
			Port:    rtpPort,
			Proto:   "RTP/AVP",
			Formats: []int{PayloadPCMU, PayloadPCMA, PayloadTelephoneEvent},
			Attributes: []string{
				fmt.Sprintf("rtpmap:%d PCMU/8000", PayloadPCMU),
				fmt.Sprintf("rtpmap:%d PCMA/8000", PayloadPCMA),
				fmt.Sprintf("rtpmap:%d telephone-event/8000", PayloadTelephoneEvent),
				fmt.Sprintf("fmtp:%d 0-16", PayloadTelephoneEvent),
				"ptime:20",
				"sendrecv",
			},
			Direction: "sendrecv",
		}},
	}
}

// SetAudioDirection rewrites the direction attribute of the audio stream.
// Used when answering a hold re-INVITE: a sendonly offer gets a recvonly
// answer, an inactive offer an inactive answer.
func (s *SessionDescription) SetAudioDirection(dir string) {
	m := s.AudioMedia()
	if m == nil {
		return
	}
	replaced := false
	for i, attr := range m.Attributes {
		switch attr {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			m.Attributes[i] = dir
			replaced = true
		}
	}
	if !replaced {
		m.Attributes = append(m.Attributes, dir)
	}
	m.Direction = dir
}

func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}

	addr := parts[2]
	// Strip TTL/multicast suffix if present (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}

	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

func parseOrigin(value string) (Origin, error) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	return Origin{
		Username:       parts[0],
		SessionID:      parts[1],
		SessionVersion: parts[2],
		NetType:        parts[3],
		AddrType:       parts[4],
		Address:        parts[5],
	}, nil
}

// parseMediaLine parses: <media> <port>[/<count>] <proto> <fmt> ...
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Proto:     parts[2],
		Direction: "sendrecv", // default per RFC 3264
	}

	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", f, err)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

func applyMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		if codec, err := parseRtpmap(attr[7:]); err == nil {
			md.Codecs = append(md.Codecs, codec)
		}
	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

// parseRtpmap parses: <payload type> <encoding name>/<clock rate>[/<channels>]
func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}

	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}

	encParts := strings.Split(parts[1], "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}

	return Codec{PayloadType: pt, Name: encParts[0], ClockRate: rate}, nil
}

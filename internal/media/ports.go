package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned by Acquire when every pair in the
// configured range is in use or unbindable. The call manager maps it to a
// SIP 503.
var ErrNoPortsAvailable = errors.New("no rtp ports available")

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// PortAllocator hands out UDP socket pairs for per-call media. RTP ports are
// even, RTCP is always RTP+1, and Acquire returns the lowest free pair in
// the configured range.
type PortAllocator struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{} // set of allocated RTP ports (even numbers)
}

// NewPortAllocator creates an allocator for the given port range.
// portMin must be even; portMax must be > portMin.
func NewPortAllocator(portMin, portMax int, logger *slog.Logger) (*PortAllocator, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "media-ports")
	capacity := (portMax - portMin + 1) / 2
	l.Info("rtp port allocator initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", capacity,
	)

	return &PortAllocator{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
	}, nil
}

// Capacity returns the total number of port pairs available in the range.
func (p *PortAllocator) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated port pairs.
func (p *PortAllocator) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Acquire binds the lowest free RTP+RTCP UDP socket pair in the range and
// returns it ready for use. Returns ErrNoPortsAvailable when the range is
// exhausted.
func (p *PortAllocator) Acquire() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.portMin; port+1 <= p.portMax; port += 2 {
		if _, taken := p.allocated[port]; taken {
			continue
		}

		pair, err := bindPair(port)
		if err != nil {
			// Port in use by another process; skip it.
			p.logger.Debug("port pair bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"rtcp_port", port+1,
			"allocated", len(p.allocated),
		)
		return pair, nil
	}

	return nil, ErrNoPortsAvailable
}

// Release closes the UDP sockets and returns the port pair to the pool.
// Releasing an already-released pair is a no-op.
func (p *PortAllocator) Release(pair *SocketPair) {
	if pair == nil {
		return
	}

	p.mu.Lock()
	_, held := p.allocated[pair.Ports.RTP]
	delete(p.allocated, pair.Ports.RTP)
	count := len(p.allocated)
	p.mu.Unlock()

	if !held {
		return
	}

	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair",
			"rtp_port", pair.Ports.RTP,
			"error", err,
		)
	}

	p.logger.Debug("port pair released",
		"rtp_port", pair.Ports.RTP,
		"rtcp_port", pair.Ports.RTCP,
		"allocated", count,
	)
}

// bindPair creates UDP sockets bound to the given even port (RTP) and
// its companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*SocketPair, error) {
	rtpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort}
	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtcpPort}
	rtcpConn, err := net.ListenUDP("udp", rtcpAddr)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtcpPort},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/rtp"
)

const (
	frameInterval = 20 * time.Millisecond

	// egressQueueDepth bounds frames waiting for the playout ticker; on
	// overflow the oldest frame is dropped.
	egressQueueDepth = 10

	// noMediaTimeout ends the call when the peer goes silent on the wire.
	noMediaTimeout = 30 * time.Second
)

// End reasons the pipeline reports through OnFatal.
const (
	ReasonRTPTimeout  = "rtp_timeout"
	ReasonSocketError = "media_socket_error"
)

// PipelineStats counts pipeline-level frame flow. RTP-level counters live in
// the session's rtp.Stats.
type PipelineStats struct {
	IngressFrames  atomic.Uint64 // decoded audio frames delivered upstream
	EgressFrames   atomic.Uint64 // frames sent to the wire
	EgressOverflow atomic.Uint64 // egress frames dropped (queue full)
	Concealed      atomic.Uint64 // PLC frames generated for gaps
}

// PipelineConfig wires one call's media path.
type PipelineConfig struct {
	CallID      string
	PayloadType uint8 // PayloadPCMU or PayloadPCMA
	Sockets     *SocketPair
	RemoteAddr  *net.UDPAddr

	// InbandDTMF enables the Goertzel detector; set when the peer did not
	// negotiate telephone-event.
	InbandDTMF bool

	// OnIngressPCM receives one 640-byte PCM16@16k frame per 20 ms of
	// remote audio. Must not block.
	OnIngressPCM func(pcm []byte)

	// OnDTMF receives each detected digit exactly once.
	OnDTMF func(ev dtmf.Event)

	// OnFatal is called at most once with ReasonRTPTimeout or
	// ReasonSocketError; the call supervisor ends the call.
	OnFatal func(reason string)

	Logger *slog.Logger
}

// Pipeline is the per-call media loop: remote RTP in, PCM16@16k frames up to
// the bridge, PCM16@16k frames from the bridge back out as paced RTP.
type Pipeline struct {
	cfg     PipelineConfig
	logger  *slog.Logger
	session *rtp.Session

	upsampler   *audio.Resampler
	downsampler *audio.Resampler
	extractor   *dtmf.Extractor
	detector    *dtmf.Detector

	egress chan []byte

	mu         sync.Mutex
	remoteAddr *net.UDPAddr
	lastFrame  []byte // last decoded 8k frame, for concealment
	held       bool
	dtmfOut    []dtmfJob // digits waiting for packetization
	dtmfPkts   [][]byte  // wire packets of the digit being played

	lastMediaNano atomic.Int64

	Stats PipelineStats

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	fatalOnce sync.Once
	started   bool
}

// NewPipeline creates a pipeline; media does not flow until Start.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Sockets == nil {
		return nil, fmt.Errorf("pipeline requires a socket pair")
	}
	if cfg.RemoteAddr == nil {
		return nil, fmt.Errorf("pipeline requires a remote address")
	}
	if cfg.PayloadType != PayloadPCMU && cfg.PayloadType != PayloadPCMA {
		return nil, fmt.Errorf("unsupported payload type %d", cfg.PayloadType)
	}

	p := &Pipeline{
		cfg:         cfg,
		logger:      cfg.Logger.With("subsystem", "media-pipeline", "call_id", cfg.CallID),
		session:     rtp.NewSession(cfg.PayloadType),
		upsampler:   audio.NewResampler(),
		downsampler: audio.NewResampler(),
		extractor:   dtmf.NewExtractor(),
		egress:      make(chan []byte, egressQueueDepth),
		remoteAddr:  cfg.RemoteAddr,
	}
	if cfg.InbandDTMF {
		p.detector = dtmf.NewDetector()
	}
	return p, nil
}

// Session exposes the RTP session for stats collection.
func (p *Pipeline) Session() *rtp.Session { return p.session }

// Start launches the read and playout loops.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.lastMediaNano.Store(time.Now().UnixNano())
	p.started = true

	p.wg.Add(3)
	go p.readLoop(ctx)
	go p.tickLoop(ctx)
	go p.drainRTCP(ctx)

	p.logger.Debug("media pipeline started",
		"rtp_port", p.cfg.Sockets.Ports.RTP,
		"remote", p.cfg.RemoteAddr.String(),
		"payload_type", p.cfg.PayloadType,
	)
}

// Stop halts both loops. It does not close the sockets; the port allocator
// owns those. Safe to call more than once.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// SetRemoteAddr repoints egress after a re-INVITE moved the peer's media.
func (p *Pipeline) SetRemoteAddr(addr *net.UDPAddr) {
	p.mu.Lock()
	p.remoteAddr = addr
	p.mu.Unlock()
}

// SetHeld pauses egress and suspends the no-media timeout while the call is
// on hold.
func (p *Pipeline) SetHeld(held bool) {
	p.mu.Lock()
	p.held = held
	p.mu.Unlock()
	if !held {
		p.lastMediaNano.Store(time.Now().UnixNano())
	}
}

// dtmfJob is one digit queued for telephone-event playout.
type dtmfJob struct {
	event      uint8
	durationMs int
}

// SendDTMF plays a digit toward the remote party as RFC 2833
// telephone-event packets on the egress clock. Digits queue behind one
// another so requests arriving back to back cannot interleave. No-op when
// the peer did not negotiate telephone-event.
func (p *Pipeline) SendDTMF(digit string, durationMs int) {
	if p.cfg.InbandDTMF {
		p.logger.Debug("dropping dtmf egress: peer has no telephone-event", "digit", digit)
		return
	}
	event, ok := dtmf.EventCode(digit)
	if !ok {
		return
	}
	p.mu.Lock()
	p.dtmfOut = append(p.dtmfOut, dtmfJob{event: event, durationMs: durationMs})
	p.mu.Unlock()
}

// nextDTMFPacket returns the next telephone-event packet to play, starting
// the next queued digit when the current one has finished. Only the tick
// loop calls this, so the session's egress state stays single-writer.
func (p *Pipeline) nextDTMFPacket() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.dtmfPkts) == 0 {
		if len(p.dtmfOut) == 0 {
			return nil
		}
		job := p.dtmfOut[0]
		p.dtmfOut = p.dtmfOut[1:]
		for _, pkt := range p.session.PacketizeDTMF(job.event, job.durationMs) {
			wire, err := pkt.Marshal()
			if err != nil {
				continue
			}
			p.dtmfPkts = append(p.dtmfPkts, wire)
		}
		if len(p.dtmfPkts) == 0 {
			return nil
		}
	}
	wire := p.dtmfPkts[0]
	p.dtmfPkts = p.dtmfPkts[1:]
	return wire
}

// PushEgress queues one 640-byte PCM16@16k frame from the bridge for playout
// to the remote party. Non-blocking: when the queue is full the oldest frame
// is dropped and the overflow counter incremented.
func (p *Pipeline) PushEgress(pcm []byte) {
	if len(pcm) != audio.PCMFrameSize16k {
		return
	}
	select {
	case p.egress <- pcm:
		return
	default:
	}
	select {
	case <-p.egress:
		p.Stats.EgressOverflow.Add(1)
	default:
	}
	select {
	case p.egress <- pcm:
	default:
	}
}

func (p *Pipeline) fatal(reason string) {
	p.fatalOnce.Do(func() {
		p.logger.Warn("media pipeline fatal", "reason", reason)
		if p.cfg.OnFatal != nil {
			p.cfg.OnFatal(reason)
		}
	})
}

// readLoop pulls datagrams off the RTP socket, classifies them, and feeds
// audio into the jitter buffer and telephone-events into the extractor.
func (p *Pipeline) readLoop(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, 1500)
	conn := p.cfg.Sockets.RTPConn
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Debug("rtp read error", "error", err)
			continue
		}

		in := p.session.Receive(buf[:n])
		switch in.Kind {
		case rtp.KindAudio:
			p.lastMediaNano.Store(time.Now().UnixNano())
			payload := make([]byte, len(in.Payload))
			copy(payload, in.Payload)
			p.session.Jitter.Push(in.Seq, in.Timestamp, payload)

		case rtp.KindDTMF:
			p.lastMediaNano.Store(time.Now().UnixNano())
			if ev := p.extractor.Process(in.Payload, in.Timestamp); ev != nil {
				p.emitDTMF(*ev)
			}
		}
	}
}

// tickLoop drives playout in both directions on the 20 ms frame clock.
func (p *Pipeline) tickLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.playoutIngress()
		if !p.playoutEgress() {
			return
		}
		if p.mediaTimedOut() {
			p.fatal(ReasonRTPTimeout)
			return
		}
	}
}

// playoutIngress pops one frame from the jitter buffer, concealing gaps, and
// hands the upsampled PCM to the bridge.
func (p *Pipeline) playoutIngress() {
	payload, ok := p.session.Jitter.Pop()
	if !ok {
		return // priming or drained
	}

	var pcm8k []byte
	if payload == nil {
		// Gap: repeat the previous frame attenuated.
		p.mu.Lock()
		last := p.lastFrame
		p.mu.Unlock()
		if last == nil {
			return
		}
		pcm8k = audio.AttenuateFrame(last)
		p.Stats.Concealed.Add(1)
	} else {
		var err error
		pcm8k, err = p.decode(payload)
		if err != nil {
			return
		}
	}

	p.mu.Lock()
	p.lastFrame = pcm8k
	p.mu.Unlock()

	if p.detector != nil {
		if ev := p.detector.Process(pcm8k); ev != nil {
			p.emitDTMF(*ev)
		}
	}

	pcm16k, err := p.upsampler.Upsample(pcm8k)
	if err != nil {
		return
	}
	p.Stats.IngressFrames.Add(1)
	if p.cfg.OnIngressPCM != nil {
		p.cfg.OnIngressPCM(pcm16k)
	}
}

// playoutEgress sends at most one queued bridge frame to the wire. Returns
// false when the socket is dead and the loop must stop.
func (p *Pipeline) playoutEgress() bool {
	p.mu.Lock()
	held := p.held
	addr := p.remoteAddr
	p.mu.Unlock()
	if held {
		return true
	}

	// A digit in progress pre-empts audio for its packet train.
	if wire := p.nextDTMFPacket(); wire != nil {
		if _, err := p.cfg.Sockets.RTPConn.WriteToUDP(wire, addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return false
			}
			p.fatal(ReasonSocketError)
			return false
		}
		return true
	}

	var pcm16k []byte
	select {
	case pcm16k = <-p.egress:
	default:
		return true // nothing from the bridge this tick
	}

	pcm8k, err := p.downsampler.Downsample(pcm16k)
	if err != nil {
		return true
	}
	encoded, err := p.encode(pcm8k)
	if err != nil {
		return true
	}

	pkt := p.session.Packetize(encoded, false)
	wire, err := pkt.Marshal()
	if err != nil {
		return true
	}
	if _, err := p.cfg.Sockets.RTPConn.WriteToUDP(wire, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false
		}
		p.fatal(ReasonSocketError)
		return false
	}
	p.Stats.EgressFrames.Add(1)
	return true
}

func (p *Pipeline) mediaTimedOut() bool {
	p.mu.Lock()
	held := p.held
	p.mu.Unlock()
	if held {
		return false
	}
	last := time.Unix(0, p.lastMediaNano.Load())
	return time.Since(last) > noMediaTimeout
}

func (p *Pipeline) emitDTMF(ev dtmf.Event) {
	p.logger.Debug("dtmf detected", "digit", ev.Digit, "method", ev.Method)
	if p.cfg.OnDTMF != nil {
		p.cfg.OnDTMF(ev)
	}
}

func (p *Pipeline) decode(payload []byte) ([]byte, error) {
	if p.cfg.PayloadType == PayloadPCMA {
		return audio.DecodePCMA(payload)
	}
	return audio.DecodePCMU(payload)
}

func (p *Pipeline) encode(pcm []byte) ([]byte, error) {
	if p.cfg.PayloadType == PayloadPCMA {
		return audio.EncodePCMA(pcm)
	}
	return audio.EncodePCMU(pcm)
}

// drainRTCP reads and discards RTCP traffic so the socket buffer never
// fills; this server does not interpret RTCP.
func (p *Pipeline) drainRTCP(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, 1500)
	conn := p.cfg.Sockets.RTCPConn
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
		}
	}
}

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// SessionState represents the lifecycle state of an RTP session.
type SessionState int

const (
	SessionStateNew     SessionState = iota // ports allocated, not streaming
	SessionStateActive                      // streaming
	SessionStateStopped                     // ports released
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateActive:
		return "active"
	case SessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxRTPPacket bounds a received datagram.
const maxRTPPacket = 1500

// readTimeout lets the receive loop notice cancellation.
const readTimeout = 100 * time.Millisecond

// Stats counts the packets a session moved.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	Digits          uint64
}

// Session is the RTP audio stream of one call. It sends 20ms frames to the
// remote endpoint while sending is enabled and plays received audio on the
// local output.
type Session struct {
	ID        string
	CreatedAt time.Time

	pair      *SocketPair
	advertise string
	sessionID uint64
	output    FrameSink
	onDigit   func(digit string)
	release   func(*Session)
	logger    *slog.Logger

	mu     sync.Mutex
	state  SessionState
	remote *net.UDPAddr
	codec  Codec
	dtmfPT uint8
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendEnabled atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	digits   atomic.Uint64
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalPort returns the RTP port advertised in SDP.
func (s *Session) LocalPort() int {
	return s.pair.Ports.RTP
}

// Codec returns the negotiated codec.
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// Remote returns the remote RTP address, or nil before negotiation.
func (s *Session) Remote() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Offer builds an SDP offer for this session.
func (s *Session) Offer() ([]byte, error) {
	return BuildOffer(s.advertise, s.pair.Ports.RTP, s.sessionID)
}

// Answer negotiates against a remote offer and returns the SDP answer.
func (s *Session) Answer(offer []byte) ([]byte, error) {
	desc, err := ParseDescription(offer)
	if err != nil {
		return nil, err
	}
	codec, err := s.setRemote(desc)
	if err != nil {
		return nil, err
	}
	return BuildAnswer(s.advertise, s.pair.Ports.RTP, s.sessionID, codec, desc.TelephoneEvent)
}

// SetAnswer applies the remote answer to a previously sent offer.
func (s *Session) SetAnswer(answer []byte) error {
	desc, err := ParseDescription(answer)
	if err != nil {
		return err
	}
	_, err = s.setRemote(desc)
	return err
}

func (s *Session) setRemote(desc *Description) (Codec, error) {
	codec, err := Negotiate(desc)
	if err != nil {
		return Codec{}, err
	}
	addr, err := desc.UDPAddr()
	if err != nil {
		return Codec{}, err
	}

	s.mu.Lock()
	s.remote = addr
	s.codec = codec
	s.dtmfPT = desc.TelephoneEvent
	s.mu.Unlock()

	s.logger.Debug("media negotiated",
		"remote", addr.String(),
		"codec", codec.String(),
		"direction", desc.Direction,
	)
	return codec, nil
}

// Start begins streaming. Sending is enabled initially.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionStateActive:
		return nil
	case SessionStateStopped:
		return errors.New("media session stopped")
	}
	if s.remote == nil {
		return errors.New("media session has no remote endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = SessionStateActive
	s.sendEnabled.Store(true)

	s.wg.Add(2)
	go s.sendLoop(ctx, s.remote, s.codec)
	go s.receiveLoop(ctx, s.codec, s.dtmfPT)

	s.logger.Info("media started",
		"local_port", s.pair.Ports.RTP,
		"remote", s.remote.String(),
		"codec", s.codec.Name,
	)
	return nil
}

// SetSendEnabled turns outbound audio on or off. Inbound audio keeps
// playing either way.
func (s *Session) SetSendEnabled(enabled bool) {
	if s.sendEnabled.Swap(enabled) != enabled {
		s.logger.Debug("outbound audio changed", "enabled", enabled)
	}
}

// SendEnabled reports whether outbound audio is on.
func (s *Session) SendEnabled() bool {
	return s.sendEnabled.Load()
}

// Stop ends streaming and releases the ports. It is safe to call more than
// once and before Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == SessionStateStopped {
		s.mu.Unlock()
		return
	}
	s.state = SessionStateStopped
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.release != nil {
		s.release(s)
	}

	st := s.Stats()
	s.logger.Info("media stopped",
		"packets_sent", st.PacketsSent,
		"packets_received", st.PacketsReceived,
	)
}

// Stats returns packet counters.
func (s *Session) Stats() Stats {
	return Stats{
		PacketsSent:     s.sent.Load(),
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.dropped.Load(),
		Digits:          s.digits.Load(),
	}
}

// sendLoop emits one RTP packet every 20ms. While sending is disabled the
// clock keeps running so timestamps stay continuous across mute and hold.
func (s *Session) sendLoop(ctx context.Context, remote *net.UDPAddr, codec Codec) {
	defer s.wg.Done()

	silence := Silence(codec)
	hdr := rtp.Header{
		Version:        2,
		PayloadType:    codec.PayloadType,
		SequenceNumber: uint16(rand.UintN(1 << 16)),
		Timestamp:      rand.Uint32(),
		SSRC:           rand.Uint32(),
		Marker:         true,
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.sendEnabled.Load() {
			pkt := rtp.Packet{Header: hdr, Payload: silence}
			data, err := pkt.Marshal()
			if err != nil {
				s.logger.Error("marshaling rtp packet", "error", err)
				return
			}
			if _, err := s.pair.RTPConn.WriteToUDP(data, remote); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("rtp send failed", "error", err)
			} else {
				s.sent.Add(1)
			}
			hdr.SequenceNumber++
			hdr.Marker = false
		} else {
			// Mark the first packet after a pause as a new talkspurt.
			hdr.Marker = true
		}
		hdr.Timestamp += samplesPerFrame
	}
}

func (s *Session) receiveLoop(ctx context.Context, codec Codec, dtmfPT uint8) {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var lastEvent uint8
	var lastTS uint32
	hadEvent := false

	for {
		if ctx.Err() != nil {
			return
		}
		s.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.dropped.Add(1)
			continue
		}

		switch {
		case dtmfPT != 0 && pkt.PayloadType == dtmfPT:
			ev := ParseDTMFEvent(pkt.Payload)
			if ev == nil || !ev.End {
				continue
			}
			// End packets are retransmitted with the same timestamp.
			if hadEvent && ev.Event == lastEvent && pkt.Timestamp == lastTS {
				continue
			}
			lastEvent, lastTS, hadEvent = ev.Event, pkt.Timestamp, true
			s.digits.Add(1)
			digit := DTMFEventName(ev.Event)
			s.logger.Debug("dtmf digit received", "digit", digit)
			if s.onDigit != nil {
				s.onDigit(digit)
			}

		case pkt.PayloadType == codec.PayloadType:
			s.received.Add(1)
			if s.output != nil {
				s.output.WriteFrame(codec, pkt.Payload)
			}

		default:
			s.dropped.Add(1)
		}
	}
}

// Manager allocates RTP sessions for calls.
type Manager struct {
	pool      *PortPool
	advertise string
	output    FrameSink
	onDigit   func(callID, digit string)
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Advertise is the address placed in SDP.
	Advertise string
	// Output plays received audio. Nil discards it.
	Output FrameSink
	// OnDigit is called for every DTMF digit received in-band.
	OnDigit func(callID, digit string)
}

// NewManager creates a session manager backed by pool.
func NewManager(pool *PortPool, opts ManagerOptions, logger *slog.Logger) *Manager {
	return &Manager{
		pool:      pool,
		advertise: opts.Advertise,
		output:    opts.Output,
		onDigit:   opts.OnDigit,
		logger:    logger.With("subsystem", "media-sessions"),
		sessions:  make(map[string]*Session),
	}
}

// Create allocates ports for a call. The session is in the New state until
// Start.
func (m *Manager) Create(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[callID]; exists {
		return nil, fmt.Errorf("media session for call %q already exists", callID)
	}

	pair, err := m.pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating rtp ports: %w", err)
	}

	s := &Session{
		ID:        callID,
		CreatedAt: time.Now(),
		pair:      pair,
		advertise: m.advertise,
		sessionID: uint64(time.Now().Unix()),
		output:    m.output,
		release:   m.release,
		logger:    m.logger.With("call_id", callID),
		state:     SessionStateNew,
	}
	if m.onDigit != nil {
		s.onDigit = func(digit string) { m.onDigit(callID, digit) }
	}
	m.sessions[callID] = s

	m.logger.Debug("media session allocated",
		"call_id", callID,
		"rtp_port", pair.Ports.RTP,
	)
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.pool.Release(s.pair)
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// Digit reports a digit that arrived out of band, such as in a SIP INFO.
func (m *Manager) Digit(callID, digit string) {
	if m.onDigit != nil {
		m.onDigit(callID, digit)
	}
}

// Get returns the session for a call, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopAll stops every live session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

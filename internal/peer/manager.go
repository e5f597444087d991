// Package peer owns the WebRTC peer connection for one call: building
// it with the privacy-filtered local tracks attached, producing fully
// gathered offers and answers for the manual handshake, consuming
// remote media, and watching the connection state so a drop either
// recovers within the grace period or tears the session down.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/ljdmx/SilentLink/internal/config"
	"github.com/ljdmx/SilentLink/internal/media"
)

// iceGatherTimeout caps the wait for candidate gathering. Offers and
// answers carry every candidate, so gathering must finish before a
// payload can be produced.
const iceGatherTimeout = 15 * time.Second

// Role says which side of the handshake this endpoint plays. The host
// creates the data channel; the guest waits for it to arrive.
type Role int

const (
	RoleHost Role = iota
	RoleGuest
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "guest"
}

// Callbacks are the hooks the session layer installs before the
// handshake starts. All of them may be nil. They are invoked from
// pion's goroutines and must not block.
type Callbacks struct {
	// OnConnected fires when the connection reaches Connected,
	// including recovery within the grace period.
	OnConnected func()
	// OnInterrupted fires when the connection drops and the grace
	// timer starts.
	OnInterrupted func()
	// OnLost fires once, when the connection is gone for good: grace
	// expired, ICE failed, or the remote closed the transport.
	OnLost func(error)
	// OnRemoteTrack fires when a remote media track starts, with its
	// kind ("audio" or "video").
	OnRemoteTrack func(kind string)
	// OnDataChannel fires on the guest when the host's channel
	// arrives.
	OnDataChannel func(*pion.DataChannel)
}

// TrackStats is a snapshot of one remote track's consumption.
type TrackStats struct {
	Kind    string
	Packets uint64
	Bytes   uint64
}

type trackTally struct {
	kind    string
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Manager wraps one pion PeerConnection for the lifetime of a call.
type Manager struct {
	pc     *pion.PeerConnection
	role   Role
	grace  time.Duration
	logger *slog.Logger

	established chan struct{}
	estOnce     sync.Once
	closed      chan struct{}
	closeOnce   sync.Once

	mu         sync.Mutex
	callbacks  Callbacks
	graceTimer *time.Timer
	lostOnce   sync.Once

	tallyMu sync.Mutex
	tallies []*trackTally
}

// Options configures a Manager. Capture may be nil for a session
// without local media, in which case the default codecs are registered
// so remote tracks still decode.
type Options struct {
	Role            Role
	Capture         *media.Capture
	DisconnectGrace time.Duration
	Logger          *slog.Logger
}

// New builds the peer connection with local tracks attached. Tracks
// must be attached before the offer is created; without a trickle
// channel there is no second negotiation to add them later.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.DisconnectGrace
	if grace <= 0 {
		grace = config.DefaultDisconnectGrace
	}

	mediaEngine := &pion.MediaEngine{}
	if opts.Capture != nil {
		opts.Capture.Populate(mediaEngine)
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("registering default codecs: %w", err)
		}
	}

	// Loopback candidates keep same-machine sessions working, which is
	// also how the end-to-end flow is exercised in development.
	settingEngine := pion.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithSettingEngine(settingEngine),
	)

	var iceServers []pion.ICEServer
	if urls := cfg.GetSTUNServers(); len(urls) > 0 {
		iceServers = append(iceServers, pion.ICEServer{URLs: urls})
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	m := &Manager{
		pc:          pc,
		role:        opts.Role,
		grace:       grace,
		logger:      logger,
		established: make(chan struct{}),
		closed:      make(chan struct{}),
	}

	if opts.Capture != nil {
		for _, track := range opts.Capture.Tracks() {
			_, err := pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("attaching %s track: %w", track.Kind(), err)
			}
		}
	}

	pc.OnTrack(m.handleRemoteTrack)
	pc.OnConnectionStateChange(m.handleStateChange)
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		m.mu.Lock()
		fn := m.callbacks.OnDataChannel
		m.mu.Unlock()
		if fn != nil {
			fn(dc)
		}
	})
	return m, nil
}

// SetCallbacks installs the session hooks. Call once, before the
// handshake begins.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.callbacks = cb
	m.mu.Unlock()
}

// CreateDataChannel opens the reliable ordered channel the tunnel runs
// on. Host side only, and before the offer so the channel is in the
// SDP.
func (m *Manager) CreateDataChannel(label string) (*pion.DataChannel, error) {
	ordered := true
	dc, err := m.pc.CreateDataChannel(label, &pion.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", label, err)
	}
	return dc, nil
}

// CreateOffer builds the offer, waits for complete ICE gathering, and
// returns the final description including every candidate.
func (m *Manager) CreateOffer(ctx context.Context) (pion.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}

	gatherComplete := pion.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	if err := m.waitGathering(ctx, gatherComplete); err != nil {
		return pion.SessionDescription{}, err
	}
	return *m.pc.LocalDescription(), nil
}

// CreateAnswer applies the remote offer and builds a fully gathered
// answer.
func (m *Manager) CreateAnswer(ctx context.Context, offer pion.SessionDescription) (pion.SessionDescription, error) {
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := pion.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	if err := m.waitGathering(ctx, gatherComplete); err != nil {
		return pion.SessionDescription{}, err
	}
	return *m.pc.LocalDescription(), nil
}

// AcceptAnswer applies the guest's answer on the host side. ICE starts
// connecting as soon as this returns.
func (m *Manager) AcceptAnswer(answer pion.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (m *Manager) waitGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitConnected blocks until the connection reaches Connected, the
// context expires, or the manager is closed.
func (m *Manager) WaitConnected(ctx context.Context) error {
	select {
	case <-m.established:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleStateChange(state pion.PeerConnectionState) {
	m.logger.Debug("connection state change", "role", m.role.String(), "state", state.String())

	switch state {
	case pion.PeerConnectionStateConnected:
		m.stopGraceTimer()
		m.estOnce.Do(func() { close(m.established) })
		if fn := m.callback().OnConnected; fn != nil {
			fn()
		}

	case pion.PeerConnectionStateDisconnected:
		m.startGraceTimer()
		if fn := m.callback().OnInterrupted; fn != nil {
			fn()
		}

	case pion.PeerConnectionStateFailed:
		m.stopGraceTimer()
		m.reportLost(ErrConnectionFailed)

	case pion.PeerConnectionStateClosed:
		m.stopGraceTimer()
		select {
		case <-m.closed:
			// Local shutdown; not a loss.
		default:
			m.reportLost(ErrConnectionLost)
		}
	}
}

func (m *Manager) callback() Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callbacks
}

func (m *Manager) startGraceTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		return
	}
	m.graceTimer = time.AfterFunc(m.grace, func() {
		m.logger.Warn("connection did not recover within grace period", "grace", m.grace)
		m.reportLost(ErrConnectionLost)
	})
}

func (m *Manager) stopGraceTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Manager) reportLost(reason error) {
	m.lostOnce.Do(func() {
		if fn := m.callback().OnLost; fn != nil {
			fn(reason)
		}
	})
}

// handleRemoteTrack drains a remote track. SRTP buffers are bounded;
// without a reader the stack stalls, so every track gets a consumer
// even though a terminal UI renders none of it.
func (m *Manager) handleRemoteTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	kind := track.Kind().String()
	m.logger.Debug("remote track started", "kind", kind, "codec", track.Codec().MimeType)

	tally := &trackTally{kind: kind}
	m.tallyMu.Lock()
	m.tallies = append(m.tallies, tally)
	m.tallyMu.Unlock()

	if fn := m.callback().OnRemoteTrack; fn != nil {
		fn(kind)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				m.logger.Debug("remote track ended", "kind", kind, "err", err)
				return
			}
			tally.packets.Add(1)
			tally.bytes.Add(uint64(n))
		}
	}()
}

// RemoteTrackStats snapshots consumption counters for all remote
// tracks, audio first.
func (m *Manager) RemoteTrackStats() []TrackStats {
	m.tallyMu.Lock()
	defer m.tallyMu.Unlock()

	stats := make([]TrackStats, 0, len(m.tallies))
	for _, tl := range m.tallies {
		stats = append(stats, TrackStats{
			Kind:    tl.kind,
			Packets: tl.packets.Load(),
			Bytes:   tl.bytes.Load(),
		})
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Kind < stats[j].Kind })
	return stats
}

// Close tears the connection down. Safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.stopGraceTimer()
		err = m.pc.Close()
	})
	return err
}

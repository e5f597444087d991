// Package session owns one end-to-end call: it derives the key, holds
// the capture pipeline, runs the handshake, and bridges the peer
// connection and tunnel into a single event stream for the UI.
//
// A Session moves through one handshake and at most one connection.
// After an expiry or a lost connection, Reset tears the transport
// state back to idle so a fresh handshake can start; the key, the
// capture devices, and the event stream survive the reset.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/ljdmx/SilentLink/internal/config"
	"github.com/ljdmx/SilentLink/internal/crypto"
	"github.com/ljdmx/SilentLink/internal/files"
	"github.com/ljdmx/SilentLink/internal/handshake"
	"github.com/ljdmx/SilentLink/internal/invite"
	"github.com/ljdmx/SilentLink/internal/media"
	"github.com/ljdmx/SilentLink/internal/peer"
	"github.com/ljdmx/SilentLink/internal/tunnel"
)

// channelLabel names the single data channel carrying the tunnel.
const channelLabel = "data"

// terminateFlush is how long Exit lets a terminate frame drain before
// the transport drops.
const terminateFlush = 150 * time.Millisecond

// Options configures a new Session. RoomID and Passphrase are
// required; both peers must agree on them out of band.
type Options struct {
	RoomID      string
	Passphrase  string
	DisplayName string

	// DefaultFilter is applied to the pipeline before any frame can
	// reach the network. Empty means none.
	DefaultFilter media.Filter

	// Capture may be nil for a session without local media; chat and
	// file transfer still work and remote tracks still decode.
	Capture *media.Capture

	// Sinks overrides where incoming files land. Nil uses the save
	// directory from config.
	Sinks tunnel.SinkFactory

	Logger *slog.Logger
}

// Session is the single owned context for one call.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	roomID      string
	passphrase  string
	displayName string

	key     *crypto.Key
	capture *media.Capture
	sinks   tunnel.SinkFactory

	events    chan Event
	dropped   atomic.Uint64
	done      atomic.Bool
	closeOnce sync.Once
	startedAt time.Time

	mu      sync.Mutex
	status  Status
	role    peer.Role
	started bool
	mgr     *peer.Manager
	coord   *handshake.Coordinator
	tun     *tunnel.Tunnel
	window  *time.Timer

	pmu          sync.Mutex
	participants map[string]*Participant
}

// New derives the session key and seats the local participant. No
// network state exists until a role is chosen.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if opts.RoomID == "" || opts.Passphrase == "" {
		return nil, errors.New("room id and passphrase are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key, err := crypto.DeriveKey(opts.Passphrase, opts.RoomID)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}

	filter := opts.DefaultFilter
	if filter == "" {
		filter = media.FilterNone
	}
	if opts.Capture != nil {
		opts.Capture.Pipeline().SetFilter(filter)
	}

	sinks := opts.Sinks
	if sinks == nil {
		sinks = files.Factory(cfg.SaveDir)
	}

	s := &Session{
		cfg:          cfg,
		logger:       logger,
		roomID:       opts.RoomID,
		passphrase:   opts.Passphrase,
		displayName:  opts.DisplayName,
		key:          key,
		capture:      opts.Capture,
		sinks:        sinks,
		events:       make(chan Event, eventBuffer),
		startedAt:    time.Now(),
		status:       StatusIdle,
		participants: make(map[string]*Participant),
	}
	parts := s.upsert(LocalParticipantID, func(p *Participant) {
		p.DisplayName = opts.DisplayName
		p.AudioEnabled = true
		p.VideoEnabled = opts.Capture != nil
		p.Filter = filter
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})

	// A device dying mid-call (camera unplugged) is reported, not
	// fatal; chat and files keep flowing over the data channel.
	if s.capture != nil {
		s.capture.OnEnded(func(err error) {
			if s.done.Load() {
				return
			}
			s.emitError(&media.AccessError{Device: "capture device", Err: err},
				"a capture device stopped")
		})
	}
	return s, nil
}

// Events is the stream the UI consumes. The channel is never closed;
// a StatusClosed event marks the end.
func (s *Session) Events() <-chan Event {
	return s.events
}

// RoomID returns the room identifier the key was derived for.
func (s *Session) RoomID() string { return s.roomID }

// Status reports the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Remaining reports how much handshake window is left.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return s.cfg.HandshakeWindow
	}
	return coord.Remaining()
}

// TunnelReady reports whether the data channel is open for traffic.
func (s *Session) TunnelReady() bool {
	tun := s.tunnel()
	return tun != nil && tun.Open()
}

// InviteLink renders a shareable link embedding the room, passphrase,
// and offer payload.
func (s *Session) InviteLink(offer string) string {
	return invite.BuildLink(s.cfg.LinkBase, invite.Invite{
		RoomID:     s.roomID,
		Passphrase: s.passphrase,
		Offer:      offer,
	})
}

// StartAsInitiator builds the connection, opens the data channel, and
// blocks until the complete offer payload is ready to hand to the
// user. The handshake window starts counting when it returns.
func (s *Session) StartAsInitiator(ctx context.Context) (string, error) {
	mgr, coord, err := s.begin(peer.RoleHost)
	if err != nil {
		return "", err
	}
	s.emitStatus(StatusPreparing, "gathering network candidates")

	// The channel must exist before the offer is created; without a
	// trickle path there is no later negotiation to add it.
	dc, err := mgr.CreateDataChannel(channelLabel)
	if err != nil {
		s.setStatus(StatusFailed, err.Error())
		return "", err
	}
	s.adoptChannel(mgr, dc)

	offer, err := coord.CreateOffer(ctx)
	if err != nil {
		s.setStatus(StatusFailed, err.Error())
		return "", err
	}
	s.armWindow()
	s.setStatus(StatusReady, "offer ready, waiting for answer")
	return offer, nil
}

// StartAsReceiver takes the guest role. With a non-empty offer (from
// an invite link) it applies it immediately and returns the answer
// payload; with an empty one it waits for SubmitRemotePayload.
func (s *Session) StartAsReceiver(ctx context.Context, offer string) (string, error) {
	_, coord, err := s.begin(peer.RoleGuest)
	if err != nil {
		return "", err
	}
	if offer == "" {
		s.setStatus(StatusIdle, "waiting for offer payload")
		return "", nil
	}
	s.emitStatus(StatusPreparing, "applying offer")
	answer, err := coord.HandleOffer(ctx, offer)
	if err != nil {
		// A malformed offer leaves the role retryable; a negotiation
		// failure does not.
		if errors.Is(err, handshake.ErrMalformedPayload) {
			s.setStatus(StatusIdle, "offer payload rejected, paste again")
		} else {
			s.setStatus(StatusFailed, err.Error())
		}
		return "", err
	}
	s.armWindow()
	s.setStatus(StatusReady, "answer ready, hand it back")
	return answer, nil
}

// SubmitRemotePayload feeds in whatever the user pasted: the answer on
// the host side, the offer (or a full invite link) on the guest side.
// The guest's answer payload is returned for the user to send back.
// Malformed input is recoverable; the same payload submitted twice is
// a no-op returning the same result.
func (s *Session) SubmitRemotePayload(ctx context.Context, text string) (string, error) {
	if s.done.Load() {
		return "", ErrClosed
	}
	s.mu.Lock()
	coord, role, started := s.coord, s.role, s.started
	s.mu.Unlock()
	if !started || coord == nil {
		return "", ErrNotStarted
	}

	text = strings.TrimSpace(text)
	if invite.IsLink(text) {
		inv, err := invite.ParseLink(text)
		if err != nil {
			return "", err
		}
		text = inv.Offer
	}

	if role == peer.RoleHost {
		if err := coord.AcceptAnswer(text); err != nil {
			return "", err
		}
		if s.statusTo(StatusConnecting, StatusReady) {
			s.emitStatus(StatusConnecting, "answer applied, connecting")
		}
		return "", nil
	}

	answer, err := coord.HandleOffer(ctx, text)
	if err != nil {
		return "", err
	}
	s.armWindow()
	if s.statusTo(StatusReady, StatusIdle, StatusPreparing, StatusReady) {
		s.emitStatus(StatusReady, "answer ready, hand it back")
	}
	return answer, nil
}

// SendChat encrypts and transmits one message. Before the channel is
// open this is a reported no-op; the caller should not log the
// message as sent.
func (s *Session) SendChat(text string) error {
	if s.done.Load() {
		return ErrClosed
	}
	tun := s.tunnel()
	if tun == nil {
		return ErrNotConnected
	}
	return tun.SendChat(text)
}

// SendFile validates the path and streams the file through the
// tunnel. It blocks until the transfer has drained; progress arrives
// on the event stream.
func (s *Session) SendFile(ctx context.Context, path string) error {
	if s.done.Load() {
		return ErrClosed
	}
	tun := s.tunnel()
	if tun == nil {
		return ErrNotConnected
	}

	info, err := files.Validate(path)
	if err != nil {
		return err
	}
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", info.Path, err)
	}
	defer f.Close()

	meta := tunnel.FileMeta{Name: info.Name, Size: info.Size, MimeType: info.Type}
	return tun.SendFile(ctx, meta, f)
}

// SetFilter switches the privacy filter. The change applies to the
// very next outgoing frame and is declared to the peer.
func (s *Session) SetFilter(f media.Filter) {
	if s.done.Load() {
		return
	}
	if s.capture != nil {
		s.capture.Pipeline().SetFilter(f)
	}
	parts := s.upsert(LocalParticipantID, func(p *Participant) {
		p.Filter = f
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})
	s.pushPrivacy()
}

// ToggleAudio flips the microphone and returns the new enabled state.
// Without capture the roster flag still flips; the peer sees it through
// the privacy update either way.
func (s *Session) ToggleAudio() bool {
	if s.done.Load() {
		return false
	}
	enabled := !s.localParticipant().AudioEnabled
	if s.capture != nil {
		gate := s.capture.Gate()
		// Toggling a muted gate enables audio.
		enabled = gate.Muted()
		gate.SetMuted(!enabled)
	}
	parts := s.upsert(LocalParticipantID, func(p *Participant) {
		p.AudioEnabled = enabled
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})
	s.pushPrivacy()
	return enabled
}

// ToggleVideo flips camera egress and returns the new enabled state.
// While off, the peer gets opaque frames; the configured filter
// survives the pause. Without capture there is nothing to enable.
func (s *Session) ToggleVideo() bool {
	if s.done.Load() || s.capture == nil {
		return false
	}
	pipe := s.capture.Pipeline()
	enabled := !pipe.VideoEnabled()
	pipe.SetVideoEnabled(enabled)
	parts := s.upsert(LocalParticipantID, func(p *Participant) {
		p.VideoEnabled = enabled
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})
	s.pushPrivacy()
	return enabled
}

// Reset discards the current handshake and connection and returns the
// session to idle. The key, capture, and event stream are untouched.
func (s *Session) Reset() error {
	if s.done.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	mgr := s.mgr
	s.mgr, s.coord, s.tun = nil, nil, nil
	s.started = false
	s.stopWindowLocked()
	s.status = StatusIdle
	s.mu.Unlock()

	if mgr != nil {
		mgr.Close()
	}
	parts := s.removeParticipant(RemoteParticipantID)
	s.emit(Event{Type: EventParticipants, Participants: parts})
	s.emitStatus(StatusIdle, "reset")
	return nil
}

// Exit ends the session: announce the exit to the peer, close the
// connection, release the devices, destroy the key. Idempotent.
func (s *Session) Exit() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tun, mgr := s.tun, s.mgr
		s.stopWindowLocked()
		s.status = StatusClosed
		s.mu.Unlock()

		if tun != nil && tun.Open() {
			if terr := tun.SendTerminate(); terr == nil {
				// Let the frame leave before the transport drops.
				time.Sleep(terminateFlush)
			}
		}
		if mgr != nil {
			err = mgr.Close()
		}
		s.emitStatus(StatusClosed, "session ended")
		s.done.Store(true)
		// Devices release after done flips so their end-of-track
		// callbacks stay quiet.
		if s.capture != nil {
			s.capture.Close()
		}
		s.key.Destroy()
	})
	return err
}

// Summary snapshots the counters for the end-of-session table.
type Summary struct {
	Room     string
	Role     string
	Duration time.Duration
	Tunnel   tunnel.Stats
	Pipeline media.Stats
	Tracks   []peer.TrackStats
}

// Summary reads the current counters. Valid at any point, including
// after Exit.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	mgr, tun, role, started := s.mgr, s.tun, s.role, s.started
	s.mu.Unlock()

	sum := Summary{
		Room:     s.roomID,
		Duration: time.Since(s.startedAt).Round(time.Second),
	}
	if started {
		sum.Role = role.String()
	}
	if tun != nil {
		sum.Tunnel = tun.Stats()
	}
	if s.capture != nil {
		sum.Pipeline = s.capture.Pipeline().Stats()
	}
	if mgr != nil {
		sum.Tracks = mgr.RemoteTrackStats()
	}
	return sum
}

// begin chooses a role and builds the peer connection and coordinator
// for one handshake attempt.
func (s *Session) begin(role peer.Role) (*peer.Manager, *handshake.Coordinator, error) {
	if s.done.Load() {
		return nil, nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, nil, ErrAlreadyStarted
	}

	mgr, err := peer.New(s.cfg, peer.Options{
		Role:            role,
		Capture:         s.capture,
		DisconnectGrace: s.cfg.DisconnectGrace,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	// Each callback carries the manager it belongs to; after a Reset
	// the comparison keeps stragglers from the old connection out.
	mgr.SetCallbacks(peer.Callbacks{
		OnConnected:   func() { s.handleConnected(mgr) },
		OnInterrupted: func() { s.handleInterrupted(mgr) },
		OnLost:        func(cause error) { go s.collapse(mgr, cause) },
		OnRemoteTrack: func(kind string) { s.handleRemoteTrack(mgr, kind) },
		OnDataChannel: func(dc *pion.DataChannel) { s.adoptChannel(mgr, dc) },
	})

	s.mgr = mgr
	s.coord = handshake.New(mgr, s.cfg.HandshakeWindow)
	s.role = role
	s.started = true
	s.status = StatusPreparing
	return s.mgr, s.coord, nil
}

// adoptChannel wraps the data channel in the tunnel. The host calls
// it with the channel it created; the guest gets it from the
// connection when the host's channel is announced.
func (s *Session) adoptChannel(from *peer.Manager, dc *pion.DataChannel) {
	tun := tunnel.New(dc, s.key, s.sinks, tunnel.Handlers{
		OnChat: func(text string) {
			s.emit(Event{Type: EventMessage, Message: Message{
				From: RemoteParticipantID,
				Text: text,
				At:   time.Now(),
			}})
		},
		OnPrivacyUpdate: s.handlePrivacyUpdate,
		OnTerminate: func() {
			go s.collapse(from, nil)
		},
		OnFileOffered: func(meta tunnel.FileMeta) {
			s.emit(Event{Type: EventFileOffered, Meta: meta})
		},
		OnProgress: func(p tunnel.Progress) {
			s.emit(Event{Type: EventProgress, Progress: p})
		},
		OnFileReceived: func(file tunnel.ReceivedFile) {
			s.emit(Event{Type: EventFileReceived, File: file})
		},
		OnFileFailed: func(meta tunnel.FileMeta, err error) {
			s.emitError(err, fmt.Sprintf("transfer of %s failed: %v", meta.Name, err))
		},
		OnError: func(err error) {
			s.emitError(err, "")
		},
	}, s.logger)

	s.mu.Lock()
	if s.mgr != from {
		s.mu.Unlock()
		return
	}
	s.tun = tun
	s.mu.Unlock()

	// First thing over the wire: declare the local privacy state so
	// the remote UI never has to guess.
	dc.OnOpen(s.pushPrivacy)
}

// pushPrivacy declares the local privacy state to the peer. Failures
// are logged, not fatal; the state is re-pushed on the next change.
func (s *Session) pushPrivacy() {
	tun := s.tunnel()
	if tun == nil || !tun.Open() {
		return
	}
	p := s.localParticipant()
	err := tun.SendPrivacyUpdate(tunnel.PrivacyUpdate{
		Filter:       string(p.Filter),
		AudioEnabled: p.AudioEnabled,
		VideoEnabled: p.VideoEnabled,
	})
	if err != nil {
		s.logger.Warn("privacy update not sent", "error", err)
	}
}

func (s *Session) handlePrivacyUpdate(upd tunnel.PrivacyUpdate) {
	parts := s.upsert(RemoteParticipantID, func(p *Participant) {
		p.Filter = media.Filter(upd.Filter)
		p.AudioEnabled = upd.AudioEnabled
		p.VideoEnabled = upd.VideoEnabled
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})
}

func (s *Session) handleRemoteTrack(from *peer.Manager, kind string) {
	if !s.current(from) {
		return
	}
	parts := s.upsert(RemoteParticipantID, func(p *Participant) {
		switch kind {
		case "audio":
			p.AudioEnabled = true
		case "video":
			p.VideoEnabled = true
		}
	})
	s.emit(Event{Type: EventParticipants, Participants: parts})
}

func (s *Session) handleConnected(from *peer.Manager) {
	s.mu.Lock()
	moved := false
	if s.mgr == from {
		switch s.status {
		case StatusIdle, StatusPreparing, StatusReady, StatusConnecting, StatusInterrupted:
			s.stopWindowLocked()
			s.status = StatusConnected
			moved = true
		}
	}
	s.mu.Unlock()
	if !moved {
		return
	}
	parts := s.upsert(RemoteParticipantID, func(*Participant) {})
	s.emit(Event{Type: EventParticipants, Participants: parts})
	s.emitStatus(StatusConnected, "")
}

func (s *Session) handleInterrupted(from *peer.Manager) {
	s.mu.Lock()
	moved := s.mgr == from && s.status == StatusConnected
	if moved {
		s.status = StatusInterrupted
	}
	s.mu.Unlock()
	if moved {
		s.emitStatus(StatusInterrupted, "connection interrupted, waiting for recovery")
	}
}

// collapse tears the transport down after the connection is gone: a
// nil cause is the peer's clean exit, anything else a failure. The
// session stays alive for Reset.
func (s *Session) collapse(from *peer.Manager, cause error) {
	s.mu.Lock()
	if s.done.Load() || s.status.terminal() || s.mgr != from {
		s.mu.Unlock()
		return
	}
	s.stopWindowLocked()
	to := StatusDisconnected
	if cause != nil {
		to = StatusFailed
	}
	s.status = to
	s.mu.Unlock()

	from.Close()
	parts := s.removeParticipant(RemoteParticipantID)
	s.emit(Event{Type: EventParticipants, Participants: parts})
	if cause != nil {
		s.emitError(cause, "")
		s.emitStatus(to, cause.Error())
		return
	}
	s.emitStatus(to, "peer left")
}

// armWindow starts (or restarts) the handshake countdown.
func (s *Session) armWindow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window != nil {
		s.window.Stop()
	}
	s.window = time.AfterFunc(s.cfg.HandshakeWindow, s.handleExpiry)
}

func (s *Session) handleExpiry() {
	s.mu.Lock()
	if s.done.Load() || s.status == StatusConnected ||
		s.status == StatusInterrupted || s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusExpired
	mgr := s.mgr
	s.mu.Unlock()

	if mgr != nil {
		mgr.Close()
	}
	s.emit(Event{Type: EventExpired, Detail: "handshake window elapsed"})
	s.emitStatus(StatusExpired, "handshake window elapsed")
}

func (s *Session) stopWindowLocked() {
	if s.window != nil {
		s.window.Stop()
		s.window = nil
	}
}

func (s *Session) tunnel() *tunnel.Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tun
}

// current reports whether the manager still belongs to this handshake
// generation.
func (s *Session) current(from *peer.Manager) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr == from
}

func (s *Session) setStatus(st Status, detail string) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.emitStatus(st, detail)
}

// statusTo moves to a status only from one of the given states,
// reporting whether it moved. A submit path cannot stomp a state the
// connection advanced past while the payload was being applied.
func (s *Session) statusTo(to Status, from ...Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.status == f {
			s.status = to
			return true
		}
	}
	return false
}

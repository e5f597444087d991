package session

import (
	"errors"
	"time"

	"github.com/ljdmx/SilentLink/internal/crypto"
	"github.com/ljdmx/SilentLink/internal/handshake"
	"github.com/ljdmx/SilentLink/internal/media"
	"github.com/ljdmx/SilentLink/internal/peer"
	"github.com/ljdmx/SilentLink/internal/tunnel"
)

// EventType identifies what an Event carries.
type EventType uint8

const (
	// EventParticipants carries a fresh roster snapshot after any
	// participant field changed.
	EventParticipants EventType = iota
	// EventStatus carries a connection status transition.
	EventStatus
	// EventMessage carries a decrypted incoming chat message.
	EventMessage
	// EventProgress carries per-chunk transfer progress, both
	// directions.
	EventProgress
	// EventFileOffered announces an incoming transfer.
	EventFileOffered
	// EventFileReceived announces a finalized incoming file.
	EventFileReceived
	// EventExpired fires when the handshake window lapses before the
	// connection completes.
	EventExpired
	// EventError carries a classified, non-fatal error.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventParticipants:
		return "participants"
	case EventStatus:
		return "status"
	case EventMessage:
		return "message"
	case EventProgress:
		return "progress"
	case EventFileOffered:
		return "file-offered"
	case EventFileReceived:
		return "file-received"
	case EventExpired:
		return "handshake-expired"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the externally visible connection state of the session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPreparing    Status = "preparing"
	StatusReady        Status = "ready"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusInterrupted  Status = "interrupted"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// terminal reports whether the status ends the current connection
// attempt. Expiry, loss, and shutdown can race; whichever lands first
// sticks.
func (s Status) terminal() bool {
	switch s {
	case StatusDisconnected, StatusExpired, StatusFailed, StatusClosed:
		return true
	}
	return false
}

// Message is one chat line with sender attribution.
type Message struct {
	From string
	Text string
	At   time.Time
}

// ErrorKind buckets errors for the UI, which renders them differently
// but never needs the concrete type.
type ErrorKind string

const (
	KindMediaAccess        ErrorKind = "media-access"
	KindHandshakePayload   ErrorKind = "handshake-payload"
	KindHandshakeTimeout   ErrorKind = "handshake-timeout"
	KindCryptoVerification ErrorKind = "crypto-verification"
	KindChannelState       ErrorKind = "channel-state"
	KindPeerConnection     ErrorKind = "peer-connection"
	KindProtocol           ErrorKind = "protocol"
)

// Classify maps an error onto its kind. Unrecognized errors count as
// protocol errors.
func Classify(err error) ErrorKind {
	var access *media.AccessError
	switch {
	case errors.As(err, &access):
		return KindMediaAccess
	case errors.Is(err, crypto.ErrVerification):
		return KindCryptoVerification
	case errors.Is(err, handshake.ErrWindowExpired):
		return KindHandshakeTimeout
	case errors.Is(err, handshake.ErrMalformedPayload),
		errors.Is(err, handshake.ErrBadState):
		return KindHandshakePayload
	case errors.Is(err, tunnel.ErrChannelNotOpen),
		errors.Is(err, tunnel.ErrChannelClosed),
		errors.Is(err, tunnel.ErrBufferTimeout),
		errors.Is(err, ErrNotConnected):
		return KindChannelState
	case errors.Is(err, peer.ErrConnectionFailed),
		errors.Is(err, peer.ErrConnectionLost),
		errors.Is(err, peer.ErrClosed):
		return KindPeerConnection
	default:
		return KindProtocol
	}
}

// Event is the tagged union delivered on Events(). Only the fields
// named by Type are populated.
type Event struct {
	Type EventType

	Participants []Participant
	Status       Status
	Message      Message
	Progress     tunnel.Progress
	Meta         tunnel.FileMeta
	File         tunnel.ReceivedFile
	Kind         ErrorKind
	Err          error
	Detail       string
}

const eventBuffer = 100

// emit never blocks; callers include pion goroutines. A full buffer
// drops the event and logs it, so nothing disappears unobserved.
func (s *Session) emit(ev Event) {
	if s.done.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event dropped, consumer too slow", "type", ev.Type.String())
	}
}

func (s *Session) emitStatus(st Status, detail string) {
	s.emit(Event{Type: EventStatus, Status: st, Detail: detail})
}

func (s *Session) emitError(err error, detail string) {
	if detail == "" {
		detail = err.Error()
	}
	s.emit(Event{Type: EventError, Kind: Classify(err), Err: err, Detail: detail})
}

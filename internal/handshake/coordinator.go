// Package handshake drives the manual offer/answer exchange: encoding
// session descriptions into copy-paste blobs, decoding whatever the
// user pastes back, and holding the state machine that keeps the
// exchange inside its time window.
package handshake

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Negotiator is the slice of a peer connection the coordinator needs.
// The production implementation wraps pion and blocks until ICE
// gathering completes, so every description it returns is complete and
// needs no trickle channel.
type Negotiator interface {
	CreateOffer(ctx context.Context) (pion.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer pion.SessionDescription) (pion.SessionDescription, error)
	AcceptAnswer(answer pion.SessionDescription) error
}

// State names a position in the handshake exchange.
type State int

const (
	// StateIdle is the starting state on both sides.
	StateIdle State = iota
	// StateAwaitingAnswer is the host after publishing its offer.
	StateAwaitingAnswer
	// StateComplete means both descriptions are applied and ICE can
	// finish on its own.
	StateComplete
	// StateExpired means the window lapsed before completion; only a
	// fresh coordinator can continue.
	StateExpired
	// StateFailed means the underlying negotiation broke.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateComplete:
		return "complete"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Coordinator runs one side of a single handshake. It is safe for
// concurrent use; the paste UI and the link auto-apply path may race
// to deliver the same answer.
type Coordinator struct {
	neg    Negotiator
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	state      State
	deadline   time.Time
	applied    [sha256.Size]byte
	hasRemote  bool
	answerBlob string
}

// New builds a coordinator around a negotiator. The window bounds the
// whole manual exchange, measured from the moment this side produces
// its first description.
func New(neg Negotiator, window time.Duration) *Coordinator {
	return &Coordinator{
		neg:    neg,
		window: window,
		now:    time.Now,
		state:  StateIdle,
	}
}

// State reports the current handshake state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining reports how much of the window is left, clamped at zero.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline.IsZero() {
		return c.window
	}
	left := c.deadline.Sub(c.now())
	if left < 0 {
		return 0
	}
	return left
}

// CreateOffer runs the host side: build the offer, wait for complete
// gathering, arm the window, and hand back the blob for the user to
// share. Valid only once, from StateIdle.
func (c *Coordinator) CreateOffer(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return "", WrapError("create offer", ErrBadState, state.String())
	}
	c.mu.Unlock()

	offer, err := c.neg.CreateOffer(ctx)
	if err != nil {
		c.fail()
		return "", NewError("create offer", err)
	}
	blob, err := EncodePayload(offer)
	if err != nil {
		c.fail()
		return "", err
	}

	c.mu.Lock()
	c.state = StateAwaitingAnswer
	c.deadline = c.now().Add(c.window)
	c.mu.Unlock()
	return blob, nil
}

// AcceptAnswer runs the host's second step with whatever the guest
// sent back. Pasting the same answer again after completion is a
// no-op; a different answer after completion is rejected. After the
// window closes the answer is refused even if it would have parsed.
func (c *Coordinator) AcceptAnswer(blob string) error {
	desc, err := DecodePayload(blob)
	if err != nil {
		return err
	}
	if desc.Type != pion.SDPTypeAnswer {
		return WrapError("accept answer", ErrMalformedPayload, "payload is not an answer")
	}
	sum := fingerprint(desc)

	c.mu.Lock()
	switch c.state {
	case StateComplete:
		dup := c.hasRemote && sum == c.applied
		c.mu.Unlock()
		if dup {
			return nil
		}
		return WrapError("accept answer", ErrBadState, "handshake already complete")
	case StateAwaitingAnswer:
	default:
		state := c.state
		c.mu.Unlock()
		return WrapError("accept answer", ErrBadState, state.String())
	}
	if c.now().After(c.deadline) {
		c.state = StateExpired
		c.mu.Unlock()
		return NewError("accept answer", ErrWindowExpired)
	}
	c.mu.Unlock()

	if err := c.neg.AcceptAnswer(desc); err != nil {
		c.fail()
		return NewError("accept answer", err)
	}

	c.mu.Lock()
	c.state = StateComplete
	c.applied = sum
	c.hasRemote = true
	c.mu.Unlock()
	return nil
}

// HandleOffer runs the guest side in one step: decode the pasted or
// link-borne offer, produce a fully gathered answer, arm the window
// for the connection wait, and return the blob to send back. Handing
// in the same offer twice returns the same answer, so a link
// auto-apply followed by a manual paste of the identical offer stays
// harmless.
func (c *Coordinator) HandleOffer(ctx context.Context, blob string) (string, error) {
	desc, err := DecodePayload(blob)
	if err != nil {
		return "", err
	}
	if desc.Type != pion.SDPTypeOffer {
		return "", WrapError("handle offer", ErrMalformedPayload, "payload is not an offer")
	}
	sum := fingerprint(desc)

	c.mu.Lock()
	if c.state != StateIdle {
		dup := c.hasRemote && sum == c.applied && c.answerBlob != ""
		answer := c.answerBlob
		state := c.state
		c.mu.Unlock()
		if dup {
			return answer, nil
		}
		return "", WrapError("handle offer", ErrBadState, state.String())
	}
	c.mu.Unlock()

	answer, err := c.neg.CreateAnswer(ctx, desc)
	if err != nil {
		c.fail()
		return "", NewError("handle offer", err)
	}
	out, err := EncodePayload(answer)
	if err != nil {
		c.fail()
		return "", err
	}

	c.mu.Lock()
	c.state = StateComplete
	c.applied = sum
	c.hasRemote = true
	c.answerBlob = out
	c.deadline = c.now().Add(c.window)
	c.mu.Unlock()
	return out, nil
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

func fingerprint(desc pion.SessionDescription) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(desc.Type.String()))
	h.Write([]byte{0})
	h.Write([]byte(desc.SDP))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

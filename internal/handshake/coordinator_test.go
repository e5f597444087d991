package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
)

type fakeNegotiator struct {
	offerSDP  string
	answerSDP string

	offerErr  error
	answerErr error
	acceptErr error

	offersCreated  int
	answersCreated int
	accepted       []pion.SessionDescription
	seenOffers     []pion.SessionDescription
}

func (f *fakeNegotiator) CreateOffer(context.Context) (pion.SessionDescription, error) {
	f.offersCreated++
	if f.offerErr != nil {
		return pion.SessionDescription{}, f.offerErr
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: f.offerSDP}, nil
}

func (f *fakeNegotiator) CreateAnswer(_ context.Context, offer pion.SessionDescription) (pion.SessionDescription, error) {
	f.answersCreated++
	f.seenOffers = append(f.seenOffers, offer)
	if f.answerErr != nil {
		return pion.SessionDescription{}, f.answerErr
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: f.answerSDP}, nil
}

func (f *fakeNegotiator) AcceptAnswer(answer pion.SessionDescription) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, answer)
	return nil
}

type manualClock struct {
	t time.Time
}

func (m *manualClock) Now() time.Time          { return m.t }
func (m *manualClock) Advance(d time.Duration) { m.t = m.t.Add(d) }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeNegotiator, *manualClock) {
	t.Helper()
	neg := &fakeNegotiator{offerSDP: sampleSDP, answerSDP: sampleSDP}
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(neg, 3*time.Minute)
	c.now = clock.Now
	return c, neg, clock
}

func answerBlob(t *testing.T, sdp string) string {
	t.Helper()
	blob, err := EncodePayload(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return blob
}

func offerBlob(t *testing.T, sdp string) string {
	t.Helper()
	blob, err := EncodePayload(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return blob
}

func TestHostFlowCompletes(t *testing.T) {
	t.Parallel()

	c, neg, _ := newTestCoordinator(t)

	blob, err := c.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if got := c.State(); got != StateAwaitingAnswer {
		t.Fatalf("state after offer = %v, want awaiting-answer", got)
	}
	desc, err := DecodePayload(blob)
	if err != nil || desc.Type != pion.SDPTypeOffer {
		t.Fatalf("offer blob does not decode to an offer: %v %v", desc.Type, err)
	}

	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); err != nil {
		t.Fatalf("AcceptAnswer error: %v", err)
	}
	if got := c.State(); got != StateComplete {
		t.Fatalf("state after answer = %v, want complete", got)
	}
	if len(neg.accepted) != 1 {
		t.Fatalf("negotiator accepted %d answers, want 1", len(neg.accepted))
	}
}

func TestHostDuplicateAnswerIsNoOp(t *testing.T) {
	t.Parallel()

	c, neg, _ := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}

	blob := answerBlob(t, sampleSDP)
	if err := c.AcceptAnswer(blob); err != nil {
		t.Fatalf("first AcceptAnswer error: %v", err)
	}
	if err := c.AcceptAnswer(blob); err != nil {
		t.Fatalf("duplicate AcceptAnswer error: %v", err)
	}
	if len(neg.accepted) != 1 {
		t.Fatalf("duplicate answer re-applied: %d applications", len(neg.accepted))
	}

	// Same answer with different paste damage still counts as the
	// same answer.
	if err := c.AcceptAnswer("  " + blob + "\n"); err != nil {
		t.Fatalf("re-paste with whitespace error: %v", err)
	}
}

func TestHostDifferentAnswerAfterCompleteRejected(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); err != nil {
		t.Fatalf("AcceptAnswer error: %v", err)
	}

	other := answerBlob(t, sampleSDP+"a=mid:1\r\n")
	if err := c.AcceptAnswer(other); !errors.Is(err, ErrBadState) {
		t.Fatalf("conflicting answer error = %v, want ErrBadState", err)
	}
}

func TestHostAnswerAfterWindowExpires(t *testing.T) {
	t.Parallel()

	c, neg, clock := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}

	clock.Advance(3*time.Minute + time.Second)
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("late answer error = %v, want ErrWindowExpired", err)
	}
	if got := c.State(); got != StateExpired {
		t.Fatalf("state = %v, want expired", got)
	}
	if len(neg.accepted) != 0 {
		t.Fatal("expired answer reached the negotiator")
	}

	// Once expired the coordinator stays dead.
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); !errors.Is(err, ErrBadState) {
		t.Fatalf("answer after expiry error = %v, want ErrBadState", err)
	}
}

func TestHostMalformedAnswerLeavesWindowOpen(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}

	if err := c.AcceptAnswer("definitely not an answer"); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("garbage answer error = %v, want ErrMalformedPayload", err)
	}
	if got := c.State(); got != StateAwaitingAnswer {
		t.Fatalf("state after garbage = %v, want awaiting-answer", got)
	}

	// A corrected paste still succeeds.
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); err != nil {
		t.Fatalf("valid answer after garbage error: %v", err)
	}
}

func TestHostRejectsOfferPayloadAsAnswer(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if err := c.AcceptAnswer(offerBlob(t, sampleSDP)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("offer-as-answer error = %v, want ErrMalformedPayload", err)
	}
}

func TestCreateOfferTwiceRejected(t *testing.T) {
	t.Parallel()

	c, neg, _ := newTestCoordinator(t)
	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if _, err := c.CreateOffer(context.Background()); !errors.Is(err, ErrBadState) {
		t.Fatalf("second CreateOffer error = %v, want ErrBadState", err)
	}
	if neg.offersCreated != 1 {
		t.Fatalf("negotiator built %d offers, want 1", neg.offersCreated)
	}
}

func TestAcceptAnswerBeforeOfferRejected(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); !errors.Is(err, ErrBadState) {
		t.Fatalf("answer before offer error = %v, want ErrBadState", err)
	}
}

func TestGuestFlowCompletes(t *testing.T) {
	t.Parallel()

	c, neg, clock := newTestCoordinator(t)

	answer, err := c.HandleOffer(context.Background(), offerBlob(t, sampleSDP))
	if err != nil {
		t.Fatalf("HandleOffer error: %v", err)
	}
	if got := c.State(); got != StateComplete {
		t.Fatalf("state = %v, want complete", got)
	}
	desc, err := DecodePayload(answer)
	if err != nil || desc.Type != pion.SDPTypeAnswer {
		t.Fatalf("answer blob does not decode to an answer: %v %v", desc.Type, err)
	}
	if len(neg.seenOffers) != 1 || neg.seenOffers[0].SDP != sampleSDP {
		t.Fatalf("negotiator saw offers %v", neg.seenOffers)
	}

	clock.Advance(time.Minute)
	if got := c.Remaining(); got != 2*time.Minute {
		t.Fatalf("remaining after answering = %v, want the window counting down", got)
	}
}

func TestGuestDuplicateOfferReturnsSameAnswer(t *testing.T) {
	t.Parallel()

	c, neg, _ := newTestCoordinator(t)
	blob := offerBlob(t, sampleSDP)

	first, err := c.HandleOffer(context.Background(), blob)
	if err != nil {
		t.Fatalf("first HandleOffer error: %v", err)
	}
	second, err := c.HandleOffer(context.Background(), blob)
	if err != nil {
		t.Fatalf("duplicate HandleOffer error: %v", err)
	}
	if first != second {
		t.Fatal("duplicate offer produced a different answer")
	}
	if neg.answersCreated != 1 {
		t.Fatalf("negotiator built %d answers, want 1", neg.answersCreated)
	}
}

func TestGuestConflictingOfferRejected(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	if _, err := c.HandleOffer(context.Background(), offerBlob(t, sampleSDP)); err != nil {
		t.Fatalf("HandleOffer error: %v", err)
	}
	other := offerBlob(t, sampleSDP+"a=mid:1\r\n")
	if _, err := c.HandleOffer(context.Background(), other); !errors.Is(err, ErrBadState) {
		t.Fatalf("conflicting offer error = %v, want ErrBadState", err)
	}
}

func TestGuestMalformedOfferRetryable(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)

	if _, err := c.HandleOffer(context.Background(), "%%%%"); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("garbage offer error = %v, want ErrMalformedPayload", err)
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("state after garbage = %v, want idle", got)
	}
	if _, err := c.HandleOffer(context.Background(), offerBlob(t, sampleSDP)); err != nil {
		t.Fatalf("valid offer after garbage error: %v", err)
	}
}

func TestNegotiatorFailureMarksFailed(t *testing.T) {
	t.Parallel()

	c, neg, _ := newTestCoordinator(t)
	neg.acceptErr = errors.New("dtls exploded")

	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if err := c.AcceptAnswer(answerBlob(t, sampleSDP)); err == nil {
		t.Fatal("AcceptAnswer succeeded despite negotiator failure")
	}
	if got := c.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestRemainingTracksClock(t *testing.T) {
	t.Parallel()

	c, _, clock := newTestCoordinator(t)
	if got := c.Remaining(); got != 3*time.Minute {
		t.Fatalf("Remaining before offer = %v, want full window", got)
	}

	if _, err := c.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	clock.Advance(time.Minute)
	if got := c.Remaining(); got != 2*time.Minute {
		t.Fatalf("Remaining after 1m = %v, want 2m", got)
	}
	clock.Advance(10 * time.Minute)
	if got := c.Remaining(); got != 0 {
		t.Fatalf("Remaining past deadline = %v, want 0", got)
	}
}

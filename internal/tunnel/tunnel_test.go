package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/ljdmx/SilentLink/internal/crypto"
)

// fakeChannel is an in-memory stand-in for a pion data channel. Two of
// them wired together deliver each frame synchronously to the peer's
// message handler, preserving send order exactly like the real ordered
// channel. Buffered amount is under manual test control.
type fakeChannel struct {
	mu        sync.Mutex
	state     pion.DataChannelState
	buffered  uint64
	threshold uint64
	onLow     func()
	onMessage func(pion.DataChannelMessage)
	peer      *fakeChannel
	// corrupt, when set, may rewrite a binary frame in flight.
	corrupt func(frame []byte) []byte
}

func newChannelPair() (*fakeChannel, *fakeChannel) {
	a := &fakeChannel{state: pion.DataChannelStateOpen}
	b := &fakeChannel{state: pion.DataChannelStateOpen}
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeChannel) deliver(data []byte, isString bool) error {
	c.mu.Lock()
	if c.state != pion.DataChannelStateOpen {
		c.mu.Unlock()
		return errors.New("fake channel not open")
	}
	peer := c.peer
	corrupt := c.corrupt
	c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	if corrupt != nil && !isString {
		buf = corrupt(buf)
	}

	peer.mu.Lock()
	handler := peer.onMessage
	peer.mu.Unlock()
	if handler != nil {
		handler(pion.DataChannelMessage{IsString: isString, Data: buf})
	}
	return nil
}

func (c *fakeChannel) Send(data []byte) error  { return c.deliver(data, false) }
func (c *fakeChannel) SendText(s string) error { return c.deliver([]byte(s), true) }
func (c *fakeChannel) Label() string           { return "test" }

func (c *fakeChannel) Close() error {
	c.setState(pion.DataChannelStateClosed)
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = th
}

func (c *fakeChannel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = fn
}

func (c *fakeChannel) OnMessage(fn func(pion.DataChannelMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *fakeChannel) ReadyState() pion.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s pion.DataChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) setBuffered(n uint64) {
	c.mu.Lock()
	c.buffered = n
	fn := c.onLow
	th := c.threshold
	c.mu.Unlock()
	if n <= th && fn != nil {
		fn()
	}
}

// memorySink collects decrypted plaintext for assertions.
type memorySink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	finalized bool
	aborted   bool
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memorySink) Finalize() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return "mem", nil
}

func (s *memorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *memorySink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// sinkStore hands out memory sinks and remembers them by file id.
type sinkStore struct {
	mu    sync.Mutex
	sinks map[string]*memorySink
	err   error
}

func newSinkStore() *sinkStore {
	return &sinkStore{sinks: make(map[string]*memorySink)}
}

func (st *sinkStore) factory(meta FileMeta) (FileSink, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return nil, st.err
	}
	s := &memorySink{}
	st.sinks[meta.ID] = s
	return s, nil
}

func (st *sinkStore) sink(id string) *memorySink {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sinks[id]
}

type failedFile struct {
	meta FileMeta
	err  error
}

// recorder turns tunnel handlers into channels the test can wait on.
type recorder struct {
	chats      chan string
	privacy    chan PrivacyUpdate
	terminates chan struct{}
	offered    chan FileMeta
	progress   chan Progress
	received   chan ReceivedFile
	failed     chan failedFile
	errs       chan error
}

func newRecorder() *recorder {
	return &recorder{
		chats:      make(chan string, 64),
		privacy:    make(chan PrivacyUpdate, 64),
		terminates: make(chan struct{}, 4),
		offered:    make(chan FileMeta, 16),
		progress:   make(chan Progress, 4096),
		received:   make(chan ReceivedFile, 16),
		failed:     make(chan failedFile, 16),
		errs:       make(chan error, 64),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChat:          func(text string) { r.chats <- text },
		OnPrivacyUpdate: func(u PrivacyUpdate) { r.privacy <- u },
		OnTerminate:     func() { r.terminates <- struct{}{} },
		OnFileOffered:   func(m FileMeta) { r.offered <- m },
		OnProgress:      func(p Progress) { r.progress <- p },
		OnFileReceived:  func(f ReceivedFile) { r.received <- f },
		OnFileFailed:    func(m FileMeta, err error) { r.failed <- failedFile{m, err} },
		OnError:         func(err error) { r.errs <- err },
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deriveTestKey(t *testing.T, passphrase string) *crypto.Key {
	t.Helper()
	key, err := crypto.DeriveKey(passphrase, "teal-kestrel-lagoon-quill")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

// tunnelPair wires two tunnels back to back. Keys are derived
// independently per side from the given passphrases, exactly as the
// two real endpoints would.
func tunnelPair(t *testing.T, passA, passB string) (ta, tb *Tunnel, ca, cb *fakeChannel, ra, rb *recorder, store *sinkStore) {
	t.Helper()
	ca, cb = newChannelPair()
	ra, rb = newRecorder(), newRecorder()
	store = newSinkStore()
	ta = New(ca, deriveTestKey(t, passA), store.factory, ra.handlers(), testLogger())
	tb = New(cb, deriveTestKey(t, passB), store.factory, rb.handlers(), testLogger())
	return
}

func waitChat(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case text := <-r.chats:
		return text
	case <-time.After(5 * time.Second):
		t.Fatal("no chat message arrived")
		return ""
	}
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()

	ta, tb, _, _, ra, rb, _ := tunnelPair(t, "correct-horse", "correct-horse")

	if err := ta.SendChat("hello over the tunnel"); err != nil {
		t.Fatalf("SendChat error: %v", err)
	}
	if got := waitChat(t, rb); got != "hello over the tunnel" {
		t.Fatalf("peer received %q", got)
	}

	if err := tb.SendChat("and back"); err != nil {
		t.Fatalf("reply SendChat error: %v", err)
	}
	if got := waitChat(t, ra); got != "and back" {
		t.Fatalf("initiator received %q", got)
	}

	if s := ta.Stats(); s.ChatSent != 1 || s.ChatReceived != 1 {
		t.Fatalf("initiator stats = %+v", s)
	}
}

func TestChatWrongPassphraseFailsClosed(t *testing.T) {
	t.Parallel()

	// Transport connects fine; only decryption fails, message by
	// message, and the tunnel survives.
	ta, _, _, _, _, rb, _ := tunnelPair(t, "correct-horse", "wrong-horse")

	if err := ta.SendChat("secret"); err != nil {
		t.Fatalf("SendChat error: %v", err)
	}

	select {
	case err := <-rb.errs:
		if !errors.Is(err, crypto.ErrVerification) {
			t.Fatalf("error = %v, want ErrVerification", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decrypt failure never reported")
	}
	select {
	case text := <-rb.chats:
		t.Fatalf("garbage plaintext delivered: %q", text)
	default:
	}
}

func TestSendChatWithoutOpenChannel(t *testing.T) {
	t.Parallel()

	ta, _, ca, _, _, rb, _ := tunnelPair(t, "p", "p")
	ca.setState(pion.DataChannelStateConnecting)

	err := ta.SendChat("too early")
	if !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("SendChat error = %v, want ErrChannelNotOpen", err)
	}
	select {
	case text := <-rb.chats:
		t.Fatalf("message leaked through closed channel: %q", text)
	default:
	}
	if s := ta.Stats(); s.ChatSent != 0 {
		t.Fatalf("unsent chat counted: %+v", s)
	}
}

func TestFileRoundTripSizes(t *testing.T) {
	t.Parallel()

	sizes := []int64{0, ChunkSize - 1, ChunkSize, ChunkSize + 1, 10*ChunkSize + 7}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			t.Parallel()

			ta, _, _, _, _, rb, store := tunnelPair(t, "p", "p")

			payload := make([]byte, size)
			if _, err := rand.Read(payload); err != nil {
				t.Fatalf("rand: %v", err)
			}

			meta := FileMeta{ID: fmt.Sprintf("f-%d", size), Name: "blob.bin", Size: size}
			if err := ta.SendFile(context.Background(), meta, bytes.NewReader(payload)); err != nil {
				t.Fatalf("SendFile error: %v", err)
			}

			select {
			case got := <-rb.received:
				if got.Meta.ID != meta.ID {
					t.Fatalf("received id %q, want %q", got.Meta.ID, meta.ID)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("file never completed")
			}

			sink := store.sink(meta.ID)
			if sink == nil {
				t.Fatal("no sink created for transfer")
			}
			if !bytes.Equal(sink.bytes(), payload) {
				t.Fatalf("reassembled bytes differ: got %d bytes, want %d", len(sink.bytes()), size)
			}
			if !sink.finalized {
				t.Fatal("sink never finalized")
			}
		})
	}
}

func TestFileProgressReachesTotal(t *testing.T) {
	t.Parallel()

	ta, _, _, _, ra, rb, _ := tunnelPair(t, "p", "p")

	size := int64(3*ChunkSize + ChunkSize/2)
	payload := bytes.Repeat([]byte{0xAB}, int(size))
	meta := FileMeta{ID: "prog", Name: "p.bin", Size: size}

	if err := ta.SendFile(context.Background(), meta, bytes.NewReader(payload)); err != nil {
		t.Fatalf("SendFile error: %v", err)
	}

	checkMonotonic := func(r *recorder, dir Direction) {
		var last int64 = -1
		for {
			select {
			case p := <-r.progress:
				if p.Direction != dir {
					continue
				}
				if p.Transferred <= last {
					t.Fatalf("%v progress went backwards: %d after %d", dir, p.Transferred, last)
				}
				last = p.Transferred
				if last == size {
					if pct := p.Percent(); pct != 100 {
						t.Fatalf("final percent = %v", pct)
					}
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("%v progress stalled at %d of %d", dir, last, size)
			}
		}
	}
	checkMonotonic(ra, DirectionSend)
	checkMonotonic(rb, DirectionReceive)
}

func TestTamperedChunkFailsTransferOnly(t *testing.T) {
	t.Parallel()

	ta, tb, ca, _, _, rb, store := tunnelPair(t, "p", "p")

	tampered := false
	ca.corrupt = func(frame []byte) []byte {
		if !tampered && len(frame) > 20 {
			tampered = true
			frame[15] ^= 0xFF
		}
		return frame
	}

	payload := bytes.Repeat([]byte{1}, 2*ChunkSize)
	meta := FileMeta{ID: "tampered", Name: "t.bin", Size: int64(len(payload))}
	if err := ta.SendFile(context.Background(), meta, bytes.NewReader(payload)); err != nil {
		t.Fatalf("SendFile error: %v", err)
	}

	select {
	case f := <-rb.failed:
		if !errors.Is(f.err, crypto.ErrVerification) {
			t.Fatalf("failure cause = %v, want ErrVerification", f.err)
		}
		if f.meta.ID != meta.ID {
			t.Fatalf("failed id = %q", f.meta.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tampered transfer never reported failed")
	}
	if sink := store.sink(meta.ID); sink == nil || !sink.aborted {
		t.Fatal("failed transfer's sink not aborted")
	}

	// The tunnel itself survives; chat still flows both ways.
	ca.corrupt = nil
	if err := tb.SendChat("still alive"); err != nil {
		t.Fatalf("chat after failed transfer: %v", err)
	}
}

func TestChunkWithoutAnnouncementReported(t *testing.T) {
	t.Parallel()

	_, _, ca, _, _, rb, _ := tunnelPair(t, "p", "p")

	key := deriveTestKey(t, "p")
	frame, err := key.Seal([]byte("stray bytes"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := ca.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-rb.errs:
		if !errors.Is(err, ErrNoTransfer) {
			t.Fatalf("error = %v, want ErrNoTransfer", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stray chunk never reported")
	}
}

func TestSupersededTransferMarkedFailed(t *testing.T) {
	t.Parallel()

	ta, _, _, _, _, rb, store := tunnelPair(t, "p", "p")

	// Announce a transfer and abandon it by announcing another.
	first := FileMeta{ID: "first", Name: "a.bin", Size: 4 * ChunkSize}
	raw, err := marshalFileMeta(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ta.ch.SendText(string(raw)); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	payload := []byte("replacement")
	second := FileMeta{ID: "second", Name: "b.bin", Size: int64(len(payload))}
	if err := ta.SendFile(context.Background(), second, bytes.NewReader(payload)); err != nil {
		t.Fatalf("SendFile error: %v", err)
	}

	select {
	case f := <-rb.failed:
		if f.meta.ID != "first" || !errors.Is(f.err, ErrTransferFailed) {
			t.Fatalf("failed = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded transfer never failed")
	}
	select {
	case got := <-rb.received:
		if got.Meta.ID != "second" {
			t.Fatalf("completed id = %q", got.Meta.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("replacement transfer never completed")
	}
	if sink := store.sink("second"); sink == nil || !bytes.Equal(sink.bytes(), payload) {
		t.Fatal("replacement payload mismatch")
	}
}

func TestOverdeliveryFinalizesAtDeclaredSize(t *testing.T) {
	t.Parallel()

	ta, _, _, _, _, rb, store := tunnelPair(t, "p", "p")

	// Declared size is smaller than what the sender then delivers. The
	// transfer finalizes the moment the declared size is crossed.
	meta := FileMeta{ID: "over", Name: "o.bin", Size: 10}
	raw, err := marshalFileMeta(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ta.ch.SendText(string(raw)); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	payload := bytes.Repeat([]byte{2}, 100)
	frame, err := ta.key.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := ta.ch.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-rb.received:
		if got.Meta.ID != "over" {
			t.Fatalf("completed id = %q", got.Meta.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("overdelivered transfer never finalized")
	}
	if sink := store.sink("over"); sink == nil || !bytes.Equal(sink.bytes(), payload) {
		t.Fatal("sink does not hold the delivered bytes")
	}

	// Anything after finalization is a chunk without a transfer.
	extra, err := ta.key.Seal([]byte{3})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := ta.ch.Send(extra); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-rb.errs:
		if !errors.Is(err, ErrNoTransfer) {
			t.Fatalf("late chunk error = %v, want ErrNoTransfer", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late chunk never reported")
	}
}

func TestConcurrentSendFileRejected(t *testing.T) {
	t.Parallel()

	ta, _, _, _, _, _, _ := tunnelPair(t, "p", "p")

	pr, pw := io.Pipe()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- ta.SendFile(context.Background(),
			FileMeta{ID: "slow", Name: "s.bin", Size: 8}, pr)
	}()
	<-started
	// The first transfer is parked in Read; a second must be refused.
	time.Sleep(20 * time.Millisecond)

	err := ta.SendFile(context.Background(),
		FileMeta{ID: "eager", Name: "e.bin", Size: 1}, bytes.NewReader([]byte{1}))
	if !errors.Is(err, ErrTransferActive) {
		t.Fatalf("second SendFile error = %v, want ErrTransferActive", err)
	}

	if _, err := pw.Write(bytes.Repeat([]byte{3}, 8)); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("first SendFile error: %v", err)
	}
}

func TestBackpressurePausesAndResumes(t *testing.T) {
	t.Parallel()

	ta, _, ca, _, _, rb, _ := tunnelPair(t, "p", "p")

	// Saturate the fake buffer so the first wait blocks.
	ca.setBuffered(HighWaterMark + 1)

	payload := bytes.Repeat([]byte{7}, ChunkSize)
	done := make(chan error, 1)
	go func() {
		done <- ta.SendFile(context.Background(),
			FileMeta{ID: "bp", Name: "bp.bin", Size: int64(len(payload))}, bytes.NewReader(payload))
	}()

	select {
	case err := <-done:
		t.Fatalf("send finished despite saturated buffer: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Drain below the low water mark; the registered callback fires
	// and the sender resumes.
	ca.setBuffered(0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendFile error after resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender never resumed after buffer drained")
	}
	select {
	case <-rb.received:
	case <-time.After(5 * time.Second):
		t.Fatal("file never arrived after resume")
	}
}

func TestSendFileContextCancelDuringBackpressure(t *testing.T) {
	t.Parallel()

	ta, _, ca, _, _, _, _ := tunnelPair(t, "p", "p")
	ca.setBuffered(HighWaterMark + 1)

	ctx, cancel := context.WithCancel(context.Background())
	payload := bytes.Repeat([]byte{9}, ChunkSize)
	done := make(chan error, 1)
	go func() {
		done <- ta.SendFile(ctx, FileMeta{ID: "c", Name: "c.bin", Size: int64(len(payload))}, bytes.NewReader(payload))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("SendFile error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled send never returned")
	}
}

func TestPrivacyUpdateDelivered(t *testing.T) {
	t.Parallel()

	ta, _, _, _, _, rb, _ := tunnelPair(t, "p", "p")

	want := PrivacyUpdate{Filter: "mosaic", AudioEnabled: false, VideoEnabled: true}
	if err := ta.SendPrivacyUpdate(want); err != nil {
		t.Fatalf("SendPrivacyUpdate error: %v", err)
	}
	select {
	case got := <-rb.privacy:
		if got != want {
			t.Fatalf("privacy update = %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("privacy update never arrived")
	}
}

func TestTerminateDelivered(t *testing.T) {
	t.Parallel()

	ta, _, _, _, _, rb, _ := tunnelPair(t, "p", "p")

	if err := ta.SendTerminate(); err != nil {
		t.Fatalf("SendTerminate error: %v", err)
	}
	select {
	case <-rb.terminates:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate never arrived")
	}
}

func TestGarbageTextFrameReported(t *testing.T) {
	t.Parallel()

	ta, _, ca, _, _, rb, _ := tunnelPair(t, "p", "p")

	for _, junk := range []string{"not json", `{"type":"mystery"}`, `{"type":"chat","data":"!!","iv":"!!"}`} {
		if err := ca.SendText(junk); err != nil {
			t.Fatalf("SendText: %v", err)
		}
		select {
		case <-rb.errs:
		case <-time.After(5 * time.Second):
			t.Fatalf("garbage %q never reported", junk)
		}
	}

	// Still working afterwards.
	if err := ta.SendChat("fine"); err != nil {
		t.Fatalf("SendChat error: %v", err)
	}
	if got := waitChat(t, rb); got != "fine" {
		t.Fatalf("chat after garbage = %q", got)
	}
}

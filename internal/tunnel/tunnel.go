// Package tunnel is the application protocol spoken over the call's
// single reliable ordered data channel: encrypted chat envelopes, file
// metadata announcements followed by encrypted binary chunks with
// send-side backpressure, privacy-state updates, and the terminate
// notice for clean shutdown. Ordering comes entirely from the channel;
// the protocol carries no sequence numbers.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/ljdmx/SilentLink/internal/crypto"
)

// Channel is the slice of a pion data channel the tunnel uses. Tests
// substitute an in-memory implementation.
type Channel interface {
	Send([]byte) error
	SendText(string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(func())
	OnMessage(func(pion.DataChannelMessage))
	ReadyState() pion.DataChannelState
	Label() string
	Close() error
}

var _ Channel = (*pion.DataChannel)(nil)

// Handlers are the tunnel's outbound events. All may be nil; they are
// called from the channel's reader goroutine and must not block.
type Handlers struct {
	// OnChat delivers a decrypted incoming chat message.
	OnChat func(text string)
	// OnPrivacyUpdate delivers the peer's declared privacy state.
	OnPrivacyUpdate func(update PrivacyUpdate)
	// OnTerminate fires when the peer announces a clean exit.
	OnTerminate func()
	// OnFileOffered fires when an incoming transfer is announced.
	OnFileOffered func(meta FileMeta)
	// OnProgress fires per chunk in either direction.
	OnProgress func(p Progress)
	// OnFileReceived fires when an incoming transfer completes.
	OnFileReceived func(file ReceivedFile)
	// OnFileFailed fires when an incoming transfer dies; the rest of
	// the tunnel keeps running.
	OnFileFailed func(meta FileMeta, err error)
	// OnError reports dropped frames: undecodable envelopes, failed
	// decrypts, chunks without a transfer.
	OnError func(err error)
}

// Stats counts tunnel traffic for the end-of-session summary.
type Stats struct {
	ChatSent      uint64
	ChatReceived  uint64
	FilesSent     uint64
	FilesReceived uint64
	BytesSent     uint64
	BytesReceived uint64
}

// Tunnel runs the protocol over one channel with one key. Sends may
// happen from any goroutine; one file transfer runs at a time.
type Tunnel struct {
	ch       Channel
	key      *crypto.Key
	newSink  SinkFactory
	handlers Handlers
	logger   *slog.Logger

	lowWater chan struct{}

	sendMu sync.Mutex

	recvMu   sync.Mutex
	incoming *incomingFile

	chatSent      atomic.Uint64
	chatReceived  atomic.Uint64
	filesSent     atomic.Uint64
	filesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// New wires a tunnel onto an open (or opening) channel. The threshold
// callback is registered once; every backpressure wait shares it.
func New(ch Channel, key *crypto.Key, sinks SinkFactory, handlers Handlers, logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tunnel{
		ch:       ch,
		key:      key,
		newSink:  sinks,
		handlers: handlers,
		logger:   logger,
		lowWater: make(chan struct{}, 1),
	}
	ch.SetBufferedAmountLowThreshold(LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case t.lowWater <- struct{}{}:
		default:
		}
	})
	ch.OnMessage(t.handleMessage)
	return t
}

// Open reports whether the channel is ready for traffic.
func (t *Tunnel) Open() bool {
	return t.ch.ReadyState() == pion.DataChannelStateOpen
}

// Stats snapshots the traffic counters.
func (t *Tunnel) Stats() Stats {
	return Stats{
		ChatSent:      t.chatSent.Load(),
		ChatReceived:  t.chatReceived.Load(),
		FilesSent:     t.filesSent.Load(),
		FilesReceived: t.filesReceived.Load(),
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
	}
}

// SendChat encrypts and transmits one chat message. With no open
// channel it reports ErrChannelNotOpen and sends nothing, so callers
// can keep their message log honest.
func (t *Tunnel) SendChat(text string) error {
	if !t.Open() {
		return WrapError("send chat", ErrChannelNotOpen, t.ch.ReadyState().String())
	}
	ciphertext, iv, err := t.key.Encrypt([]byte(text))
	if err != nil {
		return NewError("send chat", err)
	}
	raw, err := marshalChat(ciphertext, iv)
	if err != nil {
		return NewError("send chat", err)
	}
	if err := t.ch.SendText(string(raw)); err != nil {
		return NewError("send chat", err)
	}
	t.chatSent.Add(1)
	return nil
}

// SendPrivacyUpdate pushes the local privacy state to the peer.
func (t *Tunnel) SendPrivacyUpdate(update PrivacyUpdate) error {
	if !t.Open() {
		return WrapError("send privacy update", ErrChannelNotOpen, t.ch.ReadyState().String())
	}
	raw, err := marshalPrivacyUpdate(update)
	if err != nil {
		return NewError("send privacy update", err)
	}
	if err := t.ch.SendText(string(raw)); err != nil {
		return NewError("send privacy update", err)
	}
	return nil
}

// SendTerminate announces a clean exit so the peer tears down now
// instead of waiting out the disconnect grace period.
func (t *Tunnel) SendTerminate() error {
	if !t.Open() {
		return WrapError("send terminate", ErrChannelNotOpen, t.ch.ReadyState().String())
	}
	raw, err := marshalTerminate()
	if err != nil {
		return NewError("send terminate", err)
	}
	if err := t.ch.SendText(string(raw)); err != nil {
		return NewError("send terminate", err)
	}
	return nil
}

// SendFile announces meta and streams r as encrypted chunks, blocking
// until the transfer completes, fails, or ctx ends. One transfer at a
// time; a second concurrent call reports ErrTransferActive.
func (t *Tunnel) SendFile(ctx context.Context, meta FileMeta, r io.Reader) error {
	if !t.sendMu.TryLock() {
		return NewFileError("send file", meta.Name, ErrTransferActive)
	}
	defer t.sendMu.Unlock()

	if !t.Open() {
		return NewFileError("send file", meta.Name, ErrChannelNotOpen)
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.MimeType == "" {
		meta.MimeType = "application/octet-stream"
	}

	raw, err := marshalFileMeta(meta)
	if err != nil {
		return NewFileError("send file", meta.Name, err)
	}
	if err := t.ch.SendText(string(raw)); err != nil {
		return NewFileError("send file", meta.Name, err)
	}
	t.logger.Debug("file transfer started", "id", meta.ID, "name", meta.Name, "size", meta.Size)

	var sent int64
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return NewFileError("send file", meta.Name, err)
		}
		if !t.Open() {
			return NewFileError("send file", meta.Name, ErrChannelClosed)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			frame, err := t.key.Seal(buf[:n])
			if err != nil {
				return NewFileError("send file", meta.Name, err)
			}
			if err := t.waitForWindow(ctx); err != nil {
				return NewFileError("send file", meta.Name, err)
			}
			if err := t.ch.Send(frame); err != nil {
				return NewFileError("send file", meta.Name, err)
			}
			sent += int64(n)
			t.bytesSent.Add(uint64(n))
			t.emitProgress(Progress{
				ID: meta.ID, Name: meta.Name,
				Direction: DirectionSend, Transferred: sent, Total: meta.Size,
			})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return NewFileError("send file", meta.Name, readErr)
		}
	}

	t.waitForDrain()
	t.filesSent.Add(1)
	t.logger.Debug("file transfer finished", "id", meta.ID, "sent", sent)
	return nil
}

// waitForWindow blocks while the channel buffer sits above the high
// water mark. Progress below the previous level counts as movement
// even if the low threshold was never crossed.
func (t *Tunnel) waitForWindow(ctx context.Context) error {
	before := t.ch.BufferedAmount()
	if before < HighWaterMark {
		return nil
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case <-t.lowWater:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if t.ch.BufferedAmount() < before {
			return nil
		}
		return WrapError("send", ErrBufferTimeout, "buffer not draining")
	}
}

// waitForDrain lets the tail of a transfer flush before the caller
// reports completion or closes the channel.
func (t *Tunnel) waitForDrain() {
	start := time.Now()
	for t.ch.BufferedAmount() > 0 && time.Since(start) < drainTimeout {
		if t.ch.ReadyState() != pion.DataChannelStateOpen {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (t *Tunnel) handleMessage(msg pion.DataChannelMessage) {
	if msg.IsString {
		t.handleText(msg.Data)
		return
	}
	t.handleChunk(msg.Data)
}

func (t *Tunnel) handleText(raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		t.reportError(err)
		return
	}

	switch env.Type {
	case MessageTypeChat:
		plaintext, err := t.key.Decrypt(env.Chat.Ciphertext, env.Chat.IV)
		if err != nil {
			// Wrong key or tampering. The message is dropped; the
			// connection stays up.
			t.reportError(NewError("decrypt chat", err))
			return
		}
		t.chatReceived.Add(1)
		if fn := t.handlers.OnChat; fn != nil {
			fn(string(plaintext))
		}

	case MessageTypeFileMeta:
		t.startIncoming(env.Meta)

	case MessageTypePrivacyUpdate:
		if fn := t.handlers.OnPrivacyUpdate; fn != nil {
			fn(env.Privacy)
		}

	case MessageTypeSessionTerminate:
		t.logger.Debug("peer announced termination")
		if fn := t.handlers.OnTerminate; fn != nil {
			fn()
		}
	}
}

func (t *Tunnel) startIncoming(meta FileMeta) {
	t.recvMu.Lock()
	prev := t.incoming
	t.incoming = nil
	t.recvMu.Unlock()

	if prev != nil {
		// A new announcement while a transfer is open means the
		// sender abandoned the old one.
		prev.sink.Abort()
		t.reportFileFailed(prev.meta, WrapError("receive file", ErrTransferFailed, "superseded by new transfer"))
	}

	sink, err := t.newSink(meta)
	if err != nil {
		t.reportError(NewFileError("receive file", meta.Name, err))
		return
	}

	if fn := t.handlers.OnFileOffered; fn != nil {
		fn(meta)
	}

	if meta.Size == 0 {
		// Nothing will follow; finalize immediately.
		path, err := sink.Finalize()
		if err != nil {
			t.reportFileFailed(meta, NewFileError("receive file", meta.Name, err))
			return
		}
		t.filesReceived.Add(1)
		if fn := t.handlers.OnFileReceived; fn != nil {
			fn(ReceivedFile{Meta: meta, Path: path})
		}
		return
	}

	t.recvMu.Lock()
	t.incoming = &incomingFile{meta: meta, sink: sink}
	t.recvMu.Unlock()
	t.logger.Debug("incoming file announced", "id", meta.ID, "name", meta.Name, "size", meta.Size)
}

func (t *Tunnel) handleChunk(frame []byte) {
	t.recvMu.Lock()
	in := t.incoming
	t.recvMu.Unlock()
	if in == nil {
		t.reportError(NewError("receive chunk", ErrNoTransfer))
		return
	}

	plaintext, err := t.key.Open(frame)
	if err != nil {
		t.failIncoming(in, NewFileError("decrypt chunk", in.meta.Name, err))
		return
	}

	if _, err := in.sink.Write(plaintext); err != nil {
		t.failIncoming(in, NewFileError("write chunk", in.meta.Name, err))
		return
	}
	in.received += int64(len(plaintext))
	t.bytesReceived.Add(uint64(len(plaintext)))

	t.emitProgress(in.progress())

	// Crossing the declared size finalizes, even when the sender
	// overshot it. Frames arriving after that are chunks without a
	// transfer.
	if in.received >= in.meta.Size {
		t.recvMu.Lock()
		t.incoming = nil
		t.recvMu.Unlock()

		path, err := in.sink.Finalize()
		if err != nil {
			t.reportFileFailed(in.meta, NewFileError("receive file", in.meta.Name, err))
			return
		}
		t.filesReceived.Add(1)
		t.logger.Debug("incoming file complete", "id", in.meta.ID, "path", path)
		if fn := t.handlers.OnFileReceived; fn != nil {
			fn(ReceivedFile{Meta: in.meta, Path: path})
		}
	}
}

func (t *Tunnel) failIncoming(in *incomingFile, cause error) {
	t.recvMu.Lock()
	if t.incoming == in {
		t.incoming = nil
	}
	t.recvMu.Unlock()
	in.sink.Abort()
	t.reportFileFailed(in.meta, cause)
}

func (t *Tunnel) emitProgress(p Progress) {
	if fn := t.handlers.OnProgress; fn != nil {
		fn(p)
	}
}

func (t *Tunnel) reportFileFailed(meta FileMeta, err error) {
	t.logger.Warn("file transfer failed", "id", meta.ID, "name", meta.Name, "err", err)
	if fn := t.handlers.OnFileFailed; fn != nil {
		fn(meta, err)
	}
}

func (t *Tunnel) reportError(err error) {
	t.logger.Warn("tunnel frame dropped", "err", err)
	if fn := t.handlers.OnError; fn != nil {
		fn(err)
	}
}

// Close shuts the channel down.
func (t *Tunnel) Close() error {
	return t.ch.Close()
}

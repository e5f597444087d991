package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"

	// Register the platform capture adapters.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/pion/mediadevices/pkg/prop"
)

// AccessError reports a capture device that could not be opened, with
// enough context for the UI to tell the user which one.
type AccessError struct {
	Device string
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media: %s access failed: %v", e.Device, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// CaptureOptions bounds the camera request. Zero values fall back to
// 640x480 at 30 fps, plenty for a privacy-filtered call.
type CaptureOptions struct {
	Width     int
	Height    int
	FrameRate int
}

func (o *CaptureOptions) defaults() {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
}

// Capture owns the local camera and microphone for the lifetime of a
// call. The privacy pipeline and the mute gate are installed on the
// tracks before any consumer can read from them, so unfiltered media
// never exists outside this package.
type Capture struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	pipeline *Pipeline
	gate     *Gate
}

// Open acquires the default camera and microphone with VP8 and opus
// encoders. Failure to open either device aborts the whole capture;
// a call without its privacy controls wired up must not start.
func Open(opts CaptureOptions) (*Capture, error) {
	opts.defaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	vpxParams.KeyFrameInterval = opts.FrameRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(opts.Width)
			c.Height = prop.Int(opts.Height)
			c.FrameRate = prop.Float(float64(opts.FrameRate))
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, &AccessError{Device: "camera or microphone", Err: err}
	}
	if len(stream.GetVideoTracks()) == 0 {
		closeTracks(stream)
		return nil, &AccessError{Device: "camera", Err: fmt.Errorf("no video track available")}
	}

	c := &Capture{
		stream:   stream,
		selector: selector,
		pipeline: NewPipeline(),
		gate:     NewGate(),
	}
	for _, t := range stream.GetVideoTracks() {
		if vt, ok := t.(*mediadevices.VideoTrack); ok {
			vt.Transform(c.pipeline.Transform)
		}
	}
	for _, t := range stream.GetAudioTracks() {
		if at, ok := t.(*mediadevices.AudioTrack); ok {
			at.Transform(c.gate.Transform)
		}
	}
	return c, nil
}

// Populate registers the negotiated VP8/opus codecs on a media engine.
// Must be called on the same engine the peer connection is built from,
// or track attachment fails at negotiation time.
func (c *Capture) Populate(engine *webrtc.MediaEngine) {
	c.selector.Populate(engine)
}

// Tracks returns the filtered local tracks ready to attach to a peer
// connection.
func (c *Capture) Tracks() []mediadevices.Track {
	return c.stream.GetTracks()
}

// Pipeline exposes the video privacy pipeline for filter changes.
func (c *Capture) Pipeline() *Pipeline { return c.pipeline }

// Gate exposes the microphone mute gate.
func (c *Capture) Gate() *Gate { return c.gate }

// OnEnded registers a callback for any local track stopping outside
// our control, such as the camera being unplugged mid-call.
func (c *Capture) OnEnded(fn func(error)) {
	for _, t := range c.stream.GetTracks() {
		t.OnEnded(fn)
	}
}

// Close stops all capture tracks and releases the devices.
func (c *Capture) Close() error {
	return closeTracks(c.stream)
}

func closeTracks(stream mediadevices.MediaStream) error {
	var firstErr error
	for _, t := range stream.GetTracks() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package media captures camera and microphone input and enforces the
// privacy guarantees: every video frame passes through the active
// filter before it can reach an encoder, and muted audio leaves the
// process as silence rather than as a paused stream.
package media

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/video"
)

// Stats counts pipeline work since start. Substituted is the number of
// frames that were replaced by a filtered copy.
type Stats struct {
	Frames      uint64
	Substituted uint64
}

// Pipeline sits between the camera and the video encoder. The active
// filter can be swapped at any time without restarting capture; the
// change takes effect on the next frame.
type Pipeline struct {
	mu           sync.RWMutex
	filter       Filter
	videoEnabled bool

	frames      atomic.Uint64
	substituted atomic.Uint64
}

// NewPipeline returns a pass-through pipeline with video enabled.
func NewPipeline() *Pipeline {
	return &Pipeline{filter: FilterNone, videoEnabled: true}
}

// SetFilter switches the active filter for all subsequent frames.
func (p *Pipeline) SetFilter(f Filter) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

// SetVideoEnabled toggles video egress. While disabled every frame is
// replaced by an opaque black card regardless of the configured filter,
// keeping the encoder and the remote layout alive.
func (p *Pipeline) SetVideoEnabled(on bool) {
	p.mu.Lock()
	p.videoEnabled = on
	p.mu.Unlock()
}

// VideoEnabled reports whether real frames are being sent.
func (p *Pipeline) VideoEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.videoEnabled
}

// effective resolves the filter to apply right now.
func (p *Pipeline) effective() Filter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.videoEnabled {
		return FilterHidden
	}
	return p.filter
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:      p.frames.Load(),
		Substituted: p.substituted.Load(),
	}
}

// Transform wraps the camera reader so that no raw frame can bypass
// the filter. It satisfies video.TransformFunc and is installed on the
// video track at capture time.
func (p *Pipeline) Transform(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return nil, release, err
		}
		p.frames.Add(1)

		out := apply(p.effective(), img)
		if out == img {
			return img, release, nil
		}
		// The filtered copy owns no camera buffer; the source frame
		// can go back to the pool immediately.
		if release != nil {
			release()
		}
		p.substituted.Add(1)
		return out, func() {}, nil
	})
}

package media

import (
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// Gate mutes the microphone by zeroing samples instead of pausing the
// track, so the opus stream keeps flowing and the remote side never
// has to distinguish "muted" from "stalled".
type Gate struct {
	muted atomic.Bool
}

// NewGate returns an unmuted gate.
func NewGate() *Gate {
	return &Gate{}
}

// SetMuted toggles the gate. Takes effect on the next audio chunk.
func (g *Gate) SetMuted(muted bool) {
	g.muted.Store(muted)
}

// Muted reports the current gate state.
func (g *Gate) Muted() bool {
	return g.muted.Load()
}

// Transform wraps the microphone reader. While muted, each chunk is
// silenced in place before it reaches the encoder. It satisfies
// audio.TransformFunc and is installed on the audio track at capture
// time.
func (g *Gate) Transform(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, release, err
		}
		if g.muted.Load() {
			chunk = silence(chunk)
		}
		return chunk, release, nil
	})
}

// silence zeroes a chunk. Known buffer types are editable and are
// cleared in place to keep the concrete type the encoder expects; for
// anything else a zeroed int16 buffer of the same shape is returned.
func silence(chunk wave.Audio) wave.Audio {
	info := chunk.ChunkInfo()
	editable, ok := chunk.(wave.EditableAudio)
	if !ok {
		return wave.NewInt16Interleaved(info)
	}
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			editable.Set(i, ch, wave.Int16Sample(0))
		}
	}
	return editable
}

package media

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/pion/mediadevices/pkg/io/video"
)

// fakeCamera yields the same gradient frame on every read and counts
// how often the per-frame release callback fires.
type fakeCamera struct {
	frame    *image.NRGBA
	released int
	err      error
}

func (f *fakeCamera) reader() video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		if f.err != nil {
			return nil, nil, f.err
		}
		return f.frame, func() { f.released++ }, nil
	})
}

func TestTransformPassThrough(t *testing.T) {
	t.Parallel()

	cam := &fakeCamera{frame: gradientFrame(64, 48)}
	p := NewPipeline()
	r := p.Transform(cam.reader())

	img, release, err := r.Read()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if img != image.Image(cam.frame) {
		t.Fatal("pass-through returned a different frame")
	}
	if cam.released != 0 {
		t.Fatal("source released before consumer finished")
	}
	release()
	if cam.released != 1 {
		t.Fatalf("source release count = %d, want 1", cam.released)
	}

	stats := p.Stats()
	if stats.Frames != 1 || stats.Substituted != 0 {
		t.Fatalf("stats = %+v, want 1 frame, 0 substituted", stats)
	}
}

func TestTransformSubstitutesFilteredFrame(t *testing.T) {
	t.Parallel()

	cam := &fakeCamera{frame: gradientFrame(96, 96)}
	p := NewPipeline()
	p.SetFilter(FilterBlur)
	r := p.Transform(cam.reader())

	img, release, err := r.Read()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if img == image.Image(cam.frame) {
		t.Fatal("raw frame escaped the blur filter")
	}
	// The source buffer is returned as soon as the copy exists.
	if cam.released != 1 {
		t.Fatalf("source release count = %d, want 1", cam.released)
	}
	release()
	if cam.released != 1 {
		t.Fatal("consumer release leaked back to the source")
	}

	stats := p.Stats()
	if stats.Frames != 1 || stats.Substituted != 1 {
		t.Fatalf("stats = %+v, want 1 frame, 1 substituted", stats)
	}
}

func TestFilterSwapMidStream(t *testing.T) {
	t.Parallel()

	cam := &fakeCamera{frame: gradientFrame(240, 240)}
	p := NewPipeline()
	r := p.Transform(cam.reader())

	img, release, _ := r.Read()
	if img != image.Image(cam.frame) {
		t.Fatal("initial frame not passed through")
	}
	release()

	// Swapping the filter must affect the very next frame of the same
	// running reader, with no restart.
	p.SetFilter(FilterMosaic)
	img, release, _ = r.Read()
	if img == image.Image(cam.frame) {
		t.Fatal("frame after filter swap not substituted")
	}
	release()

	p.SetFilter(FilterNone)
	img, release, _ = r.Read()
	if img != image.Image(cam.frame) {
		t.Fatal("frame after swap back to none not passed through")
	}
	release()

	stats := p.Stats()
	if stats.Frames != 3 || stats.Substituted != 1 {
		t.Fatalf("stats = %+v, want 3 frames, 1 substituted", stats)
	}
}

func TestVideoDisabledForcesBlackFrames(t *testing.T) {
	t.Parallel()

	cam := &fakeCamera{frame: gradientFrame(64, 48)}
	p := NewPipeline()
	r := p.Transform(cam.reader())

	p.SetVideoEnabled(false)
	img, release, err := r.Read()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if got := nrgbaAt(t, img, 32, 24); got != (color.NRGBA{A: 255}) {
		t.Fatalf("disabled video leaked pixels: %v", got)
	}
	release()

	p.SetVideoEnabled(true)
	img, release, _ = r.Read()
	if img != image.Image(cam.frame) {
		t.Fatal("re-enabled video still substituted")
	}
	release()
}

func TestTransformPropagatesSourceError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("device gone")
	cam := &fakeCamera{err: wantErr}
	p := NewPipeline()
	r := p.Transform(cam.reader())

	if _, _, err := r.Read(); !errors.Is(err, wantErr) {
		t.Fatalf("Read error = %v, want %v", err, wantErr)
	}
	if stats := p.Stats(); stats.Frames != 0 {
		t.Fatalf("failed read counted as frame: %+v", stats)
	}
}

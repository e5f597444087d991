package media

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Filter selects the privacy treatment applied to every outgoing video
// frame. The zero value is FilterNone.
type Filter string

const (
	// FilterNone passes frames through untouched.
	FilterNone Filter = "none"
	// FilterBlur applies a gaussian blur strong enough to hide
	// identity while preserving motion and silhouette.
	FilterBlur Filter = "blur"
	// FilterMosaic collapses the frame to a coarse grid and smears it,
	// destroying detail beyond recovery.
	FilterMosaic Filter = "mosaic"
	// FilterHidden replaces the frame with an opaque black card,
	// leaving the call audio-only.
	FilterHidden Filter = "hidden"
)

const (
	blurSigma   = 15
	mosaicScale = 24
	mosaicSigma = 2
)

// ParseFilter validates a wire or flag value against the known filter
// names. "black" is accepted as an alias for hidden.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case FilterNone, FilterBlur, FilterMosaic, FilterHidden:
		return f, nil
	case "black":
		return FilterHidden, nil
	}
	return FilterNone, fmt.Errorf("media: unknown filter %q", s)
}

// apply renders one frame under the given filter. FilterNone returns
// img itself so the unfiltered path stays allocation-free.
func apply(f Filter, img image.Image) image.Image {
	switch f {
	case FilterBlur:
		return imaging.Blur(img, blurSigma)
	case FilterMosaic:
		return mosaic(img)
	case FilterHidden:
		return blackFrame(img.Bounds())
	default:
		return img
	}
}

// mosaic downscales hard, blurs the thumbnail, and composites it back
// at full resolution. Blurring at the small size is what makes the
// loss irreversible: unlike plain pixelation there are no clean block
// edges left to invert.
func mosaic(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= mosaicScale || h <= mosaicScale {
		return blackFrame(b)
	}
	small := imaging.Resize(img, w/mosaicScale, h/mosaicScale, imaging.Box)
	smeared := imaging.Blur(small, mosaicSigma)
	return imaging.Resize(smeared, w, h, imaging.Lanczos)
}

func blackFrame(b image.Rectangle) image.Image {
	return imaging.New(b.Dx(), b.Dy(), color.NRGBA{A: 255})
}

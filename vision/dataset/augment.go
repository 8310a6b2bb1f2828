package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Augmentation identifies a joint geometric transform applied to LR/HR pairs
type Augmentation string

const (
	Crop   Augmentation = "crop"
	Rotate Augmentation = "rotate"
	Flip   Augmentation = "flip"
)

const (
	maxRotation   = 45.0
	minCropFactor = 0.5
	maxCropFactor = 0.75
)

// ParseAugmentations validates a list of augmentation identifiers
func ParseAugmentations(names []string) ([]Augmentation, error) {
	augs := make([]Augmentation, 0, len(names))
	for _, name := range names {
		switch a := Augmentation(name); a {
		case Crop, Rotate, Flip:
			augs = append(augs, a)
		default:
			return nil, errors.Wrapf(ErrUnknownAugmentation, "%q", name)
		}
	}
	return augs, nil
}

// augmentParams is one shared draw of random parameters for a pair
type augmentParams struct {
	rotate     bool
	angle      float64
	hflip      bool
	vflip      bool
	crop       bool
	cropHeight int
	cropWidth  int
	top        int
	left       int
}

// augmenter applies the configured augmentations in the fixed order
// rotate, flip, crop, resize back to the pre-augmentation shape.
type augmenter struct {
	rotate bool
	flip   bool
	crop   bool
	interp preprocessing.Interpolation
}

func newAugmenter(augs []Augmentation, interp preprocessing.Interpolation) *augmenter {
	if len(augs) == 0 {
		return nil
	}
	a := &augmenter{interp: interp}
	for _, aug := range augs {
		switch aug {
		case Rotate:
			a.rotate = true
		case Flip:
			a.flip = true
		case Crop:
			a.crop = true
		}
	}
	return a
}

// draw samples parameters for an image of the given size. Values are drawn
// in a fixed order: angle, horizontal flip, vertical flip, crop factor,
// crop top, crop left.
func (a *augmenter) draw(rng *rand.Rand, height, width int) augmentParams {
	var p augmentParams

	if a.rotate {
		p.rotate = true
		p.angle = -maxRotation + rng.Float64()*2*maxRotation
	}

	if a.flip {
		p.hflip = rng.Float64() > 0.5
		p.vflip = rng.Float64() > 0.5
	}

	if a.crop {
		factor := minCropFactor + rng.Float64()*(maxCropFactor-minCropFactor)
		p.crop = true
		p.cropHeight = clampDim(int(math.RoundToEven(factor*float64(height))), height)
		p.cropWidth = clampDim(int(math.RoundToEven(factor*float64(width))), width)
		p.top = rng.Intn(height - p.cropHeight + 1)
		p.left = rng.Intn(width - p.cropWidth + 1)
	}

	return p
}

func clampDim(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}

// apply transforms one image with previously drawn parameters
func (a *augmenter) apply(im *preprocessing.Image, p augmentParams) *preprocessing.Image {
	height, width := im.Height, im.Width

	if p.rotate {
		im = preprocessing.Rotate(im, p.angle)
	}
	if p.hflip {
		im = preprocessing.FlipHorizontal(im)
	}
	if p.vflip {
		im = preprocessing.FlipVertical(im)
	}
	if p.crop {
		im = preprocessing.Crop(im, p.top, p.left, p.cropHeight, p.cropWidth)
	}
	if im.Height != height || im.Width != width {
		im = preprocessing.Resize(im, height, width, a.interp)
	}

	return im
}

// Pair augments an aligned LR/HR pair with one shared parameter draw
func (a *augmenter) Pair(rng *rand.Rand, lr, hr *preprocessing.Image) (*preprocessing.Image, *preprocessing.Image, error) {
	if !lr.SameSize(hr) {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "lr %dx%d, hr %dx%d",
			lr.Height, lr.Width, hr.Height, hr.Width)
	}

	p := a.draw(rng, lr.Height, lr.Width)
	return a.apply(lr, p), a.apply(hr, p), nil
}

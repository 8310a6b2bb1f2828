package preprocessing

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Interpolation selects the resampling kernel used by Resize
type Interpolation int

const (
	Nearest Interpolation = iota
	Bilinear
	Bicubic
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	default:
		return "unknown"
	}
}

// ParseInterpolation parses a kernel name (case-insensitive)
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "bicubic":
		return Bicubic, nil
	default:
		return Nearest, errors.Errorf("unknown interpolation %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (i Interpolation) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (i *Interpolation) UnmarshalText(text []byte) error {
	parsed, err := ParseInterpolation(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// cubic convolution coefficient used by PyTorch/OpenCV
const cubicA = -0.75

// tap lists the source indices and weights contributing to one output index
type tap struct {
	index  [4]int
	weight [4]float32
	n      int
}

func sampleTaps(in, out int, mode Interpolation) []tap {
	taps := make([]tap, out)
	scale := float64(in) / float64(out)

	for dst := range taps {
		t := &taps[dst]
		switch mode {
		case Nearest:
			src := int(math.Floor(float64(dst) * scale))
			t.index[0] = clampIndex(src, in)
			t.weight[0] = 1
			t.n = 1
		case Bilinear:
			x := (float64(dst)+0.5)*scale - 0.5
			if x < 0 {
				x = 0
			}
			x0 := int(math.Floor(x))
			frac := float32(x - float64(x0))
			t.index[0] = clampIndex(x0, in)
			t.index[1] = clampIndex(x0+1, in)
			t.weight[0] = 1 - frac
			t.weight[1] = frac
			t.n = 2
		default:
			x := (float64(dst)+0.5)*scale - 0.5
			x0 := int(math.Floor(x))
			frac := x - float64(x0)
			w := cubicWeights(frac)
			for k := 0; k < 4; k++ {
				t.index[k] = clampIndex(x0-1+k, in)
				t.weight[k] = float32(w[k])
			}
			t.n = 4
		}
	}

	return taps
}

func cubicWeights(t float64) [4]float64 {
	return [4]float64{
		cubicFar(t + 1),
		cubicNear(t),
		cubicNear(1 - t),
		cubicFar(2 - t),
	}
}

func cubicNear(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

func cubicFar(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Resize resamples im to height x width with the given kernel. The result is
// always a new image.
func Resize(im *Image, height, width int, mode Interpolation) *Image {
	if height == im.Height && width == im.Width {
		return im.Clone()
	}

	// Horizontal pass
	horiz := NewImage(im.Channels, im.Height, width)
	xTaps := sampleTaps(im.Width, width, mode)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		dst := horiz.Plane(c)
		for y := 0; y < im.Height; y++ {
			row := src[y*im.Width : (y+1)*im.Width]
			out := dst[y*width : (y+1)*width]
			for x, t := range xTaps {
				var sum float32
				for k := 0; k < t.n; k++ {
					sum += row[t.index[k]] * t.weight[k]
				}
				out[x] = sum
			}
		}
	}

	// Vertical pass
	result := NewImage(im.Channels, height, width)
	yTaps := sampleTaps(im.Height, height, mode)
	for c := 0; c < im.Channels; c++ {
		src := horiz.Plane(c)
		dst := result.Plane(c)
		for y, t := range yTaps {
			out := dst[y*width : (y+1)*width]
			for k := 0; k < t.n; k++ {
				row := src[t.index[k]*width : (t.index[k]+1)*width]
				wt := t.weight[k]
				for x := range out {
					out[x] += row[x] * wt
				}
			}
		}
	}

	return result
}

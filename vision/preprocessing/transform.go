package preprocessing

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ChannelStats holds the per-channel statistics used for z-score
// normalization. Disabled normalization is reported with SentinelStats.
type ChannelStats struct {
	Mean []float32 `json:"means"`
	Std  []float32 `json:"stds"`
}

// SentinelStats returns the marker used when normalization is disabled
func SentinelStats(channels int) ChannelStats {
	stats := ChannelStats{
		Mean: make([]float32, channels),
		Std:  make([]float32, channels),
	}
	for c := 0; c < channels; c++ {
		stats.Mean[c] = -1
		stats.Std[c] = -1
	}
	return stats
}

// IsSentinel reports whether the stats mark normalization as disabled
func (s ChannelStats) IsSentinel() bool {
	for c := range s.Mean {
		if s.Mean[c] != -1 || s.Std[c] != -1 {
			return false
		}
	}
	return true
}

// Transpose swaps the height and width axes
func Transpose(im *Image) *Image {
	out := NewImage(im.Channels, im.Width, im.Height)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				dst[x*im.Height+y] = src[y*im.Width+x]
			}
		}
	}
	return out
}

// Reorient transposes images wider than tall so that height >= width.
// Images already in portrait orientation are returned unchanged.
func Reorient(im *Image) *Image {
	if im.Width > im.Height {
		return Transpose(im)
	}
	return im
}

// Normalize applies per-channel z-score normalization using the image's own
// mean and (unbiased) standard deviation. A constant channel keeps std 1.
func Normalize(im *Image) (*Image, ChannelStats) {
	out := NewImage(im.Channels, im.Height, im.Width)
	stats := ChannelStats{
		Mean: make([]float32, im.Channels),
		Std:  make([]float32, im.Channels),
	}

	values := make([]float64, im.Height*im.Width)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		for i, v := range src {
			values[i] = float64(v)
		}
		mean, std := stat.MeanStdDev(values, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}

		stats.Mean[c] = float32(mean)
		stats.Std[c] = float32(std)

		dst := out.Plane(c)
		for i, v := range src {
			dst[i] = (v - stats.Mean[c]) / stats.Std[c]
		}
	}

	return out, stats
}

// Denormalize inverts Normalize. Sentinel stats return a copy of im.
func Denormalize(im *Image, stats ChannelStats) *Image {
	out := im.Clone()
	if stats.IsSentinel() {
		return out
	}
	for c := 0; c < im.Channels && c < len(stats.Mean); c++ {
		plane := out.Plane(c)
		for i := range plane {
			plane[i] = plane[i]*stats.Std[c] + stats.Mean[c]
		}
	}
	return out
}

// FlipHorizontal mirrors the image left to right
func FlipHorizontal(im *Image) *Image {
	out := NewImage(im.Channels, im.Height, im.Width)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < im.Height; y++ {
			row := y * im.Width
			for x := 0; x < im.Width; x++ {
				dst[row+x] = src[row+im.Width-1-x]
			}
		}
	}
	return out
}

// FlipVertical mirrors the image top to bottom
func FlipVertical(im *Image) *Image {
	out := NewImage(im.Channels, im.Height, im.Width)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < im.Height; y++ {
			copy(dst[y*im.Width:(y+1)*im.Width], src[(im.Height-1-y)*im.Width:(im.Height-y)*im.Width])
		}
	}
	return out
}

// Crop extracts the height x width window whose top-left corner is (top, left).
// The window must lie inside the image.
func Crop(im *Image, top, left, height, width int) *Image {
	out := NewImage(im.Channels, height, width)
	for c := 0; c < im.Channels; c++ {
		src := im.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < height; y++ {
			start := (top+y)*im.Width + left
			copy(dst[y*width:(y+1)*width], src[start:start+width])
		}
	}
	return out
}

// Rotate rotates the image counter-clockwise by degrees about its centre
// using nearest-neighbour sampling. The canvas size is kept and uncovered
// pixels are filled with zero.
func Rotate(im *Image, degrees float64) *Image {
	out := NewImage(im.Channels, im.Height, im.Width)
	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx := float64(im.Width-1) * 0.5
	cy := float64(im.Height-1) * 0.5

	for y := 0; y < im.Height; y++ {
		dy := float64(y) - cy
		for x := 0; x < im.Width; x++ {
			dx := float64(x) - cx
			// inverse mapping from output to source
			sx := int(math.Round(cos*dx - sin*dy + cx))
			sy := int(math.Round(sin*dx + cos*dy + cy))
			if sx < 0 || sx >= im.Width || sy < 0 || sy >= im.Height {
				continue
			}
			for c := 0; c < im.Channels; c++ {
				out.Data[(c*im.Height+y)*im.Width+x] = im.Data[(c*im.Height+sy)*im.Width+sx]
			}
		}
	}

	return out
}

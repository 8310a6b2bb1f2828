package preprocessing

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Image is a float32 image stored in CHW order (channels, height, width).
// Decoded images hold values in [0, 1]; normalized images may not.
type Image struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// NewImage allocates a zeroed image
func NewImage(channels, height, width int) *Image {
	return &Image{
		Data:     make([]float32, channels*height*width),
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// Clone returns a deep copy of the image
func (im *Image) Clone() *Image {
	out := NewImage(im.Channels, im.Height, im.Width)
	copy(out.Data, im.Data)
	return out
}

// Plane returns the backing slice of channel c
func (im *Image) Plane(c int) []float32 {
	size := im.Height * im.Width
	return im.Data[c*size : (c+1)*size]
}

// At returns the value at (c, y, x)
func (im *Image) At(c, y, x int) float32 {
	return im.Data[(c*im.Height+y)*im.Width+x]
}

// SameSize reports whether two images have identical spatial dimensions
func (im *Image) SameSize(other *Image) bool {
	return im.Height == other.Height && im.Width == other.Width
}

// Decode decodes a PNG into a 3-channel CHW image normalized to [0, 1].
// Grayscale and paletted sources are expanded to RGB; alpha is dropped.
func Decode(r io.Reader) (*Image, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode PNG")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	out := NewImage(3, height, width)
	planeSize := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBA64Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			idx := y*width + x
			out.Data[idx] = float32(c.R) / 65535.0
			out.Data[planeSize+idx] = float32(c.G) / 65535.0
			out.Data[2*planeSize+idx] = float32(c.B) / 65535.0
		}
	}

	return out, nil
}

// DecodeFile opens and decodes a PNG file from fs
func DecodeFile(fs afero.Fs, path string) (*Image, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return img, nil
}

// Encode writes the first three channels of im as an 8-bit PNG, clamping
// values to [0, 1].
func Encode(w io.Writer, im *Image) error {
	if im.Channels < 3 {
		return errors.Errorf("cannot encode image with %d channels", im.Channels)
	}

	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			out.SetNRGBA(x, y, color.NRGBA{
				R: toByte(im.At(0, y, x)),
				G: toByte(im.At(1, y, x)),
				B: toByte(im.At(2, y, x)),
				A: 255,
			})
		}
	}

	if err := png.Encode(w, out); err != nil {
		return errors.Wrap(err, "failed to encode PNG")
	}
	return nil
}

// EncodeFile writes im as a PNG to path on fs
func EncodeFile(fs afero.Fs, path string, im *Image) error {
	file, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := Encode(file, im); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return file.Close()
}

func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

// DecodeFiles decodes multiple images concurrently, preserving order
func DecodeFiles(fs afero.Fs, paths []string, maxWorkers int) ([]*Image, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*Image, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index], errs[j.index] = DecodeFile(fs, j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}

	return results, nil
}

package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createMockPNG creates a gradient RGB PNG for testing
func createMockPNG(t *testing.T, width, height int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / width),
				G: uint8((y * 255) / height),
				B: 128,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// sequential returns an image whose values are their flat index
func sequential(c, h, w int) *Image {
	im := NewImage(c, h, w)
	for i := range im.Data {
		im.Data[i] = float32(i)
	}
	return im
}

func TestDecode(t *testing.T) {
	t.Run("RGB", func(t *testing.T) {
		im, err := Decode(bytes.NewReader(createMockPNG(t, 8, 4)))
		require.NoError(t, err)
		assert.Equal(t, 3, im.Channels)
		assert.Equal(t, 4, im.Height)
		assert.Equal(t, 8, im.Width)
		assert.InDelta(t, 128.0/255.0, im.At(2, 1, 1), 1e-6)
		for _, v := range im.Data {
			assert.True(t, v >= 0 && v <= 1)
		}
	})

	t.Run("GrayscaleExpanded", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, 3, 3))
		gray.SetGray(1, 1, color.Gray{Y: 255})
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, gray))

		im, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, 3, im.Channels)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, 1.0, im.At(c, 1, 1), 1e-6)
			assert.InDelta(t, 0.0, im.At(c, 0, 0), 1e-6)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte("not a png")))
		assert.Error(t, err)
	})
}

func TestEncodeDecodeFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	im := NewImage(3, 2, 2)
	im.Data[0] = 1
	im.Data[5] = 0.5
	im.Data[11] = 2 // clamped

	require.NoError(t, EncodeFile(fs, "out.png", im))

	back, err := DecodeFile(fs, "out.png")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, back.Data[0], 1e-6)
	assert.InDelta(t, 0.5, back.Data[5], 1.0/255)
	assert.InDelta(t, 1.0, back.Data[11], 1e-6)

	_, err = DecodeFile(fs, "missing.png")
	assert.Error(t, err)

	assert.Error(t, Encode(&bytes.Buffer{}, NewImage(1, 2, 2)))
}

func TestDecodeFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := []string{"a.png", "b.png", "c.png"}
	for i, p := range paths {
		require.NoError(t, afero.WriteFile(fs, p, createMockPNG(t, 4+i, 4), 0644))
	}

	images, err := DecodeFiles(fs, paths, 2)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, im := range images {
		assert.Equal(t, 4+i, im.Width, "order must be preserved")
	}

	_, err = DecodeFiles(fs, append(paths, "missing.png"), 2)
	assert.Error(t, err)
}

func TestReorient(t *testing.T) {
	wide := sequential(1, 2, 3)
	tall := Reorient(wide)
	assert.Equal(t, 3, tall.Height)
	assert.Equal(t, 2, tall.Width)
	assert.Equal(t, wide.At(0, 1, 2), tall.At(0, 2, 1))

	portrait := sequential(1, 3, 2)
	assert.Same(t, portrait, Reorient(portrait))
}

func TestNormalize(t *testing.T) {
	im := NewImage(2, 1, 4)
	copy(im.Data, []float32{1, 2, 3, 4, 5, 5, 5, 5})

	out, stats := Normalize(im)
	assert.InDelta(t, 2.5, stats.Mean[0], 1e-6)
	assert.InDelta(t, math.Sqrt(5.0/3.0), stats.Std[0], 1e-6)
	assert.InDelta(t, 5.0, stats.Mean[1], 1e-6)
	assert.Equal(t, float32(1), stats.Std[1], "constant channel keeps unit std")

	var sum float32
	for _, v := range out.Plane(0) {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-5)
	for _, v := range out.Plane(1) {
		assert.Equal(t, float32(0), v)
	}

	restored := Denormalize(out, stats)
	for i := range im.Data {
		assert.InDelta(t, im.Data[i], restored.Data[i], 1e-5)
	}
}

func TestSentinelStats(t *testing.T) {
	s := SentinelStats(3)
	assert.True(t, s.IsSentinel())
	assert.Equal(t, []float32{-1, -1, -1}, s.Mean)

	im := sequential(3, 2, 2)
	assert.Equal(t, im.Data, Denormalize(im, s).Data)

	_, stats := Normalize(im)
	assert.False(t, stats.IsSentinel())
}

func TestFlips(t *testing.T) {
	im := sequential(1, 2, 3)

	h := FlipHorizontal(im)
	assert.Equal(t, []float32{2, 1, 0, 5, 4, 3}, h.Data)

	v := FlipVertical(im)
	assert.Equal(t, []float32{3, 4, 5, 0, 1, 2}, v.Data)

	assert.Equal(t, im.Data, FlipHorizontal(h).Data)
}

func TestCrop(t *testing.T) {
	im := sequential(2, 4, 4)
	c := Crop(im, 1, 2, 2, 2)
	assert.Equal(t, 2, c.Height)
	assert.Equal(t, 2, c.Width)
	assert.Equal(t, []float32{6, 7, 10, 11, 22, 23, 26, 27}, c.Data)
}

func TestRotate(t *testing.T) {
	im := sequential(1, 3, 3)

	same := Rotate(im, 0)
	assert.Equal(t, im.Data, same.Data)

	quarter := Rotate(im, 90)
	// counter-clockwise: the right column becomes the top row
	assert.Equal(t, []float32{2, 5, 8, 1, 4, 7, 0, 3, 6}, quarter.Data)

	// 45 degrees leaves the corners uncovered on a square canvas
	big := NewImage(1, 9, 9)
	for i := range big.Data {
		big.Data[i] = 1
	}
	r := Rotate(big, 45)
	assert.Equal(t, float32(0), r.At(0, 0, 0))
	assert.Equal(t, float32(1), r.At(0, 4, 4))
}

func TestInterpolationParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    Interpolation
		wantErr bool
	}{
		{"nearest", Nearest, false},
		{"Bilinear", Bilinear, false},
		{" bicubic ", Bicubic, false},
		{"lanczos", Nearest, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got Interpolation
			err := got.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			text, err := got.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.want.String(), string(text))
		})
	}
}

func TestResize(t *testing.T) {
	t.Run("SameSizeCopies", func(t *testing.T) {
		im := sequential(1, 2, 2)
		out := Resize(im, 2, 2, Bicubic)
		assert.Equal(t, im.Data, out.Data)
		out.Data[0] = 42
		assert.Equal(t, float32(0), im.Data[0])
	})

	t.Run("NearestUpscale", func(t *testing.T) {
		im := sequential(1, 2, 2)
		out := Resize(im, 4, 4, Nearest)
		assert.Equal(t, []float32{
			0, 0, 1, 1,
			0, 0, 1, 1,
			2, 2, 3, 3,
			2, 2, 3, 3,
		}, out.Data)
	})

	t.Run("BilinearUpscale", func(t *testing.T) {
		im := NewImage(1, 1, 2)
		copy(im.Data, []float32{0, 1})
		out := Resize(im, 1, 4, Bilinear)
		assert.InDeltaSlice(t, []float32{0, 0.25, 0.75, 1}, out.Data, 1e-6)
	})

	for _, mode := range []Interpolation{Nearest, Bilinear, Bicubic} {
		t.Run("Constant/"+mode.String(), func(t *testing.T) {
			im := NewImage(3, 5, 7)
			for i := range im.Data {
				im.Data[i] = 0.3
			}
			out := Resize(im, 20, 28, mode)
			assert.Equal(t, 20, out.Height)
			assert.Equal(t, 28, out.Width)
			for _, v := range out.Data {
				assert.InDelta(t, 0.3, v, 1e-5)
			}

			down := Resize(out, 4, 4, mode)
			for _, v := range down.Data {
				assert.InDelta(t, 0.3, v, 1e-5)
			}
		})
	}
}

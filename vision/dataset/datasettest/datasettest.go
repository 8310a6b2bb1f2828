// Package datasettest writes synthetic super-resolution datasets for tests.
package datasettest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Pattern draws a smooth colour gradient with a per-image phase so that
// different files are distinguishable and LR/HR pairs are aligned.
func Pattern(width, height, phase int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			fx := float64(x) / float64(width)
			fy := float64(y) / float64(height)
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(255 * fx),
				G: uint8(255 * fy),
				B: uint8(20*(phase%4) + int(90*(fx+fy))),
				A: 255,
			})
		}
	}
	return img
}

// WritePNG encodes img to path on fs
func WritePNG(fs afero.Fs, path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(err, "failed to encode test image")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0644)
}

// WritePairs writes n LR/HR pairs for split under root. HR images are
// factor times the LR size.
func WritePairs(fs afero.Fs, root, split string, n, lrWidth, lrHeight, factor int) error {
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%04d.png", i)
		if err := WritePNG(fs, filepath.Join(root, split, "lr", name), Pattern(lrWidth, lrHeight, i)); err != nil {
			return err
		}
		if err := WritePNG(fs, filepath.Join(root, split, "hr", name), Pattern(factor*lrWidth, factor*lrHeight, i)); err != nil {
			return err
		}
	}
	return nil
}

// WriteTestSet writes n LR images into root/test/folder
func WriteTestSet(fs afero.Fs, root, folder string, n, width, height int) error {
	for i := 0; i < n; i++ {
		path := filepath.Join(root, "test", folder, fmt.Sprintf("%04d.png", i))
		if err := WritePNG(fs, path, Pattern(width, height, i)); err != nil {
			return err
		}
	}
	return nil
}

package training

import (
	"math"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01 // (K1 * data range)^2 for data range 1
	ssimC2     = 0.03 * 0.03
)

var ssimKernel = gaussianKernel(ssimWindow, ssimSigma)

// gaussianKernel returns a normalized 1-D Gaussian of the given size
func gaussianKernel(size int, sigma float64) []float64 {
	k := make([]float64, size)
	center := float64(size / 2)
	var sum float64
	for i := range k {
		d := float64(i) - center
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blur applies the separable window with zero padding and same-size output.
// The operator is self-adjoint, which the gradient relies on.
func blur(dst, src, tmp []float64, h, w int, k []float64) {
	r := len(k) / 2
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		out := tmp[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range k {
				xx := x + i - r
				if xx >= 0 && xx < w {
					s += kv * row[xx]
				}
			}
			out[x] = s
		}
	}
	for y := 0; y < h; y++ {
		out := dst[y*w : (y+1)*w]
		for x := range out {
			out[x] = 0
		}
		for i, kv := range k {
			yy := y + i - r
			if yy < 0 || yy >= h {
				continue
			}
			in := tmp[yy*w : (yy+1)*w]
			for x, v := range in {
				out[x] += kv * v
			}
		}
	}
}

// ssimPlane returns the sum of the SSIM map of one channel. When grad is
// non-nil it receives weight * d(sum)/dx.
func ssimPlane(x, y []float32, h, w int, grad []float32, weight float64) float64 {
	n := h * w
	buf := make([]float64, 7*n)
	xf, yf := buf[0:n], buf[n:2*n]
	tmp := buf[2*n : 3*n]
	work := buf[3*n : 4*n]
	muX, muY := buf[4*n:5*n], buf[5*n:6*n]
	prod := buf[6*n : 7*n]

	for i := range xf {
		xf[i], yf[i] = float64(x[i]), float64(y[i])
	}
	blur(muX, xf, tmp, h, w, ssimKernel)
	blur(muY, yf, tmp, h, w, ssimKernel)

	exx := make([]float64, n)
	eyy := make([]float64, n)
	exy := make([]float64, n)
	for i := range work {
		work[i] = xf[i] * xf[i]
	}
	blur(exx, work, tmp, h, w, ssimKernel)
	for i := range work {
		work[i] = yf[i] * yf[i]
	}
	blur(eyy, work, tmp, h, w, ssimKernel)
	for i := range prod {
		prod[i] = xf[i] * yf[i]
	}
	blur(exy, prod, tmp, h, w, ssimKernel)

	var dMu, dXX, dXY []float64
	if grad != nil {
		dMu, dXX, dXY = make([]float64, n), make([]float64, n), make([]float64, n)
	}

	var sum float64
	for i := 0; i < n; i++ {
		mx, my := muX[i], muY[i]
		sxx := exx[i] - mx*mx
		syy := eyy[i] - my*my
		sxy := exy[i] - mx*my

		a1 := 2*mx*my + ssimC1
		a2 := 2*sxy + ssimC2
		b1 := mx*mx + my*my + ssimC1
		b2 := sxx + syy + ssimC2
		s := a1 * a2 / (b1 * b2)
		sum += s

		if grad != nil {
			dMu[i] = weight * (2*my*(a2-a1)/(b1*b2) - 2*mx*s*(1/b1-1/b2))
			dXX[i] = weight * (-s / b2)
			dXY[i] = weight * (2 * a1 / (b1 * b2))
		}
	}

	if grad != nil {
		// chain through the blurred moments back to the pixels
		blur(muX, dMu, tmp, h, w, ssimKernel)
		blur(exx, dXX, tmp, h, w, ssimKernel)
		blur(exy, dXY, tmp, h, w, ssimKernel)
		for i := range grad {
			grad[i] = float32(muX[i] + 2*xf[i]*exx[i] + yf[i]*exy[i])
		}
	}
	return sum
}

// ssimBatch returns the mean SSIM of every image in an NCHW batch and, when
// withGrad is set, the gradient of the batch-wide mean SSIM with respect to
// predicted
func ssimBatch(predicted, target *tensor.Dense, withGrad bool) ([]float64, []float32, error) {
	p, t, err := pairData(predicted, target)
	if err != nil {
		return nil, nil, err
	}
	shape := predicted.Shape()
	if len(shape) != 4 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "expected NCHW tensors, got shape %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	plane := h * w

	var grad []float32
	if withGrad {
		grad = make([]float32, len(p))
	}
	weight := 1 / float64(len(p))

	sums := make([]float64, n*c)
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := runtime.NumCPU()
	if workers > n*c {
		workers = n * c
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				lo, hi := idx*plane, (idx+1)*plane
				var g []float32
				if grad != nil {
					g = grad[lo:hi]
				}
				sums[idx] = ssimPlane(p[lo:hi], t[lo:hi], h, w, g, weight)
			}
		}()
	}
	for idx := 0; idx < n*c; idx++ {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	perImage := make([]float64, n)
	for b := 0; b < n; b++ {
		var s float64
		for ch := 0; ch < c; ch++ {
			s += sums[b*c+ch]
		}
		perImage[b] = s / float64(c*plane)
	}
	return perImage, grad, nil
}

// SSIM returns the mean structural similarity of each image in the batch
func SSIM(predicted, target *tensor.Dense) ([]float64, error) {
	perImage, _, err := ssimBatch(predicted, target, false)
	return perImage, err
}

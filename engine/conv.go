package engine

import (
	"math/rand"
)

// Conv2D is a stride-1 square convolution with symmetric zero padding
type Conv2D struct {
	In, Out int
	Kernel  int
	Padding int
	Weight  *Param // [Out, In, K, K]
	Bias    *Param // [Out]

	input *act
}

// NewConv2D creates a convolution with PyTorch default initialisation
func NewConv2D(name string, in, out, kernel, padding int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		In:      in,
		Out:     out,
		Kernel:  kernel,
		Padding: padding,
		Weight:  newParam(name, "weight", out, in, kernel, kernel),
		Bias:    newParam(name, "bias", out),
	}
	initConv(rng, c.Weight, c.Bias, in*kernel*kernel)
	return c
}

func (c *Conv2D) params() []*Param {
	return []*Param{c.Weight, c.Bias}
}

func (c *Conv2D) release() {
	c.input = nil
}

// span returns the output index range [lo, hi) whose tap at offset k reads
// inside an input of length n
func span(k, pad, n, outLen int) (int, int) {
	lo := pad - k
	if lo < 0 {
		lo = 0
	}
	hi := n + pad - k
	if hi > outLen {
		hi = outLen
	}
	return lo, hi
}

func (c *Conv2D) forward(x *act, keep bool) *act {
	k, p := c.Kernel, c.Padding
	oh := x.h + 2*p - k + 1
	ow := x.w + 2*p - k + 1
	out := newAct(x.n, c.Out, oh, ow)
	w := c.Weight.Data

	parallelFor(x.n*c.Out, func(idx int) {
		b, o := idx/c.Out, idx%c.Out
		dst := out.plane(b, o)
		bias := c.Bias.Data[o]
		for i := range dst {
			dst[i] = bias
		}
		for ic := 0; ic < c.In; ic++ {
			src := x.plane(b, ic)
			for ky := 0; ky < k; ky++ {
				y0, y1 := span(ky, p, x.h, oh)
				for kx := 0; kx < k; kx++ {
					wv := w[((o*c.In+ic)*k+ky)*k+kx]
					x0, x1 := span(kx, p, x.w, ow)
					for oy := y0; oy < y1; oy++ {
						base := (oy+ky-p)*x.w + kx - p
						drow := dst[oy*ow:]
						for ox := x0; ox < x1; ox++ {
							drow[ox] += wv * src[base+ox]
						}
					}
				}
			}
		}
	})

	if keep {
		c.input = x
	}
	return out
}

// backward accumulates parameter gradients and returns the input gradient
// when needInput is set
func (c *Conv2D) backward(g *act, needInput bool) *act {
	x := c.input
	k, p := c.Kernel, c.Padding
	oh, ow := g.h, g.w
	w := c.Weight.Data

	// bias and weight gradients, one output channel per task
	parallelFor(c.Out, func(o int) {
		var db float32
		for b := 0; b < x.n; b++ {
			for _, v := range g.plane(b, o) {
				db += v
			}
		}
		c.Bias.Grad[o] += db

		for ic := 0; ic < c.In; ic++ {
			for ky := 0; ky < k; ky++ {
				y0, y1 := span(ky, p, x.h, oh)
				for kx := 0; kx < k; kx++ {
					x0, x1 := span(kx, p, x.w, ow)
					var sum float32
					for b := 0; b < x.n; b++ {
						src := x.plane(b, ic)
						gp := g.plane(b, o)
						for oy := y0; oy < y1; oy++ {
							base := (oy+ky-p)*x.w + kx - p
							grow := gp[oy*ow:]
							for ox := x0; ox < x1; ox++ {
								sum += grow[ox] * src[base+ox]
							}
						}
					}
					c.Weight.Grad[((o*c.In+ic)*k+ky)*k+kx] += sum
				}
			}
		}
	})

	if !needInput {
		return nil
	}

	dx := newAct(x.n, x.c, x.h, x.w)
	parallelFor(x.n*c.In, func(idx int) {
		b, ic := idx/c.In, idx%c.In
		dst := dx.plane(b, ic)
		for o := 0; o < c.Out; o++ {
			gp := g.plane(b, o)
			for ky := 0; ky < k; ky++ {
				y0, y1 := span(ky, p, x.h, oh)
				for kx := 0; kx < k; kx++ {
					wv := w[((o*c.In+ic)*k+ky)*k+kx]
					x0, x1 := span(kx, p, x.w, ow)
					for oy := y0; oy < y1; oy++ {
						base := (oy+ky-p)*x.w + kx - p
						grow := gp[oy*ow:]
						for ox := x0; ox < x1; ox++ {
							dst[base+ox] += wv * grow[ox]
						}
					}
				}
			}
		}
	})
	return dx
}

// ConvTranspose2D is a transposed convolution whose output size is supplied
// at forward time, so the result can match an encoder activation exactly
// (output padding of up to stride-1 rows and columns).
type ConvTranspose2D struct {
	In, Out int
	Kernel  int
	Stride  int
	Weight  *Param // [In, Out, K, K]
	Bias    *Param // [Out]

	input *act
}

// NewConvTranspose2D creates a transposed convolution with PyTorch default
// initialisation
func NewConvTranspose2D(name string, in, out, kernel, stride int, rng *rand.Rand) *ConvTranspose2D {
	c := &ConvTranspose2D{
		In:     in,
		Out:    out,
		Kernel: kernel,
		Stride: stride,
		Weight: newParam(name, "weight", in, out, kernel, kernel),
		Bias:   newParam(name, "bias", out),
	}
	initConv(rng, c.Weight, c.Bias, out*kernel*kernel)
	return c
}

func (c *ConvTranspose2D) params() []*Param {
	return []*Param{c.Weight, c.Bias}
}

func (c *ConvTranspose2D) release() {
	c.input = nil
}

// validOutput reports whether (oh, ow) is reachable from an h x w input
func (c *ConvTranspose2D) validOutput(h, w, oh, ow int) bool {
	nh := (h-1)*c.Stride + c.Kernel
	nw := (w-1)*c.Stride + c.Kernel
	return oh >= nh && oh-nh < c.Stride && ow >= nw && ow-nw < c.Stride
}

func (c *ConvTranspose2D) forward(x *act, oh, ow int, keep bool) *act {
	k, s := c.Kernel, c.Stride
	out := newAct(x.n, c.Out, oh, ow)
	w := c.Weight.Data

	parallelFor(x.n*c.Out, func(idx int) {
		b, o := idx/c.Out, idx%c.Out
		dst := out.plane(b, o)
		bias := c.Bias.Data[o]
		for i := range dst {
			dst[i] = bias
		}
		for ic := 0; ic < c.In; ic++ {
			src := x.plane(b, ic)
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					wv := w[((ic*c.Out+o)*k+ky)*k+kx]
					for iy := 0; iy < x.h; iy++ {
						y := iy*s + ky
						row := src[iy*x.w : (iy+1)*x.w]
						drow := dst[y*ow:]
						for ix, v := range row {
							drow[ix*s+kx] += wv * v
						}
					}
				}
			}
		}
	})

	if keep {
		c.input = x
	}
	return out
}

func (c *ConvTranspose2D) backward(g *act) *act {
	x := c.input
	k, s := c.Kernel, c.Stride
	ow := g.w
	w := c.Weight.Data

	parallelFor(c.Out, func(o int) {
		var db float32
		for b := 0; b < x.n; b++ {
			for _, v := range g.plane(b, o) {
				db += v
			}
		}
		c.Bias.Grad[o] += db
	})

	// weight gradient, one input channel per task
	parallelFor(c.In, func(ic int) {
		for o := 0; o < c.Out; o++ {
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					var sum float32
					for b := 0; b < x.n; b++ {
						src := x.plane(b, ic)
						gp := g.plane(b, o)
						for iy := 0; iy < x.h; iy++ {
							row := src[iy*x.w : (iy+1)*x.w]
							grow := gp[(iy*s+ky)*ow:]
							for ix, v := range row {
								sum += v * grow[ix*s+kx]
							}
						}
					}
					c.Weight.Grad[((ic*c.Out+o)*k+ky)*k+kx] += sum
				}
			}
		}
	})

	dx := newAct(x.n, x.c, x.h, x.w)
	parallelFor(x.n*c.In, func(idx int) {
		b, ic := idx/c.In, idx%c.In
		dst := dx.plane(b, ic)
		for o := 0; o < c.Out; o++ {
			gp := g.plane(b, o)
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					wv := w[((ic*c.Out+o)*k+ky)*k+kx]
					for iy := 0; iy < x.h; iy++ {
						drow := dst[iy*x.w : (iy+1)*x.w]
						grow := gp[(iy*s+ky)*ow:]
						for ix := range drow {
							drow[ix] += wv * grow[ix*s+kx]
						}
					}
				}
			}
		}
	})
	return dx
}

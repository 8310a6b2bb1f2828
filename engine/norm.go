package engine

import (
	"math"
)

// BatchNorm2D normalizes each channel over the batch and spatial axes. In
// training mode batch statistics are used and the running estimates are
// updated; in evaluation mode the running estimates are used.
type BatchNorm2D struct {
	Features    int
	Eps         float32
	Momentum    float32
	Weight      *Param // gamma
	Bias        *Param // beta
	RunningMean []float32
	RunningVar  []float32

	xhat   *act
	invStd []float32
}

// NewBatchNorm2D creates a batch normalization layer with unit scale
func NewBatchNorm2D(name string, features int) *BatchNorm2D {
	bn := &BatchNorm2D{
		Features:    features,
		Eps:         1e-5,
		Momentum:    0.1,
		Weight:      newParam(name, "weight", features),
		Bias:        newParam(name, "bias", features),
		RunningMean: make([]float32, features),
		RunningVar:  make([]float32, features),
	}
	bn.Weight.fill(1)
	for i := range bn.RunningVar {
		bn.RunningVar[i] = 1
	}
	return bn
}

func (bn *BatchNorm2D) params() []*Param {
	return []*Param{bn.Weight, bn.Bias}
}

func (bn *BatchNorm2D) release() {
	bn.xhat = nil
	bn.invStd = nil
}

func (bn *BatchNorm2D) forward(x *act, training bool) *act {
	out := newAct(x.n, x.c, x.h, x.w)
	count := x.n * x.h * x.w

	var xhat *act
	if training {
		xhat = newAct(x.n, x.c, x.h, x.w)
		bn.invStd = make([]float32, x.c)
	}

	parallelFor(x.c, func(c int) {
		var mean, variance float64
		if training {
			for b := 0; b < x.n; b++ {
				for _, v := range x.plane(b, c) {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for b := 0; b < x.n; b++ {
				for _, v := range x.plane(b, c) {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			m := float64(bn.Momentum)
			unbiased := variance
			if count > 1 {
				unbiased = variance * float64(count) / float64(count-1)
			}
			bn.RunningMean[c] = float32((1-m)*float64(bn.RunningMean[c]) + m*mean)
			bn.RunningVar[c] = float32((1-m)*float64(bn.RunningVar[c]) + m*unbiased)
		} else {
			mean = float64(bn.RunningMean[c])
			variance = float64(bn.RunningVar[c])
		}

		inv := float32(1 / math.Sqrt(variance+float64(bn.Eps)))
		mu := float32(mean)
		gamma, beta := bn.Weight.Data[c], bn.Bias.Data[c]
		for b := 0; b < x.n; b++ {
			src := x.plane(b, c)
			dst := out.plane(b, c)
			var xh []float32
			if training {
				xh = xhat.plane(b, c)
			}
			for i, v := range src {
				h := (v - mu) * inv
				if xh != nil {
					xh[i] = h
				}
				dst[i] = gamma*h + beta
			}
		}
		if training {
			bn.invStd[c] = inv
		}
	})

	if training {
		bn.xhat = xhat
	}
	return out
}

// backward uses the batch statistics cached by the last training forward
func (bn *BatchNorm2D) backward(g *act) *act {
	dx := newAct(g.n, g.c, g.h, g.w)
	count := float32(g.n * g.h * g.w)

	parallelFor(g.c, func(c int) {
		var dgamma, dbeta float32
		for b := 0; b < g.n; b++ {
			gp := g.plane(b, c)
			xh := bn.xhat.plane(b, c)
			for i, v := range gp {
				dgamma += v * xh[i]
				dbeta += v
			}
		}
		bn.Weight.Grad[c] += dgamma
		bn.Bias.Grad[c] += dbeta

		scale := bn.Weight.Data[c] * bn.invStd[c] / count
		for b := 0; b < g.n; b++ {
			gp := g.plane(b, c)
			xh := bn.xhat.plane(b, c)
			dst := dx.plane(b, c)
			for i, v := range gp {
				dst[i] = scale * (count*v - dbeta - xh[i]*dgamma)
			}
		}
	})
	return dx
}

// ReLU caches its output for the backward mask
type ReLU struct {
	output *act
}

// forward applies max(0, x) in place
func (r *ReLU) forward(x *act, keep bool) *act {
	for i, v := range x.data {
		if v < 0 {
			x.data[i] = 0
		}
	}
	if keep {
		r.output = x
	}
	return x
}

// backward masks g in place
func (r *ReLU) backward(g *act) *act {
	for i, v := range r.output.data {
		if v <= 0 {
			g.data[i] = 0
		}
	}
	return g
}

func (r *ReLU) release() {
	r.output = nil
}

// MaxPool2D is a non-overlapping max pooling with floor output size
type MaxPool2D struct {
	Size int

	argmax []int32
	inH    int
	inW    int
}

func (mp *MaxPool2D) forward(x *act, keep bool) *act {
	k := mp.Size
	oh, ow := x.h/k, x.w/k
	out := newAct(x.n, x.c, oh, ow)

	var argmax []int32
	if keep {
		argmax = make([]int32, len(out.data))
	}

	parallelFor(x.n*x.c, func(idx int) {
		b, c := idx/x.c, idx%x.c
		src := x.plane(b, c)
		dst := out.plane(b, c)
		off := idx * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := (oy*k)*x.w + ox*k
				for dy := 0; dy < k; dy++ {
					for dx := 0; dx < k; dx++ {
						i := (oy*k+dy)*x.w + ox*k + dx
						if src[i] > src[best] {
							best = i
						}
					}
				}
				dst[oy*ow+ox] = src[best]
				if argmax != nil {
					argmax[off+oy*ow+ox] = int32(best)
				}
			}
		}
	})

	if keep {
		mp.argmax = argmax
		mp.inH, mp.inW = x.h, x.w
	}
	return out
}

func (mp *MaxPool2D) backward(g *act) *act {
	dx := newAct(g.n, g.c, mp.inH, mp.inW)
	size := g.h * g.w
	parallelFor(g.n*g.c, func(idx int) {
		dst := dx.data[idx*mp.inH*mp.inW : (idx+1)*mp.inH*mp.inW]
		src := g.data[idx*size : (idx+1)*size]
		arg := mp.argmax[idx*size : (idx+1)*size]
		for i, v := range src {
			dst[arg[i]] += v
		}
	})
	return dx
}

func (mp *MaxPool2D) release() {
	mp.argmax = nil
}

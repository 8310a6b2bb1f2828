package engine

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/x448/float16"
)

// Param is a learnable tensor with its gradient
type Param struct {
	Name  string
	Layer string
	Type  string // "weight" or "bias"
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParam(layer, typ string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  layer + "." + typ,
		Layer: layer,
		Type:  typ,
		Shape: shape,
		Data:  make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// uniform fills p with U(-bound, bound)
func (p *Param) uniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = float32((2*rng.Float64() - 1) * bound)
	}
}

func (p *Param) fill(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// initConv applies PyTorch's default convolution initialisation:
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)) for weight and bias
func initConv(rng *rand.Rand, weight, bias *Param, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	weight.uniform(rng, bound)
	bias.uniform(rng, bound)
}

// act is an NCHW activation buffer
type act struct {
	data       []float32
	n, c, h, w int
}

func newAct(n, c, h, w int) *act {
	return &act{data: make([]float32, n*c*h*w), n: n, c: c, h: h, w: w}
}

func (a *act) plane(b, c int) []float32 {
	size := a.h * a.w
	off := (b*a.c + c) * size
	return a.data[off : off+size]
}

// parallelFor runs fn(0..n-1) on up to runtime.NumCPU goroutines. Each index
// must write to disjoint memory, which keeps results independent of
// scheduling.
func parallelFor(n int, fn func(i int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var next int64 = -1
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}

// roundHalf rounds values to the nearest IEEE half-precision number,
// emulating reduced-precision compute under autocast
func roundHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

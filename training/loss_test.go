package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func nchw(data []float32, n, c, h, w int) *tensor.Dense {
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(data))
}

func randomImages(rng *rand.Rand, n, c, h, w int) []float32 {
	data := make([]float32, n*c*h*w)
	for i := range data {
		data[i] = rng.Float32()
	}
	return data
}

func TestMSELoss(t *testing.T) {
	pred := nchw([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	target := nchw([]float32{0, 0, 0, 0}, 1, 1, 2, 2)

	mean := NewMSELoss("")
	loss, err := mean.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, loss, 1e-9)

	grad, err := mean.Backward(pred, target)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 1, 1.5, 2}, grad.Data().([]float32), 1e-6)
	assert.Equal(t, []int{1, 1, 2, 2}, []int(grad.Shape()))

	sum := NewMSELoss("sum")
	loss, err = sum.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 30, loss, 1e-9)
	assert.Equal(t, CriterionMSE, sum.Name())
}

func TestLossInputValidation(t *testing.T) {
	a := nchw(make([]float32, 4), 1, 1, 2, 2)
	b := nchw(make([]float32, 8), 1, 2, 2, 2)
	f64 := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(make([]float64, 4)))

	for _, loss := range []Loss{NewMSELoss("mean"), NewSSIMLoss()} {
		_, err := loss.Forward(a, b)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%s: %v", loss.Name(), err)
		_, err = loss.Forward(a, nil)
		assert.Error(t, err, loss.Name())
		_, err = loss.Backward(f64, f64)
		assert.Error(t, err, loss.Name())
	}
}

func TestNewLoss(t *testing.T) {
	l, err := NewLoss(CriterionSSIM)
	require.NoError(t, err)
	assert.Equal(t, CriterionSSIM, l.Name())

	l, err = NewLoss(CriterionMSE)
	require.NoError(t, err)
	assert.Equal(t, CriterionMSE, l.Name())

	_, err = NewLoss("l1")
	assert.True(t, errors.Is(err, ErrInvalidParams), "got %v", err)
}

func TestSSIMLossIdenticalImages(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := randomImages(rng, 2, 3, 16, 16)
	x := nchw(data, 2, 3, 16, 16)
	y := nchw(append([]float32(nil), data...), 2, 3, 16, 16)

	loss, err := NewSSIMLoss().Forward(x, y)
	require.NoError(t, err)
	assert.InDelta(t, -1, loss, 1e-9)

	grad, err := NewSSIMLoss().Backward(x, y)
	require.NoError(t, err)
	for _, g := range grad.Data().([]float32) {
		assert.InDelta(t, 0, g, 1e-6)
	}
}

func TestSSIMLossPrefersCloserImages(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	target := randomImages(rng, 1, 3, 12, 12)
	near := make([]float32, len(target))
	far := make([]float32, len(target))
	for i, v := range target {
		near[i] = v + 0.05*(rng.Float32()-0.5)
		far[i] = v + 0.5*(rng.Float32()-0.5)
	}

	loss := NewSSIMLoss()
	nearLoss, err := loss.Forward(nchw(near, 1, 3, 12, 12), nchw(target, 1, 3, 12, 12))
	require.NoError(t, err)
	farLoss, err := loss.Forward(nchw(far, 1, 3, 12, 12), nchw(target, 1, 3, 12, 12))
	require.NoError(t, err)
	assert.Less(t, nearLoss, farLoss)
	assert.Greater(t, nearLoss, -1.0)
}

func TestSSIMLossGradient(t *testing.T) {
	const n, c, h, w = 2, 1, 9, 7
	rng := rand.New(rand.NewSource(3))
	pred := randomImages(rng, n, c, h, w)
	target := randomImages(rng, n, c, h, w)
	targetT := nchw(target, n, c, h, w)

	loss := NewSSIMLoss()
	grad, err := loss.Backward(nchw(pred, n, c, h, w), targetT)
	require.NoError(t, err)
	analytic := grad.Data().([]float32)

	eval := func(data []float32) float64 {
		v, err := loss.Forward(nchw(data, n, c, h, w), targetT)
		require.NoError(t, err)
		return v
	}

	for _, i := range []int{0, 5, 31, 62, 63, 100, len(pred) - 1} {
		orig := pred[i]
		pred[i] = orig + 1e-3
		plus := float64(pred[i])
		up := eval(pred)
		pred[i] = orig - 1e-3
		minus := float64(pred[i])
		down := eval(pred)
		pred[i] = orig

		numeric := (up - down) / (plus - minus)
		assert.InDelta(t, numeric, float64(analytic[i]), 1e-4+1e-2*math.Abs(numeric), "pixel %d", i)
	}
}

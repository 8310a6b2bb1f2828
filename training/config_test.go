package training

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-superres/vision/dataset"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams("exp1", 3, 16, 10)

	assert.Equal(t, 150, p.Iterations)
	assert.Equal(t, 15, p.DisplayStep)
	assert.Equal(t, 50, p.AdjustLRStep)
	assert.Equal(t, []int{8, 16, 32, 64}, p.HChannels)
	assert.Equal(t, 2040, p.FinalSize)
	assert.Equal(t, []string{"crop", "rotate", "flip"}, p.DataAugmentation)
	assert.Equal(t, "bilinear", p.Interpolation)
	assert.Equal(t, CriterionMSE, p.Criterion)
	assert.Equal(t, 0.009364, p.InitialLR)
	assert.Equal(t, 1e-6, p.WeightDecay)
	assert.Equal(t, 0.1, p.LRDecay)
	assert.Equal(t, int64(7), p.RandomSeed)
	assert.Equal(t, "checkpoint/exp1_ckpt.pth", p.Path)
	assert.Equal(t, "results/exp1_trials.json", p.TrialsPath)
	assert.NoError(t, p.Validate())
}

func TestIterationsAndDisplayStep(t *testing.T) {
	assert.Equal(t, 0, Iterations(0, 5))
	assert.Equal(t, 266, Iterations(3, 1))
	assert.Equal(t, 0, DisplayStep(100, 0))
	assert.Equal(t, 33, DisplayStep(100, 3))
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"missing experiment", func(p *Params) { p.ExperimentID = "" }},
		{"no hidden channels", func(p *Params) { p.HChannels = nil }},
		{"negative channels", func(p *Params) { p.HChannels = []int{8, -1} }},
		{"final size too small", func(p *Params) { p.FinalSize = 8 }},
		{"bad interpolation", func(p *Params) { p.Interpolation = "lanczos" }},
		{"bad criterion", func(p *Params) { p.Criterion = "l1" }},
		{"zero batch", func(p *Params) { p.BatchSize = 0 }},
		{"zero lr", func(p *Params) { p.InitialLR = 0 }},
		{"negative decay", func(p *Params) { p.WeightDecay = -1 }},
		{"negative lr step", func(p *Params) { p.AdjustLRStep = -1 }},
		{"zero lr decay", func(p *Params) { p.LRDecay = 0 }},
		{"zero iterations", func(p *Params) { p.Iterations = 0 }},
		{"zero display step", func(p *Params) { p.DisplayStep = 0 }},
		{"negative workers", func(p *Params) { p.NumWorkers = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams("exp", 1, 8, 2)
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParams), "%v", err)
		})
	}

	p := DefaultParams("exp", 1, 8, 2)
	p.DataAugmentation = []string{"zoom"}
	assert.Error(t, p.Validate())
}

func TestDatasetOptions(t *testing.T) {
	p := DefaultParams("exp", 1, 8, 2)
	p.Interpolation = "bicubic"
	p.Normalize = true

	train := p.DatasetOptions(dataset.Train)
	assert.Equal(t, []string{"crop", "rotate", "flip"}, train.DataAugmentation)
	assert.Equal(t, preprocessing.Bicubic, train.Interpolation)
	assert.True(t, train.Normalize)

	val := p.DatasetOptions(dataset.Val)
	assert.Empty(t, val.DataAugmentation)

	train.DataAugmentation[0] = "changed"
	assert.Equal(t, "crop", p.DataAugmentation[0])
}

func TestParamsClone(t *testing.T) {
	p := DefaultParams("exp", 1, 8, 2)
	c := p.Clone()
	c.HChannels[0] = 99
	c.DataAugmentation[0] = "flip"
	assert.Equal(t, 8, p.HChannels[0])
	assert.Equal(t, "crop", p.DataAugmentation[0])
}

package training

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-superres/vision/dataset"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// ErrInvalidParams is returned by Params.Validate
var ErrInvalidParams = errors.New("invalid training parameters")

// Criterion names
const (
	CriterionMSE  = "mse"
	CriterionSSIM = "ssim"
)

// Params is the configuration of one training run. Keys match the search
// space so a sampled configuration decodes directly into Params.
type Params struct {
	ExperimentID     string   `json:"experiment_id" yaml:"experiment_id"`
	HChannels        []int    `json:"h_channels" yaml:"h_channels"`
	FinalSize        int      `json:"final_size" yaml:"final_size"`
	Normalize        bool     `json:"normalize" yaml:"normalize"`
	DataAugmentation []string `json:"data_augmentation" yaml:"data_augmentation"`
	Interpolation    string   `json:"interpolation" yaml:"interpolation"`
	InMemory         bool     `json:"in_memory" yaml:"in_memory"`
	Criterion        string   `json:"criterion" yaml:"criterion"`

	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	InitialLR    float64 `json:"initial_lr" yaml:"initial_lr"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay"`
	AdjustLRStep int     `json:"adjust_lr_step" yaml:"adjust_lr_step"`
	LRDecay      float64 `json:"lr_decay" yaml:"lr_decay"`
	Iterations   int     `json:"iterations" yaml:"iterations"`
	NEpochs      int     `json:"n_epochs" yaml:"n_epochs"`
	DisplayStep  int     `json:"display_step" yaml:"display_step"`

	Path       string `json:"path" yaml:"path"`
	TrialsPath string `json:"trials_path" yaml:"trials_path"`
	RandomSeed int64  `json:"random_seed" yaml:"random_seed"`

	DataDir            string `json:"data_dir" yaml:"data_dir"`
	CheckpointDir      string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	ResultsDir         string `json:"results_dir" yaml:"results_dir"`
	NumWorkers         int    `json:"num_workers" yaml:"num_workers"`
	MixedPrecision     bool   `json:"mixed_precision" yaml:"mixed_precision"`
	CacheSize          int    `json:"cache_size" yaml:"cache_size"`
	DenormalizeOutputs bool   `json:"denormalize_outputs" yaml:"denormalize_outputs"`
}

// DefaultParams returns the reference configuration for an experiment
// trained for nEpochs with the given batch size and evaluation count
func DefaultParams(experimentID string, nEpochs, batchSize, nEvalSteps int) Params {
	iterations := Iterations(batchSize, nEpochs)
	return Params{
		ExperimentID:     experimentID,
		HChannels:        []int{8, 16, 32, 64},
		FinalSize:        2040,
		Normalize:        false,
		DataAugmentation: []string{"crop", "rotate", "flip"},
		Interpolation:    preprocessing.Bilinear.String(),
		InMemory:         false,
		Criterion:        CriterionMSE,

		BatchSize:    batchSize,
		InitialLR:    0.009364,
		WeightDecay:  1e-6,
		AdjustLRStep: iterations / 3,
		LRDecay:      0.1,
		Iterations:   iterations,
		NEpochs:      nEpochs,
		DisplayStep:  DisplayStep(iterations, nEvalSteps),

		Path:       filepath.Join("checkpoint", experimentID+"_ckpt.pth"),
		TrialsPath: filepath.Join("results", experimentID+"_trials.json"),
		RandomSeed: 7,

		DataDir:        "data",
		CheckpointDir:  "checkpoint",
		ResultsDir:     "results",
		MixedPrecision: true,
		CacheSize:      64,
	}
}

// Iterations is the step budget for nEpochs over an 800-pair training split
func Iterations(batchSize, nEpochs int) int {
	if batchSize <= 0 {
		return 0
	}
	return (800 / batchSize) * nEpochs
}

// DisplayStep is the evaluation cadence for nEvalSteps evaluations
func DisplayStep(iterations, nEvalSteps int) int {
	if nEvalSteps <= 0 {
		return 0
	}
	return iterations / nEvalSteps
}

// Validate checks the parameters before any filesystem access
func (p Params) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrap(ErrInvalidParams, fmt.Sprintf(format, args...))
	}

	if p.ExperimentID == "" {
		return invalid("experiment_id is required")
	}
	if len(p.HChannels) == 0 {
		return invalid("h_channels must not be empty")
	}
	for _, c := range p.HChannels {
		if c <= 0 {
			return invalid("h_channels must be positive, got %v", p.HChannels)
		}
	}
	if p.FinalSize < 1<<uint(len(p.HChannels)) {
		return invalid("final_size %d is too small for %d encoder stages", p.FinalSize, len(p.HChannels))
	}
	if _, err := dataset.ParseAugmentations(p.DataAugmentation); err != nil {
		return err
	}
	if _, err := preprocessing.ParseInterpolation(p.Interpolation); err != nil {
		return invalid("%v", err)
	}
	if p.Criterion != CriterionMSE && p.Criterion != CriterionSSIM {
		return invalid("criterion must be %q or %q, got %q", CriterionMSE, CriterionSSIM, p.Criterion)
	}
	if p.BatchSize <= 0 {
		return invalid("batch_size must be positive, got %d", p.BatchSize)
	}
	if !(p.InitialLR > 0) {
		return invalid("initial_lr must be positive, got %v", p.InitialLR)
	}
	if p.WeightDecay < 0 {
		return invalid("weight_decay must be non-negative, got %v", p.WeightDecay)
	}
	if p.AdjustLRStep < 0 {
		return invalid("adjust_lr_step must be non-negative, got %d", p.AdjustLRStep)
	}
	if !(p.LRDecay > 0) {
		return invalid("lr_decay must be positive, got %v", p.LRDecay)
	}
	if p.Iterations <= 0 {
		return invalid("iterations must be positive, got %d", p.Iterations)
	}
	if p.DisplayStep <= 0 {
		return invalid("display_step must be positive, got %d", p.DisplayStep)
	}
	if p.NumWorkers < 0 {
		return invalid("num_workers must be non-negative, got %d", p.NumWorkers)
	}
	return nil
}

// InterpolationMode returns the parsed interpolation kernel
func (p Params) InterpolationMode() preprocessing.Interpolation {
	mode, err := preprocessing.ParseInterpolation(p.Interpolation)
	if err != nil {
		return preprocessing.Bilinear
	}
	return mode
}

// DatasetOptions builds the dataset options for a split. Augmentation is
// only requested for the training split.
func (p Params) DatasetOptions(mode dataset.Mode) dataset.Options {
	opts := dataset.Options{
		Normalize:     p.Normalize,
		Interpolation: p.InterpolationMode(),
		InMemory:      p.InMemory,
		CacheSize:     p.CacheSize,
	}
	if mode == dataset.Train {
		opts.DataAugmentation = append([]string(nil), p.DataAugmentation...)
	}
	return opts
}

// Clone returns a deep copy
func (p Params) Clone() Params {
	c := p
	c.HChannels = append([]int(nil), p.HChannels...)
	c.DataAugmentation = append([]string(nil), p.DataAugmentation...)
	return c
}

// Package search runs training configurations drawn from a search space and
// keeps the record of every trial.
package search

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"

	"github.com/tsawler/go-superres/training"
)

// ErrEmptyChoice is returned when a tunable has no candidate values
var ErrEmptyChoice = errors.New("search space has a tunable without choices")

// Space lists the candidate values of every tunable. A trial takes one value
// per tunable, chosen uniformly at random.
type Space struct {
	ExperimentID     []string   `yaml:"experiment_id"`
	HChannels        [][]int    `yaml:"h_channels"`
	FinalSize        []int      `yaml:"final_size"`
	Normalize        []bool     `yaml:"normalize"`
	DataAugmentation [][]string `yaml:"data_augmentation"`
	Interpolation    []string   `yaml:"interpolation"`
	InMemory         []bool     `yaml:"in_memory"`
	Criterion        []string   `yaml:"criterion"`

	BatchSize    []int     `yaml:"batch_size"`
	InitialLR    []float64 `yaml:"initial_lr"`
	WeightDecay  []float64 `yaml:"weight_decay"`
	AdjustLRStep []int     `yaml:"adjust_lr_step"`
	LRDecay      []float64 `yaml:"lr_decay"`
	Iterations   []int     `yaml:"iterations"`
	NEpochs      []int     `yaml:"n_epochs"`
	DisplayStep  []int     `yaml:"display_step"`

	Path       []string `yaml:"path"`
	TrialsPath []string `yaml:"trials_path"`
	RandomSeed []int64  `yaml:"random_seed"`
}

// DefaultSpace pins every tunable to its value in base
func DefaultSpace(base training.Params) Space {
	return Space{
		ExperimentID:     []string{base.ExperimentID},
		HChannels:        [][]int{append([]int(nil), base.HChannels...)},
		FinalSize:        []int{base.FinalSize},
		Normalize:        []bool{base.Normalize},
		DataAugmentation: [][]string{append([]string(nil), base.DataAugmentation...)},
		Interpolation:    []string{base.Interpolation},
		InMemory:         []bool{base.InMemory},
		Criterion:        []string{base.Criterion},

		BatchSize:    []int{base.BatchSize},
		InitialLR:    []float64{base.InitialLR},
		WeightDecay:  []float64{base.WeightDecay},
		AdjustLRStep: []int{base.AdjustLRStep},
		LRDecay:      []float64{base.LRDecay},
		Iterations:   []int{base.Iterations},
		NEpochs:      []int{base.NEpochs},
		DisplayStep:  []int{base.DisplayStep},

		Path:       []string{base.Path},
		TrialsPath: []string{base.TrialsPath},
		RandomSeed: []int64{base.RandomSeed},
	}
}

// LoadSpace reads a YAML space file. Tunables missing from the file keep
// their value from base.
func LoadSpace(fs afero.Fs, path string, base training.Params) (Space, error) {
	space := DefaultSpace(base)

	f, err := fs.Open(path)
	if err != nil {
		return Space{}, errors.Wrapf(err, "failed to open search space %s", path)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&space); err != nil && err != io.EOF {
		return Space{}, errors.Wrapf(err, "failed to decode search space %s", path)
	}
	if err := space.Validate(); err != nil {
		return Space{}, errors.Wrap(err, path)
	}
	return space, nil
}

// Validate checks that every tunable has at least one choice
func (s Space) Validate() error {
	sizes := []struct {
		name string
		n    int
	}{
		{"experiment_id", len(s.ExperimentID)},
		{"h_channels", len(s.HChannels)},
		{"final_size", len(s.FinalSize)},
		{"normalize", len(s.Normalize)},
		{"data_augmentation", len(s.DataAugmentation)},
		{"interpolation", len(s.Interpolation)},
		{"in_memory", len(s.InMemory)},
		{"criterion", len(s.Criterion)},
		{"batch_size", len(s.BatchSize)},
		{"initial_lr", len(s.InitialLR)},
		{"weight_decay", len(s.WeightDecay)},
		{"adjust_lr_step", len(s.AdjustLRStep)},
		{"lr_decay", len(s.LRDecay)},
		{"iterations", len(s.Iterations)},
		{"n_epochs", len(s.NEpochs)},
		{"display_step", len(s.DisplayStep)},
		{"path", len(s.Path)},
		{"trials_path", len(s.TrialsPath)},
		{"random_seed", len(s.RandomSeed)},
	}
	for _, size := range sizes {
		if size.n == 0 {
			return errors.Wrap(ErrEmptyChoice, size.name)
		}
	}
	return nil
}

// Sample draws one configuration. Fields outside the space are copied from
// base. The returned map holds the chosen index of every tunable.
func (s Space) Sample(rng *rand.Rand, base training.Params) (training.Params, map[string]int, error) {
	if err := s.Validate(); err != nil {
		return training.Params{}, nil, err
	}

	p := base.Clone()
	choices := make(map[string]int)
	pick := func(name string, n int) int {
		i := rng.Intn(n)
		choices[name] = i
		return i
	}

	p.ExperimentID = s.ExperimentID[pick("experiment_id", len(s.ExperimentID))]
	p.HChannels = append([]int(nil), s.HChannels[pick("h_channels", len(s.HChannels))]...)
	p.FinalSize = s.FinalSize[pick("final_size", len(s.FinalSize))]
	p.Normalize = s.Normalize[pick("normalize", len(s.Normalize))]
	p.DataAugmentation = append([]string(nil), s.DataAugmentation[pick("data_augmentation", len(s.DataAugmentation))]...)
	p.Interpolation = s.Interpolation[pick("interpolation", len(s.Interpolation))]
	p.InMemory = s.InMemory[pick("in_memory", len(s.InMemory))]
	p.Criterion = s.Criterion[pick("criterion", len(s.Criterion))]

	p.BatchSize = s.BatchSize[pick("batch_size", len(s.BatchSize))]
	p.InitialLR = s.InitialLR[pick("initial_lr", len(s.InitialLR))]
	p.WeightDecay = s.WeightDecay[pick("weight_decay", len(s.WeightDecay))]
	p.AdjustLRStep = s.AdjustLRStep[pick("adjust_lr_step", len(s.AdjustLRStep))]
	p.LRDecay = s.LRDecay[pick("lr_decay", len(s.LRDecay))]
	p.Iterations = s.Iterations[pick("iterations", len(s.Iterations))]
	p.NEpochs = s.NEpochs[pick("n_epochs", len(s.NEpochs))]
	p.DisplayStep = s.DisplayStep[pick("display_step", len(s.DisplayStep))]

	p.Path = s.Path[pick("path", len(s.Path))]
	p.TrialsPath = s.TrialsPath[pick("trials_path", len(s.TrialsPath))]
	p.RandomSeed = s.RandomSeed[pick("random_seed", len(s.RandomSeed))]

	return p, choices, nil
}

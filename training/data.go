package training

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-superres/vision/dataloader"
	"github.com/tsawler/go-superres/vision/dataset"
)

// NewLoaders builds the shuffled training loader and the ordered validation
// loader under params.DataDir. Both drop the trailing partial batch.
func NewLoaders(fs afero.Fs, params Params, logger *zap.Logger) (*dataloader.DataLoader, *dataloader.DataLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	train, err := newLoader(fs, params, dataset.Train, true, logger)
	if err != nil {
		return nil, nil, err
	}
	val, err := newLoader(fs, params, dataset.Val, true, logger)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// NewTestLoader builds the ordered loader over every folder of the test
// split, keeping the trailing partial batch
func NewTestLoader(fs afero.Fs, params Params, logger *zap.Logger) (*dataloader.DataLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newLoader(fs, params, dataset.Test, false, logger)
}

func newLoader(fs afero.Fs, params Params, mode dataset.Mode, dropLast bool, logger *zap.Logger) (*dataloader.DataLoader, error) {
	opts := params.DatasetOptions(mode)
	opts.Logger = logger
	if mode == dataset.Test {
		opts.InMemory = false
	}

	ds, err := dataset.New(fs, params.DataDir, mode, params.FinalSize, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s split", mode)
	}

	workers := params.NumWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	seed := params.RandomSeed
	if mode != dataset.Train {
		seed++
	}

	loader, err := dataloader.New(ds, dataloader.Config{
		BatchSize:  params.BatchSize,
		Shuffle:    mode == dataset.Train,
		DropLast:   dropLast,
		NumWorkers: workers,
		Seed:       seed,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("dataset ready",
		zap.String("split", string(mode)),
		zap.Int("samples", ds.Len()),
		zap.Int("batches", loader.Len()))
	return loader, nil
}

package search

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-superres/training"
)

// Objective trains one configuration
type Objective func(ctx context.Context, params training.Params) (*training.Result, error)

// Driver evaluates MaxEvals random configurations from a Space. A failing
// configuration is recorded with status fail and the search continues.
type Driver struct {
	MaxEvals  int
	Space     Space
	Objective Objective

	fs     afero.Fs
	rng    *rand.Rand
	logger *zap.Logger
}

// NewDriver creates a driver drawing configurations with a seeded RNG.
// Trials are persisted on fs after every evaluation.
func NewDriver(space Space, objective Objective, maxEvals int, seed int64, fs afero.Fs, logger *zap.Logger) (*Driver, error) {
	if objective == nil {
		return nil, errors.New("objective is required")
	}
	if maxEvals <= 0 {
		return nil, errors.Errorf("max evals must be positive, got %d", maxEvals)
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		MaxEvals:  maxEvals,
		Space:     space,
		Objective: objective,
		fs:        fs,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
	}, nil
}

// Run evaluates the configurations and writes the trials to
// base.TrialsPath. Only cancellation and persistence errors stop the search.
func (d *Driver) Run(ctx context.Context, base training.Params) (*Trials, error) {
	trials := &Trials{}

	for tid := 0; tid < d.MaxEvals; tid++ {
		if err := ctx.Err(); err != nil {
			return trials, err
		}

		params, choices, err := d.Space.Sample(d.rng, base)
		if err != nil {
			return trials, err
		}

		trial := Trial{TID: tid, Params: params, Choices: choices, Started: time.Now()}
		d.logger.Info("starting trial",
			zap.Int("tid", tid),
			zap.Int("max_evals", d.MaxEvals),
			zap.Any("params", params))

		result, err := d.Objective(ctx, params)
		trial.Finished = time.Now()
		switch {
		case err != nil:
			trial.Status = training.StatusFail
			trial.Error = err.Error()
			d.logger.Warn("trial failed", zap.Int("tid", tid), zap.Error(err))
		case result == nil:
			trial.Status = training.StatusFail
			trial.Error = "objective returned no result"
			d.logger.Warn("trial failed", zap.Int("tid", tid), zap.String("error", trial.Error))
		default:
			trial.Status = result.Status
			trial.Result = result
			trial.Error = result.Error
			d.logger.Info("trial finished",
				zap.Int("tid", tid),
				zap.String("status", result.Status),
				zap.Float64("loss", result.Loss),
				zap.Float64("val_ssim", result.ValSSIM),
				zap.Duration("elapsed", trial.Finished.Sub(trial.Started)))
		}
		trials.Add(trial)

		if err := trials.Save(d.fs, base.TrialsPath); err != nil {
			return trials, err
		}
	}

	if best, ok := trials.Best(); ok {
		d.logger.Info("search finished",
			zap.Int("trials", trials.Len()),
			zap.Int("best_tid", best.TID),
			zap.Float64("best_loss", best.Result.Loss))
	} else {
		d.logger.Warn("search finished without a successful trial", zap.Int("trials", trials.Len()))
	}
	return trials, nil
}

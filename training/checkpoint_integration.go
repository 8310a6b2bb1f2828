package training

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-superres/checkpoints"
)

// CheckpointManager writes a checkpoint whenever validation SSIM improves on
// the best value seen in the run. Every save of a run targets the same
// timestamped path; files are never removed.
type CheckpointManager struct {
	saver    *checkpoints.CheckpointSaver
	path     string
	bestSSIM float64
	saves    []int
	logger   *zap.Logger
}

// NewCheckpointManager creates a manager that saves to
// <dir>/<experimentID>_<unix(at)>_ckpt.pth
func NewCheckpointManager(fs afero.Fs, dir, experimentID string, at time.Time, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		saver:    checkpoints.NewCheckpointSaver(fs),
		path:     checkpoints.Path(dir, experimentID, at),
		bestSSIM: math.Inf(-1),
		logger:   logger,
	}
}

// Path is where checkpoints of this run are written
func (cm *CheckpointManager) Path() string {
	return cm.path
}

// Best is the best validation SSIM seen so far
func (cm *CheckpointManager) Best() float64 {
	return cm.bestSSIM
}

// Saves returns the steps at which a checkpoint was written
func (cm *CheckpointManager) Saves() []int {
	return append([]int(nil), cm.saves...)
}

// SaveBestCheckpoint saves the checkpoint produced by build if valSSIM is
// strictly greater than the best so far. build is only called on improvement.
func (cm *CheckpointManager) SaveBestCheckpoint(step int, valSSIM float64, build func() (*checkpoints.Checkpoint, error)) (bool, error) {
	if math.IsNaN(valSSIM) || !(valSSIM > cm.bestSSIM) {
		return false, nil
	}

	checkpoint, err := build()
	if err != nil {
		return false, errors.Wrap(err, "failed to create checkpoint")
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, cm.path); err != nil {
		return false, errors.Wrapf(err, "failed to save checkpoint at step %d", step)
	}

	cm.logger.Info("saved checkpoint",
		zap.String("path", cm.path),
		zap.Int("step", step),
		zap.Float64("val_ssim", valSSIM),
		zap.Float64("previous_best", cm.bestSSIM))
	cm.bestSSIM = valSSIM
	cm.saves = append(cm.saves, step)
	return true, nil
}

// LoadCheckpoint reads a checkpoint written by SaveBestCheckpoint
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	return checkpoint, nil
}

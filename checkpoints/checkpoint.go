package checkpoints

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Checkpoint is the persisted training state written whenever the
// validation SSIM improves. The JSON keys are fixed.
type Checkpoint struct {
	Epoch              int             `json:"epoch"`
	ModelStateDict     []WeightTensor  `json:"model_state_dict"`
	OptimizerStateDict *OptimizerState `json:"optimizer_state_dict"`
	TrainLoss          float64         `json:"train_loss"`
	ValLoss            float64         `json:"val_loss"`
	TrainPSNR          float64         `json:"train_psnr"`
	ValPSNR            float64         `json:"val_psnr"`
	TrainSSIM          float64         `json:"train_ssim"`
	ValSSIM            float64         `json:"val_ssim"`
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// OptimizerState captures optimizer-specific state (moments, step count, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "AdamW"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (m, v)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// FindWeight returns the tensor with the given name
func FindWeight(weights []WeightTensor, name string) (WeightTensor, bool) {
	for _, w := range weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// Path returns checkpoint/<experiment>_<unix timestamp>_ckpt.pth under dir
func Path(dir, experimentID string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d_ckpt.pth", experimentID, at.Unix()))
}

// CheckpointSaver saves and loads checkpoints on a filesystem
type CheckpointSaver struct {
	fs afero.Fs
}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver(fs afero.Fs) *CheckpointSaver {
	return &CheckpointSaver{fs: fs}
}

// SaveCheckpoint writes checkpoint as JSON. The file is written to a
// temporary name and renamed so readers never observe a partial checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := cs.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp := path + ".tmp"
	file, err := cs.fs.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}

	if err := json.NewEncoder(file).Encode(checkpoint); err != nil {
		file.Close()
		cs.fs.Remove(tmp)
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := file.Close(); err != nil {
		cs.fs.Remove(tmp)
		return errors.Wrap(err, "failed to write checkpoint")
	}

	if err := cs.fs.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to finalize checkpoint")
	}
	return nil
}

// LoadCheckpoint loads a checkpoint written by SaveCheckpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := cs.fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if len(checkpoint.ModelStateDict) == 0 {
		return nil, errors.Errorf("checkpoint %s has no model state", path)
	}

	return &checkpoint, nil
}

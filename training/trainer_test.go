package training

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/vision/dataloader"
	"github.com/tsawler/go-superres/vision/dataset/datasettest"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

var runStart = time.Unix(1700000000, 0)

// newSRFs writes n 16x16 / 64x64 pairs for both labelled splits
func newSRFs(t *testing.T, n int) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, datasettest.WritePairs(fs, "data", "train", n, 16, 16, 4))
	require.NoError(t, datasettest.WritePairs(fs, "data", "val", n, 16, 16, 4))
	return fs
}

func smallParams(experimentID string) Params {
	p := DefaultParams(experimentID, 1, 1, 1)
	p.HChannels = []int{4, 8}
	p.FinalSize = 64
	p.DataAugmentation = nil
	p.MixedPrecision = false
	p.NumWorkers = 2
	p.Iterations = 4
	p.DisplayStep = 1
	p.AdjustLRStep = 0
	return p
}

func newTestTrainer(t *testing.T, fs afero.Fs, p Params) (*Trainer, *dataloader.DataLoader, *dataloader.DataLoader) {
	trainer, err := NewTrainer(p, Options{Fs: fs, Now: func() time.Time { return runStart }})
	require.NoError(t, err)
	train, val, err := NewLoaders(fs, p, nil)
	require.NoError(t, err)
	return trainer, train, val
}

// scriptEvaluations replaces evaluation with a fixed sequence of validation
// SSIM values, repeating the last one
func scriptEvaluations(trainer *Trainer, valSSIM ...float64) *int {
	calls := 0
	trainer.evalFn = func(ctx context.Context, train, val *dataloader.DataLoader) (Evaluation, error) {
		v := valSSIM[len(valSSIM)-1]
		if calls < len(valSSIM) {
			v = valSSIM[calls]
		}
		calls++
		return Evaluation{TrainLoss: 1, ValLoss: 1, ValSSIM: v}, nil
	}
	return &calls
}

func skipOptimization(trainer *Trainer) *int {
	steps := 0
	trainer.stepFn = func(b *dataloader.Batch) error {
		steps++
		return nil
	}
	return &steps
}

func TestNewTrainerRejectsInvalidParams(t *testing.T) {
	p := smallParams("bad")
	p.Criterion = "l1"
	_, err := NewTrainer(p, Options{Fs: afero.NewMemMapFs()})
	assert.True(t, errors.Is(err, ErrInvalidParams), "%v", err)
}

func TestCheckpointOnImprovement(t *testing.T) {
	fs := newSRFs(t, 4)
	p := smallParams("gate")
	p.Iterations = 3

	trainer, train, val := newTestTrainer(t, fs, p)
	calls := scriptEvaluations(trainer, 0.5, 0.6, 0.55, 0.7)
	skipOptimization(trainer)

	require.NoError(t, trainer.Fit(context.Background(), train, val))

	assert.Equal(t, 4, *calls)
	assert.Equal(t, []int{1, 2, 4}, trainer.ckpt.Saves())
	assert.Equal(t, 0.7, trainer.BestValSSIM())
	assert.Equal(t, []float64{0.5, 0.6, 0.55, 0.7}, trainer.History().ValSSIM)

	path := trainer.CheckpointPath()
	assert.Equal(t, filepath.Join("checkpoint", "gate_1700000000_ckpt.pth"), path)
	entries, err := afero.ReadDir(fs, "checkpoint")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cp, err := checkpoints.NewCheckpointSaver(fs).LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 0.7, cp.ValSSIM)
	assert.Equal(t, 1, cp.Epoch)
	assert.Equal(t, "AdamW", cp.OptimizerStateDict.Type)
}

func TestBestStartsBelowAnySSIM(t *testing.T) {
	fs := newSRFs(t, 4)
	p := smallParams("negative")
	p.Iterations = 1
	p.DisplayStep = 2

	trainer, train, val := newTestTrainer(t, fs, p)
	scriptEvaluations(trainer, -0.2, -0.3)
	skipOptimization(trainer)

	require.NoError(t, trainer.Fit(context.Background(), train, val))
	assert.Equal(t, []int{2}, trainer.ckpt.Saves())
	assert.Equal(t, -0.2, trainer.BestValSSIM())
}

func TestStepBudgetEndsAtEpochBoundary(t *testing.T) {
	tests := []struct {
		iterations int
		steps      int
		epochs     int
	}{
		{3, 4, 1},
		{4, 8, 2},
		{8, 12, 3},
		{10, 12, 3},
	}

	fs := newSRFs(t, 4)
	for _, tt := range tests {
		p := smallParams("budget")
		p.Iterations = tt.iterations
		p.DisplayStep = 100

		trainer, train, val := newTestTrainer(t, fs, p)
		calls := scriptEvaluations(trainer, 0.1)
		steps := skipOptimization(trainer)

		require.NoError(t, trainer.Fit(context.Background(), train, val))
		assert.Equal(t, tt.steps, *steps, "iterations=%d", tt.iterations)
		assert.Equal(t, tt.steps, trainer.Step(), "iterations=%d", tt.iterations)
		assert.Equal(t, tt.epochs, trainer.Epoch(), "iterations=%d", tt.iterations)
		// no step hit the cadence, so exactly one final evaluation ran
		assert.Equal(t, 1, *calls, "iterations=%d", tt.iterations)
		require.NotNil(t, trainer.LastEvaluation())
		assert.Equal(t, tt.steps, trainer.LastEvaluation().Step)
	}
}

func TestEvaluationCadence(t *testing.T) {
	fs := newSRFs(t, 4)
	p := smallParams("cadence")
	p.Iterations = 10
	p.DisplayStep = 5

	trainer, train, val := newTestTrainer(t, fs, p)
	calls := scriptEvaluations(trainer, 0.1, 0.2)
	skipOptimization(trainer)

	require.NoError(t, trainer.Fit(context.Background(), train, val))
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 12, trainer.Step())
	assert.Equal(t, 10, trainer.LastEvaluation().Step)
	assert.Len(t, trainer.History().TrainLoss, 2)
}

func TestFitAndLogReducesTrainingLoss(t *testing.T) {
	fs := newSRFs(t, 4)
	p := smallParams("overfit")
	p.BatchSize = 2
	p.InitialLR = 0.01
	p.Iterations = 40
	p.DisplayStep = 10

	result, err := FitAndLog(context.Background(), p, Options{Fs: fs, Now: func() time.Time { return runStart }})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, result.ValLoss, result.Loss)
	assert.Equal(t, "overfit", result.Config.ExperimentID)
	assert.Equal(t, p.Path, result.Path)
	assert.True(t, result.RunTime > 0)

	losses := result.Trajectories.TrainLoss
	require.Len(t, losses, 4)
	require.Len(t, result.Trajectories.ValSSIM, 4)
	assert.Less(t, losses[3], losses[0])
	assert.Equal(t, losses[3], result.TrainLoss)
	for _, v := range result.Trajectories.ValPSNR {
		assert.False(t, math.IsNaN(v))
	}

	exists, err := afero.Exists(fs, result.CheckpointPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMixedPrecisionTraining(t *testing.T) {
	fs := newSRFs(t, 2)
	p := smallParams("amp")
	p.MixedPrecision = true
	p.Criterion = CriterionSSIM
	p.BatchSize = 2
	p.InitialLR = 0.01
	p.Iterations = 3
	p.DisplayStep = 3
	p.AdjustLRStep = 2

	trainer, train, val := newTestTrainer(t, fs, p)
	require.NoError(t, trainer.Fit(context.Background(), train, val))

	assert.Equal(t, 0, trainer.scaler.Skipped())
	assert.Equal(t, uint64(4), trainer.opt.GetStepCount())
	assert.InDelta(t, 0.01*0.1*0.1, float64(trainer.opt.GetLearningRate()), 1e-9)
	ev := trainer.LastEvaluation()
	require.NotNil(t, ev)
	assert.False(t, math.IsNaN(ev.ValLoss))
	// negated SSIM divided by the batch size
	assert.InDelta(t, -ev.ValSSIM/2, ev.ValLoss, 1e-6)
}

func TestLoadCheckpointRestoresModel(t *testing.T) {
	fs := newSRFs(t, 4)
	p := smallParams("restore")
	p.Iterations = 1
	p.DisplayStep = 1

	// four real steps, each evaluation improving so the last one is saved
	trainer, train, val := newTestTrainer(t, fs, p)
	scriptEvaluations(trainer, 0.1, 0.2, 0.3, 0.4)
	require.NoError(t, trainer.Fit(context.Background(), train, val))
	require.Equal(t, 4, trainer.Step())
	require.Equal(t, []int{1, 2, 3, 4}, trainer.ckpt.Saves())

	p.RandomSeed = 99
	other, err := NewTrainer(p, Options{Fs: fs})
	require.NoError(t, err)
	require.NotEqual(t, trainer.Network().StateDict()[0].Data, other.Network().StateDict()[0].Data)

	require.NoError(t, other.LoadCheckpoint(trainer.CheckpointPath()))
	assert.False(t, other.Network().IsTraining())
	assert.Equal(t, 1, other.Epoch())

	want := trainer.Network().StateDict()
	got := other.Network().StateDict()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Data, got[i].Data, want[i].Name)
	}

	wantState, err := trainer.opt.GetState()
	require.NoError(t, err)
	gotState, err := other.opt.GetState()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), other.opt.GetStepCount())
	assert.Equal(t, trainer.opt.GetLearningRate(), other.opt.GetLearningRate())
	require.Len(t, gotState.StateData, len(wantState.StateData))
	moved := false
	for i := range wantState.StateData {
		assert.Equal(t, wantState.StateData[i].Name, gotState.StateData[i].Name)
		assert.Equal(t, wantState.StateData[i].Data, gotState.StateData[i].Data, wantState.StateData[i].Name)
		for _, v := range wantState.StateData[i].Data {
			if v != 0 {
				moved = true
			}
		}
	}
	assert.True(t, moved, "optimizer moments are all zero")

	assert.Error(t, other.LoadCheckpoint("checkpoint/missing.pth"))
}

func TestPredictWritesFirstOutputPerBatch(t *testing.T) {
	tests := []struct {
		batchSize int
		want      []string
	}{
		{1, []string{
			"results/pred/test/Set5/0000.png",
			"results/pred/test/Set5/0001.png",
			"results/pred/test/Urban/0000.png",
		}},
		{2, []string{
			"results/pred/test/Set5/0000.png",
			"results/pred/test/Urban/0000.png",
		}},
	}

	for _, tt := range tests {
		fs := afero.NewMemMapFs()
		require.NoError(t, datasettest.WriteTestSet(fs, "data", "Set5", 2, 16, 16))
		require.NoError(t, datasettest.WriteTestSet(fs, "data", "Urban", 1, 16, 16))

		p := smallParams("pred")
		p.BatchSize = tt.batchSize
		trainer, err := NewTrainer(p, Options{Fs: fs})
		require.NoError(t, err)
		test, err := NewTestLoader(fs, p, nil)
		require.NoError(t, err)

		written, err := trainer.Predict(context.Background(), test)
		require.NoError(t, err)
		assert.Equal(t, tt.want, written, "batch size %d", tt.batchSize)

		im, err := preprocessing.DecodeFile(fs, written[0])
		require.NoError(t, err)
		assert.Equal(t, 64, im.Height)
		assert.Equal(t, 64, im.Width)
		assert.Equal(t, 3, im.Channels)
	}
}

func TestExportONNX(t *testing.T) {
	fs := afero.NewMemMapFs()
	trainer, err := NewTrainer(smallParams("onnx"), Options{Fs: fs})
	require.NoError(t, err)

	require.NoError(t, trainer.ExportONNX("model.onnx"))
	summary, err := checkpoints.InspectONNX(fs, "model.onnx")
	require.NoError(t, err)
	for _, op := range []string{"Conv", "ConvTranspose", "BatchNormalization", "Relu", "MaxPool", "Add"} {
		assert.Contains(t, summary.OpTypes, op)
	}
	assert.Equal(t, []int{4, 3, 3, 3}, summary.Initializers["encoder0.conv.weight"])
}

func TestArchitecturePrinter(t *testing.T) {
	trainer, err := NewTrainer(smallParams("print"), Options{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Autoencoder").PrintArchitecture(&buf, trainer.Network().Spec())
	out := buf.String()
	assert.Contains(t, out, "Autoencoder(")
	assert.Contains(t, out, "Conv2d(3, 4, kernel_size=(3, 3)")
	assert.Contains(t, out, "MaxPool2d(kernel_size=2, stride=2)")
	assert.Contains(t, out, "ConvTranspose2d(8, 4")
	assert.Contains(t, out, "Add(encoder0)")
}

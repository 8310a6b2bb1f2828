package checkpoints_test

import (
	"encoding/json"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/engine"
	"github.com/tsawler/go-superres/layers"
)

func testCheckpoint() *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Epoch: 3,
		ModelStateDict: []checkpoints.WeightTensor{
			{Name: "encoder0.conv.weight", Shape: []int{2, 3, 1, 1}, Data: []float32{1, 2, 3, 4, 5, 6}, Layer: "encoder0.conv", Type: "weight"},
			{Name: "encoder0.conv.bias", Shape: []int{2}, Data: []float32{0.5, -0.5}, Layer: "encoder0.conv", Type: "bias"},
		},
		OptimizerStateDict: &checkpoints.OptimizerState{
			Type:       "AdamW",
			Parameters: map[string]interface{}{"learning_rate": 0.01, "step_count": float64(12)},
			StateData: []checkpoints.OptimizerTensor{
				{Name: "exp_avg_0", Shape: []int{2, 3, 1, 1}, Data: make([]float32, 6), StateType: "exp_avg"},
			},
		},
		TrainLoss: 0.02,
		ValLoss:   0.03,
		TrainPSNR: 28.5,
		ValPSNR:   27.25,
		TrainSSIM: 0.81,
		ValSSIM:   0.79,
	}
}

func TestCheckpointJSONKeys(t *testing.T) {
	data, err := json.Marshal(testCheckpoint())
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"epoch", "model_state_dict", "optimizer_state_dict",
		"train_loss", "train_psnr", "train_ssim",
		"val_loss", "val_psnr", "val_ssim",
	}, keys)
}

func TestCheckpointSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := checkpoints.NewCheckpointSaver(fs)
	path := checkpoints.Path("checkpoint", "exp", time.Unix(1234, 0))
	assert.Equal(t, "checkpoint/exp_1234_ckpt.pth", path)

	want := testCheckpoint()
	require.NoError(t, saver.SaveCheckpoint(want, path))

	entries, err := afero.ReadDir(fs, "checkpoint")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exp_1234_ckpt.pth", entries[0].Name())

	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, want.Epoch, got.Epoch)
	assert.Equal(t, want.ModelStateDict, got.ModelStateDict)
	assert.Equal(t, want.ValSSIM, got.ValSSIM)
	assert.Equal(t, want.TrainPSNR, got.TrainPSNR)
	assert.Equal(t, "AdamW", got.OptimizerStateDict.Type)
	assert.Equal(t, float64(12), got.OptimizerStateDict.Parameters["step_count"])
	assert.Equal(t, want.OptimizerStateDict.StateData, got.OptimizerStateDict.StateData)

	// overwriting keeps a single file
	want.ValSSIM = 0.9
	require.NoError(t, saver.SaveCheckpoint(want, path))
	got, err = saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.ValSSIM)
}

func TestLoadCheckpointErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := checkpoints.NewCheckpointSaver(fs)

	_, err := saver.LoadCheckpoint("missing.pth")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "garbage.pth", []byte("{not json"), 0644))
	_, err = saver.LoadCheckpoint("garbage.pth")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "empty.pth", []byte(`{"epoch": 1}`), 0644))
	_, err = saver.LoadCheckpoint("empty.pth")
	assert.Error(t, err)
}

func TestFindWeight(t *testing.T) {
	weights := testCheckpoint().ModelStateDict
	w, ok := checkpoints.FindWeight(weights, "encoder0.conv.bias")
	require.True(t, ok)
	assert.Equal(t, []int{2}, w.Shape)

	_, ok = checkpoints.FindWeight(weights, "output.conv.bias")
	assert.False(t, ok)
}

func compiledNetwork(t *testing.T, hidden []int, size int) (*layers.ModelSpec, *engine.Network) {
	spec, err := layers.NewModelBuilder(hidden).Build()
	require.NoError(t, err)
	require.NoError(t, spec.Compile([]int{1, layers.ImageChannels, size, size}))
	net, err := engine.NewNetwork(spec, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return spec, net
}

func TestONNXExport(t *testing.T) {
	fs := afero.NewMemMapFs()
	spec, net := compiledNetwork(t, []int{2, 4}, 16)

	require.NoError(t, checkpoints.NewONNXExporter(fs).Export(spec, net.StateDict(), "model.onnx"))
	summary, err := checkpoints.InspectONNX(fs, "model.onnx")
	require.NoError(t, err)

	assert.Equal(t, int64(7), summary.IRVersion)
	assert.Equal(t, "go-superres", summary.Producer)
	assert.Equal(t, "superres-autoencoder", summary.GraphName)
	assert.Equal(t, []string{"input"}, summary.Inputs)
	assert.Equal(t, []string{"output"}, summary.Outputs)

	encoder := []string{"Conv", "BatchNormalization", "Relu", "MaxPool"}
	decoder := []string{"ConvTranspose", "Add", "BatchNormalization", "Relu"}
	var want []string
	want = append(want, encoder...)
	want = append(want, encoder...)
	want = append(want, decoder...)
	want = append(want, decoder...)
	want = append(want, "Conv")
	assert.Equal(t, want, summary.OpTypes)

	assert.Equal(t, []int{2, 3, 3, 3}, summary.Initializers["encoder0.conv.weight"])
	assert.Equal(t, []int{4, 2, 2, 2}, summary.Initializers["decoder1.upconv.weight"])
	assert.Equal(t, []int{3, 2, 3, 3}, summary.Initializers["output.conv.weight"])
}

func TestONNXExportErrors(t *testing.T) {
	exporter := checkpoints.NewONNXExporter(afero.NewMemMapFs())

	spec, err := layers.NewModelBuilder([]int{2}).Build()
	require.NoError(t, err)
	_, err = exporter.Marshal(spec, nil)
	assert.Error(t, err, "uncompiled model")

	spec, net := compiledNetwork(t, []int{2}, 8)
	weights := net.StateDict()
	_, err = exporter.Marshal(spec, weights[1:])
	assert.Error(t, err, "missing weight")

	_, err = checkpoints.ParseONNX([]byte{0x3a, 0x05, 0x01})
	assert.Error(t, err)
}

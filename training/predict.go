package training

import (
	"context"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"

	"github.com/tsawler/go-superres/vision/dataloader"
	"github.com/tsawler/go-superres/vision/dataset"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Predict super-resolves the test split. For every batch the first output
// is resized to 4x the native LR size and written as PNG to
// <results_dir>/<experiment_id>/test/<subfolder>/<file>. It returns the
// written paths in batch order.
func (t *Trainer) Predict(ctx context.Context, test *dataloader.DataLoader) ([]string, error) {
	if test == nil {
		return nil, errors.New("test loader is required")
	}
	t.net.Eval()
	t.net.SetAutocast(false)

	it := test.Iterate(ctx)
	defer it.Close()

	var written []string
	var loopErr error
	err := tqdm.With(iterators.Interval(0, test.Len()), "Predicting", func(v interface{}) (brk bool) {
		batch, err := it.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			loopErr = err
			return true
		}
		path, err := t.writePrediction(batch)
		if err != nil {
			loopErr = err
			return true
		}
		written = append(written, path)
		return false
	})
	if err != nil {
		return written, errors.Wrap(err, "prediction loop")
	}
	if loopErr != nil {
		return written, loopErr
	}

	t.logger.Info("predictions written",
		zap.Int("images", len(written)),
		zap.String("dir", filepath.Join(t.params.ResultsDir, t.params.ExperimentID, "test")))
	return written, nil
}

// writePrediction saves the first image of a batch
func (t *Trainer) writePrediction(batch *dataloader.Batch) (string, error) {
	if batch.Size() == 0 || len(batch.Native) == 0 {
		return "", errors.New("empty test batch")
	}

	output, err := t.net.Forward(batch.LR)
	if err != nil {
		return "", errors.Wrapf(err, "forward %s", batch.Paths[0])
	}
	shape := output.Shape()
	c, h, w := shape[1], shape[2], shape[3]
	first := output.Data().([]float32)[:c*h*w]

	im := &preprocessing.Image{Data: append([]float32(nil), first...), Channels: c, Height: h, Width: w}
	native := batch.Native[0]
	im = preprocessing.Resize(im, dataset.UpscaleFactor*native.Height, dataset.UpscaleFactor*native.Width, preprocessing.Bicubic)
	if t.params.DenormalizeOutputs && len(batch.Stats) > 0 {
		im = preprocessing.Denormalize(im, batch.Stats[0])
	}

	source := batch.Paths[0]
	dir := filepath.Join(t.params.ResultsDir, t.params.ExperimentID, "test", dataset.Subfolder(source))
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", dir)
	}
	path := filepath.Join(dir, filepath.Base(source))
	if err := preprocessing.EncodeFile(t.fs, path, im); err != nil {
		return "", err
	}
	return path, nil
}

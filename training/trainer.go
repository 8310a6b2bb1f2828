package training

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/engine"
	"github.com/tsawler/go-superres/layers"
	"github.com/tsawler/go-superres/optimizer"
	"github.com/tsawler/go-superres/vision/dataloader"
)

// Options carries the collaborators of a Trainer
type Options struct {
	Fs     afero.Fs
	Logger *zap.Logger
	// Now stamps the checkpoint path; defaults to time.Now
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Evaluation holds the metrics of one evaluation round
type Evaluation struct {
	Epoch     int     `json:"epoch"`
	Step      int     `json:"step"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
	TrainPSNR float64 `json:"train_psnr"`
	ValPSNR   float64 `json:"val_psnr"`
	TrainSSIM float64 `json:"train_ssim"`
	ValSSIM   float64 `json:"val_ssim"`
}

// Trajectories are the per-evaluation metric histories of a run
type Trajectories struct {
	TrainLoss []float64 `json:"train_loss"`
	ValLoss   []float64 `json:"val_loss"`
	TrainPSNR []float64 `json:"train_psnr"`
	ValPSNR   []float64 `json:"val_psnr"`
	TrainSSIM []float64 `json:"train_ssim"`
	ValSSIM   []float64 `json:"val_ssim"`
}

func (tr *Trajectories) append(ev Evaluation) {
	tr.TrainLoss = append(tr.TrainLoss, ev.TrainLoss)
	tr.ValLoss = append(tr.ValLoss, ev.ValLoss)
	tr.TrainPSNR = append(tr.TrainPSNR, ev.TrainPSNR)
	tr.ValPSNR = append(tr.ValPSNR, ev.ValPSNR)
	tr.TrainSSIM = append(tr.TrainSSIM, ev.TrainSSIM)
	tr.ValSSIM = append(tr.ValSSIM, ev.ValSSIM)
}

// Trainer owns the network, optimizer and schedule of one training run
type Trainer struct {
	params Params
	fs     afero.Fs
	logger *zap.Logger

	rng       *rand.Rand
	net       *engine.Network
	opt       *optimizer.AdamW
	scheduler LRScheduler
	scaler    *GradScaler
	criterion Loss
	quality   *QualityAccumulator
	ckpt      *CheckpointManager

	epoch   int
	step    int
	history Trajectories
	last    *Evaluation

	// replaceable in tests
	stepFn func(b *dataloader.Batch) error
	evalFn func(ctx context.Context, train, val *dataloader.DataLoader) (Evaluation, error)
}

// NewTrainer validates params and builds a freshly initialised model
func NewTrainer(params Params, opts Options) (*Trainer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	params = params.Clone()

	spec, err := layers.NewModelBuilder(params.HChannels).Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build model")
	}
	if err := spec.Compile([]int{params.BatchSize, layers.ImageChannels, params.FinalSize, params.FinalSize}); err != nil {
		return nil, errors.Wrap(err, "failed to compile model")
	}

	rng := rand.New(rand.NewSource(params.RandomSeed))
	net, err := engine.NewNetwork(spec, rng)
	if err != nil {
		return nil, err
	}

	opt, err := optimizer.NewAdamW(optimizer.AdamWConfig{
		LearningRate: float32(params.InitialLR),
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  float32(params.WeightDecay),
	}, net.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create optimizer")
	}

	criterion, err := NewLoss(params.Criterion)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		params:    params,
		fs:        opts.Fs,
		logger:    opts.Logger,
		rng:       rng,
		net:       net,
		opt:       opt,
		scheduler: newScheduler(params),
		scaler:    NewGradScaler(params.MixedPrecision),
		criterion: criterion,
		quality:   NewQualityAccumulator(),
		ckpt:      NewCheckpointManager(opts.Fs, params.CheckpointDir, params.ExperimentID, opts.Now(), opts.Logger),
	}
	t.stepFn = t.trainStep
	t.evalFn = t.evaluate

	t.logger.Info("model created",
		zap.String("experiment_id", params.ExperimentID),
		zap.Ints("h_channels", params.HChannels),
		zap.Int("parameters", net.NumParameters()),
		zap.String("criterion", criterion.Name()),
		zap.String("scheduler", t.scheduler.GetName()),
		zap.Bool("mixed_precision", params.MixedPrecision))
	return t, nil
}

// Params returns the run configuration
func (t *Trainer) Params() Params { return t.params }

// Network returns the model being trained
func (t *Trainer) Network() *engine.Network { return t.net }

// Step is the number of optimization steps taken
func (t *Trainer) Step() int { return t.step }

// Epoch is the number of epochs started
func (t *Trainer) Epoch() int { return t.epoch }

// History returns the metric trajectories
func (t *Trainer) History() Trajectories { return t.history }

// LastEvaluation returns the most recent evaluation, nil before the first
func (t *Trainer) LastEvaluation() *Evaluation { return t.last }

// CheckpointPath is where improved models of this run are saved
func (t *Trainer) CheckpointPath() string { return t.ckpt.Path() }

// BestValSSIM is the best validation SSIM seen, -Inf before any evaluation
func (t *Trainer) BestValSSIM() float64 { return t.ckpt.Best() }

// Fit trains until the step budget is exhausted. The budget is checked at
// epoch boundaries, so the epoch in progress always completes.
func (t *Trainer) Fit(ctx context.Context, train, val *dataloader.DataLoader) error {
	if train == nil || val == nil {
		return errors.New("train and validation loaders are required")
	}
	if train.Len() == 0 {
		return errors.New("training loader produces no batches")
	}

	t.net.Train()
	start := time.Now()
	evaluated := false

	for t.step <= t.params.Iterations {
		t.epoch++
		epochStart := time.Now()

		it := train.Iterate(ctx)
		for {
			batch, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				it.Close()
				return errors.Wrapf(err, "epoch %d", t.epoch)
			}

			t.step++
			if err := t.stepFn(batch); err != nil {
				it.Close()
				return errors.Wrapf(err, "step %d", t.step)
			}

			if t.step%t.params.DisplayStep == 0 {
				if err := t.evaluateAndCheckpoint(ctx, train, val); err != nil {
					it.Close()
					return err
				}
				evaluated = true
			}
		}
		it.Close()

		t.logger.Debug("epoch finished",
			zap.Int("epoch", t.epoch),
			zap.Int("step", t.step),
			zap.Duration("elapsed", time.Since(epochStart)))
	}

	if !evaluated {
		if err := t.evaluateAndCheckpoint(ctx, train, val); err != nil {
			return err
		}
	}

	t.logger.Info("training finished",
		zap.Int("epochs", t.epoch),
		zap.Int("steps", t.step),
		zap.Int("skipped_steps", t.scaler.Skipped()),
		zap.Float64("best_val_ssim", t.ckpt.Best()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// trainStep runs one forward/backward pass and optimizer update
func (t *Trainer) trainStep(batch *dataloader.Batch) error {
	if batch.HR == nil {
		return errors.New("training batch has no targets")
	}

	t.net.ZeroGrad()
	t.net.SetAutocast(t.params.MixedPrecision)
	defer t.net.Release()

	output, err := t.net.Forward(batch.LR)
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	grad, err := t.criterion.Backward(output, batch.HR)
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	if scale := t.scaler.LossScale(); scale != 1 {
		g := grad.Data().([]float32)
		for i := range g {
			g[i] *= scale
		}
	}
	if err := t.net.Backward(grad); err != nil {
		return errors.Wrap(err, "backward")
	}

	stepped, err := t.scaler.Step(t.opt, t.net.Parameters())
	if err != nil {
		return errors.Wrap(err, "optimizer")
	}

	lr := t.scheduler.GetLR(t.epoch, t.step, t.params.InitialLR)
	t.opt.UpdateLearningRate(float32(lr))

	if !stepped {
		t.logger.Debug("skipped step with non-finite gradients",
			zap.Int("step", t.step),
			zap.Float64("loss_scale", t.scaler.Scale))
	}
	return nil
}

// evaluateAndCheckpoint records one evaluation round and saves the model
// when validation SSIM improves
func (t *Trainer) evaluateAndCheckpoint(ctx context.Context, train, val *dataloader.DataLoader) error {
	ev, err := t.evalFn(ctx, train, val)
	if err != nil {
		return errors.Wrapf(err, "evaluation at step %d", t.step)
	}
	ev.Epoch, ev.Step = t.epoch, t.step
	t.history.append(ev)
	t.last = &ev

	t.logger.Info("evaluation",
		zap.Int("epoch", ev.Epoch),
		zap.Int("step", ev.Step),
		zap.Float64("lr", float64(t.opt.GetLearningRate())),
		zap.Float64("train_loss", ev.TrainLoss),
		zap.Float64("val_loss", ev.ValLoss),
		zap.Float64("train_psnr", ev.TrainPSNR),
		zap.Float64("val_psnr", ev.ValPSNR),
		zap.Float64("train_ssim", ev.TrainSSIM),
		zap.Float64("val_ssim", ev.ValSSIM))

	_, err = t.ckpt.SaveBestCheckpoint(t.step, ev.ValSSIM, func() (*checkpoints.Checkpoint, error) {
		return t.checkpoint(ev)
	})
	return err
}

// checkpoint snapshots the model and optimizer
func (t *Trainer) checkpoint(ev Evaluation) (*checkpoints.Checkpoint, error) {
	state, err := t.opt.GetState()
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		Epoch:              t.epoch,
		ModelStateDict:     t.net.StateDict(),
		OptimizerStateDict: state,
		TrainLoss:          ev.TrainLoss,
		ValLoss:            ev.ValLoss,
		TrainPSNR:          ev.TrainPSNR,
		ValPSNR:            ev.ValPSNR,
		TrainSSIM:          ev.TrainSSIM,
		ValSSIM:            ev.ValSSIM,
	}, nil
}

// evaluate runs full passes over both loaders in inference mode
func (t *Trainer) evaluate(ctx context.Context, train, val *dataloader.DataLoader) (Evaluation, error) {
	var ev Evaluation
	var err error
	if ev.TrainLoss, ev.TrainPSNR, ev.TrainSSIM, err = t.evaluatePass(ctx, train); err != nil {
		return ev, errors.Wrap(err, "train pass")
	}
	if ev.ValLoss, ev.ValPSNR, ev.ValSSIM, err = t.evaluatePass(ctx, val); err != nil {
		return ev, errors.Wrap(err, "validation pass")
	}
	return ev, nil
}

// evaluatePass returns the summed loss divided by batches*batch_size and
// the mean PSNR and SSIM of one pass
func (t *Trainer) evaluatePass(ctx context.Context, loader *dataloader.DataLoader) (float64, float64, float64, error) {
	t.net.Eval()
	t.net.SetAutocast(false)
	defer t.net.Train()
	defer t.quality.Reset()

	it := loader.Iterate(ctx)
	defer it.Close()

	var sum float64
	batches := 0
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, 0, err
		}
		if batch.HR == nil {
			return 0, 0, 0, errors.New("evaluation batch has no targets")
		}

		output, err := t.net.Forward(batch.LR)
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "forward")
		}
		loss, err := t.criterion.Forward(output, batch.HR)
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "loss")
		}
		if err := t.quality.Update(output, batch.HR); err != nil {
			return 0, 0, 0, err
		}
		sum += loss
		batches++
	}
	if batches == 0 {
		return 0, 0, 0, errors.New("loader produced no batches")
	}

	loss := sum / float64(batches*t.params.BatchSize)
	return loss, t.quality.Compute(PSNRMetric), t.quality.Compute(SSIMMetric), nil
}

// LoadCheckpoint restores model and optimizer state and switches the model
// to inference mode
func (t *Trainer) LoadCheckpoint(path string) error {
	cp, err := t.ckpt.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := t.net.LoadStateDict(cp.ModelStateDict); err != nil {
		return errors.Wrapf(err, "failed to restore model from %s", path)
	}
	if cp.OptimizerStateDict != nil {
		if err := t.opt.LoadState(cp.OptimizerStateDict); err != nil {
			return errors.Wrapf(err, "failed to restore optimizer from %s", path)
		}
	}
	t.epoch = cp.Epoch
	t.net.Eval()

	t.logger.Info("checkpoint restored",
		zap.String("path", path),
		zap.Int("epoch", cp.Epoch),
		zap.Float64("val_ssim", cp.ValSSIM))
	return nil
}

// ExportONNX writes the network for a single final_size input
func (t *Trainer) ExportONNX(path string) error {
	spec := t.net.Spec()
	if err := spec.Compile([]int{1, layers.ImageChannels, t.params.FinalSize, t.params.FinalSize}); err != nil {
		return err
	}
	if err := checkpoints.NewONNXExporter(t.fs).Export(spec, t.net.StateDict(), path); err != nil {
		return errors.Wrapf(err, "failed to export %s", path)
	}
	t.logger.Info("exported onnx model", zap.String("path", path))
	return nil
}

// Infer runs the network in inference mode on one NCHW batch
func (t *Trainer) Infer(input *tensor.Dense) (*tensor.Dense, error) {
	if t.net.IsTraining() {
		t.net.Eval()
		defer t.net.Train()
	}
	t.net.SetAutocast(false)
	return t.net.Forward(input)
}

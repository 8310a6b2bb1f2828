package training

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Trial statuses
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Result is the record a search driver receives for one configuration.
// Loss is the final validation loss, the value being minimized.
type Result struct {
	Loss           float64      `json:"loss"`
	Status         string       `json:"status"`
	Config         Params       `json:"mc"`
	Path           string       `json:"path"`
	CheckpointPath string       `json:"checkpoint_path"`
	TrainLoss      float64      `json:"train_loss"`
	ValLoss        float64      `json:"val_loss"`
	TrainPSNR      float64      `json:"train_psnr"`
	ValPSNR        float64      `json:"val_psnr"`
	TrainSSIM      float64      `json:"train_ssim"`
	ValSSIM        float64      `json:"val_ssim"`
	RunTime        float64      `json:"run_time"` // seconds
	Trajectories   Trajectories `json:"trajectories"`
	Error          string       `json:"error,omitempty"`
}

// FitAndLog builds the loaders and a Trainer for params, trains, and
// returns the result record. Errors before or during training are returned
// as-is; a run that diverges is reported with StatusFail.
func FitAndLog(ctx context.Context, params Params, opts Options) (*Result, error) {
	start := time.Now()
	opts = opts.withDefaults()

	if err := params.Validate(); err != nil {
		return nil, err
	}
	opts.Logger.Info("configuration", zap.Any("params", params))

	train, val, err := NewLoaders(opts.Fs, params, opts.Logger)
	if err != nil {
		return nil, err
	}

	trainer, err := NewTrainer(params, opts)
	if err != nil {
		return nil, err
	}
	if err := trainer.Fit(ctx, train, val); err != nil {
		return nil, err
	}

	opts.Logger.Info("model fit", zap.Duration("elapsed", time.Since(start)))
	return newResult(params, trainer, time.Since(start)), nil
}

// newResult collects the final metrics of a trained model. Non-finite values
// are replaced so the record stays JSON-encodable.
func newResult(params Params, trainer *Trainer, elapsed time.Duration) *Result {
	r := &Result{
		Status:         StatusOK,
		Config:         params.Clone(),
		Path:           params.Path,
		CheckpointPath: trainer.CheckpointPath(),
		RunTime:        elapsed.Seconds(),
	}

	if ev := trainer.LastEvaluation(); ev != nil {
		if math.IsNaN(ev.ValLoss) || math.IsInf(ev.ValLoss, 0) {
			r.Status = StatusFail
			r.Error = "validation loss is not finite"
		}
		r.TrainLoss = finiteLoss(ev.TrainLoss)
		r.ValLoss = finiteLoss(ev.ValLoss)
		r.TrainPSNR = finiteMetric(ev.TrainPSNR)
		r.ValPSNR = finiteMetric(ev.ValPSNR)
		r.TrainSSIM = finiteMetric(ev.TrainSSIM)
		r.ValSSIM = finiteMetric(ev.ValSSIM)
	} else {
		r.Status = StatusFail
		r.Error = "no evaluation was run"
		r.ValLoss = math.MaxFloat64
	}
	r.Loss = r.ValLoss

	h := trainer.History()
	r.Trajectories = Trajectories{
		TrainLoss: mapFloats(h.TrainLoss, finiteLoss),
		ValLoss:   mapFloats(h.ValLoss, finiteLoss),
		TrainPSNR: mapFloats(h.TrainPSNR, finiteMetric),
		ValPSNR:   mapFloats(h.ValPSNR, finiteMetric),
		TrainSSIM: mapFloats(h.TrainSSIM, finiteMetric),
		ValSSIM:   mapFloats(h.ValSSIM, finiteMetric),
	}
	return r
}

func finiteLoss(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.MaxFloat64
	}
	return v
}

func finiteMetric(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func mapFloats(values []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = fn(v)
	}
	return out
}

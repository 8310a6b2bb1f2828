package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-superres/logging"
	"github.com/tsawler/go-superres/search"
	"github.com/tsawler/go-superres/training"
)

type args struct {
	NEpochs          int    `arg:"--n_epochs,required" help:"number of passes over the training split"`
	BatchSize        int    `arg:"--batch_size,required" help:"images per batch"`
	NEvalSteps       int    `arg:"--n_eval_steps,required" help:"number of evaluations during training"`
	HyperoptMaxEvals int    `arg:"--hyperopt_max_evals,required" help:"number of configurations to train"`
	ExperimentID     string `arg:"--experiment_id,required" help:"experiment name used in checkpoint and result paths"`

	DataDir    string `arg:"--data_dir" help:"dataset root"`
	Space      string `arg:"--space" help:"YAML search space; defaults pin every tunable"`
	Predict    bool   `arg:"--predict" help:"write test-set predictions with the best checkpoint"`
	ExportONNX string `arg:"--export_onnx" help:"write the best model as ONNX to this path"`
	Verbose    bool   `arg:"--verbose" help:"console logging with debug entries"`
}

func (args) Description() string {
	return "srtrain trains super-resolution autoencoders over a search space"
}

func main() {
	a := args{DataDir: "data"}
	arg.MustParse(&a)

	logger := logging.New(a.Verbose)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, a, afero.NewOsFs(), logger); err != nil {
		logger.Error("srtrain failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, fs afero.Fs, logger *zap.Logger) error {
	base := training.DefaultParams(a.ExperimentID, a.NEpochs, a.BatchSize, a.NEvalSteps)
	base.DataDir = a.DataDir
	if err := base.Validate(); err != nil {
		return err
	}

	space := search.DefaultSpace(base)
	if a.Space != "" {
		var err error
		if space, err = search.LoadSpace(fs, a.Space, base); err != nil {
			return err
		}
	}

	opts := training.Options{Fs: fs, Logger: logger}
	objective := func(ctx context.Context, params training.Params) (*training.Result, error) {
		return training.FitAndLog(ctx, params, opts)
	}

	driver, err := search.NewDriver(space, objective, a.HyperoptMaxEvals, base.RandomSeed, fs, logger)
	if err != nil {
		return err
	}
	trials, err := driver.Run(ctx, base)
	if err != nil {
		return err
	}

	summary, err := trials.Summary()
	if err != nil {
		return err
	}
	fmt.Printf("trials: %d (failed %d)\n", summary.Trials, summary.Failed)
	fmt.Printf("loss: mean %.6f median %.6f min %.6f max %.6f\n", summary.Mean, summary.Median, summary.Min, summary.Max)

	best, _ := trials.Best()
	fmt.Printf("best trial %d: val_ssim %.4f val_psnr %.2f checkpoint %s\n",
		best.TID, best.Result.ValSSIM, best.Result.ValPSNR, best.Result.CheckpointPath)

	if !a.Predict && a.ExportONNX == "" {
		return nil
	}
	return useBest(ctx, a, fs, logger, best)
}

// useBest reloads the best checkpoint for prediction and export
func useBest(ctx context.Context, a args, fs afero.Fs, logger *zap.Logger, best search.Trial) error {
	if best.Result.CheckpointPath == "" {
		return errors.Errorf("trial %d saved no checkpoint", best.TID)
	}

	params := best.Result.Config
	trainer, err := training.NewTrainer(params, training.Options{Fs: fs, Logger: logger})
	if err != nil {
		return err
	}
	if err := trainer.LoadCheckpoint(best.Result.CheckpointPath); err != nil {
		return err
	}
	training.NewModelArchitecturePrinter("Autoencoder").PrintArchitecture(os.Stdout, trainer.Network().Spec())

	if a.Predict {
		test, err := training.NewTestLoader(fs, params, logger)
		if err != nil {
			return err
		}
		paths, err := trainer.Predict(ctx, test)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d predictions to %s\n", len(paths), filepath.Join(params.ResultsDir, params.ExperimentID, "test"))
	}

	if a.ExportONNX != "" {
		if err := trainer.ExportONNX(a.ExportONNX); err != nil {
			return err
		}
		fmt.Printf("exported %s\n", a.ExportONNX)
	}
	return nil
}

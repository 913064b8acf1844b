package main

import (
	"context"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/config"
	"github.com/born-ml/canopy/internal/dataset"
	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/eval"
	"github.com/born-ml/canopy/internal/infer"
	"github.com/born-ml/canopy/internal/model"
	"github.com/born-ml/canopy/internal/train"
)

// splits indexes the data directories and partitions the samples.
func splits(cfg config.Data, logger *zap.SugaredLogger) (trainSet, testSet dataset.Samples, err error) {
	samples, err := dataset.Index(cfg.ImageDir, cfg.MaskDir, dataset.IndexOptions{
		ImageExts: cfg.ImageExts,
		MaskExt:   cfg.MaskExt,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	trainSet, testSet, err = dataset.Split(samples, cfg.TestRatio, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	logger.Infow("indexed dataset", "samples", len(samples), "train", len(trainSet), "test", len(testSet))
	return trainSet, testSet, nil
}

func newLoader(samples dataset.Samples, cfg config.Data, shuffle bool) *dataset.Loader {
	return dataset.NewLoader(samples, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   shuffle,
		Seed:      cfg.Seed,
		Workers:   cfg.Workers,
	}, dataset.PairTransform)
}

// runTrain fits a model on inner wrapped in an autodiff backend.
func runTrain[X tensor.Backend](ctx context.Context, inner X, cfg config.Train, logger *zap.SugaredLogger) error {
	trainSet, testSet, err := splits(cfg.Data, logger)
	if err != nil {
		return err
	}

	backend := autodiff.New(inner)
	m, err := model.Build[*autodiff.Backend[X]](backend, model.BuildOptions{
		Pretrained:     cfg.Pretrained != "",
		PretrainedPath: cfg.Pretrained,
	})
	if err != nil {
		return err
	}
	logger.Debugw("model", "network", m.Network)

	trainer := train.NewTrainer[X](m, backend, train.TrainerConfig{
		Adam:       train.AdamConfig{LR: float32(cfg.LR)},
		Checkpoint: cfg.Checkpoint,
		Metadata: map[string]string{
			"device":     backend.Name(),
			"image_size": "256",
		},
		Clock:  clock.New(),
		Logger: logger,
	})

	loop := &train.Loop{
		Epochs:  cfg.Epochs,
		Source:  newLoader(trainSet, cfg.Data, true),
		Stepper: trainer,
		Saver:   trainer,
		Logger:  logger,
	}
	if cfg.Resume != "" {
		pos, err := trainer.Resume(cfg.Resume)
		if err != nil {
			return err
		}
		loop.Resume = pos
	}

	progress := newTrainProgress()
	loop.Progress = progress
	summary, err := loop.Run(ctx)
	if perr := progress.Err(); perr != nil {
		logger.Debugw("progress rendering failed", "error", perr)
	}
	if err != nil {
		return err
	}

	if summary.BestEpoch >= 0 {
		pterm.Success.Printfln("Training complete. Best loss %.4f after epoch %d, saved to %s",
			summary.BestLoss, summary.BestEpoch+1, cfg.Checkpoint)
	} else {
		pterm.Warning.Println("Training complete. No epoch improved on the best loss, checkpoint unchanged")
	}

	if !cfg.Evaluate {
		return nil
	}
	if len(testSet) == 0 {
		pterm.Warning.Println("Test split is empty, skipping evaluation")
		return nil
	}
	accuracy, err := eval.Evaluate[*autodiff.Backend[X]](ctx, m, backend, newLoader(testSet, cfg.Data, false))
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Test Accuracy: %.4f", accuracy)
	return nil
}

// runEvaluate reports pixel accuracy of a checkpoint on the held-out split.
func runEvaluate[B tensor.Backend](ctx context.Context, backend B, cfg config.Evaluate, logger *zap.SugaredLogger) error {
	_, testSet, err := splits(cfg.Data, logger)
	if err != nil {
		return err
	}
	if len(testSet) == 0 {
		return errs.Dataf("evaluate", cfg.ImageDir, "test split is empty")
	}

	m, err := loadModel(backend, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	res, err := eval.Tally[B](ctx, m, backend, newLoader(testSet, cfg.Data, false))
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Test Accuracy: %.4f (%d of %d pixels)", res.Accuracy(), res.Correct, res.Total)
	return nil
}

// runPredict segments every file, and every image inside every directory,
// named in paths.
func runPredict[B tensor.Backend](ctx context.Context, backend B, cfg config.Predict, paths []string, logger *zap.SugaredLogger) error {
	m, err := loadModel(backend, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	seg, err := infer.NewSegmenter[B](m, backend, infer.Options{
		OutputDir: cfg.OutputDir,
		Color:     cfg.Color,
		Alpha:     cfg.Alpha,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var failed error
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			failed = multierr.Append(failed, errs.NewData("predict", path, err))
			continue
		}
		var report infer.Report
		if info.IsDir() {
			report, err = seg.ProcessDir(ctx, path)
		} else {
			report, err = seg.ProcessPaths(ctx, []string{path})
		}
		for _, res := range report.Results {
			pterm.Success.Printfln("%s -> %s, %s", res.Source, res.OverlayPath, res.MaskPath)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed = multierr.Append(failed, err)
		}
	}
	return failed
}

func loadModel[B tensor.Backend](backend B, path string, logger *zap.SugaredLogger) (*model.Model[B], error) {
	m, err := model.Build[B](backend, model.BuildOptions{})
	if err != nil {
		return nil, err
	}
	ck, err := model.LoadWeights[B](m, path, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "load model")
	}
	logger.Infow("loaded checkpoint", "path", path, "epoch", ck.Epoch+1, "loss", ck.Loss)
	return m, nil
}

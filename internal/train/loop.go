// Package train fits a segmentation model on batches of image/mask pairs
// and keeps a checkpoint of the best epoch.
package train

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/canopy/internal/dataset"
	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/logging"
)

// Stepper performs optimization steps.
type Stepper interface {
	// BeginEpoch prepares the model for training.
	BeginEpoch(epoch int)
	// Step runs forward, backward and update on one batch and returns the
	// batch loss.
	Step(batch *dataset.Batch) (float64, error)
}

// Saver persists the model after an improving epoch.
type Saver interface {
	Save(epoch int, loss float64) error
}

// Progress receives training progress.
type Progress interface {
	Batch(epoch, index, total int, loss float64)
	Epoch(epoch, epochs int, loss float64, saved bool)
}

// Position is where a previous run stopped: the last saved epoch and its
// loss.
type Position struct {
	Epoch int
	Loss  float64
}

// Summary describes a finished run.
type Summary struct {
	Epochs      int       // Epochs run by this call
	BestEpoch   int       // 0-based, -1 when nothing improved
	BestLoss    float64   // +Inf when nothing improved
	EpochLosses []float64 // Mean loss of each epoch run
	Saves       []int     // Epochs after which a checkpoint was written
}

// Loop drives training for a fixed number of epochs.
//
// After every epoch the mean batch loss is compared against the best mean so
// far; a checkpoint is written only on strict improvement.
type Loop struct {
	Epochs   int
	Source   dataset.Source
	Stepper  Stepper
	Saver    Saver
	Progress Progress
	Logger   *zap.SugaredLogger
	Resume   *Position // Continue after Resume.Epoch with Resume.Loss as the best so far
}

// Run trains until Epochs are done, ctx is cancelled or a step fails.
// The returned Summary reflects the epochs completed before any error.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	logger := logging.OrNop(l.Logger)
	total := l.Source.NumBatches()
	if total == 0 {
		return nil, errs.Dataf("train", "", "training split is empty")
	}

	start, best := 0, math.Inf(1)
	if l.Resume != nil {
		start, best = l.Resume.Epoch+1, l.Resume.Loss
		logger.Infow("resuming", "epoch", start+1, "best_loss", best)
	}

	summary := &Summary{BestEpoch: -1, BestLoss: math.Inf(1)}
	for epoch := start; epoch < l.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		l.Stepper.BeginEpoch(epoch)
		losses := make([]float64, 0, total)
		for batch, err := range l.Source.Batches(ctx, epoch) {
			if err != nil {
				return summary, errors.Wrapf(err, "epoch %d", epoch+1)
			}
			loss, err := l.Stepper.Step(batch)
			if err != nil {
				return summary, errors.Wrapf(err, "epoch %d batch %d", epoch+1, len(losses)+1)
			}
			losses = append(losses, loss)
			if l.Progress != nil {
				l.Progress.Batch(epoch, len(losses)-1, total, loss)
			}
		}
		if len(losses) == 0 {
			return summary, errs.Dataf("train", "", "epoch %d produced no batches", epoch+1)
		}

		mean := stat.Mean(losses, nil)
		summary.Epochs++
		summary.EpochLosses = append(summary.EpochLosses, mean)

		saved := false
		if mean < best {
			if l.Saver != nil {
				if err := l.Saver.Save(epoch, mean); err != nil {
					return summary, errors.Wrapf(err, "save epoch %d", epoch+1)
				}
				saved = true
				summary.Saves = append(summary.Saves, epoch)
			}
			best = mean
			summary.BestEpoch, summary.BestLoss = epoch, mean
		}

		logger.Infow("epoch done", "epoch", epoch+1, "epochs", l.Epochs, "loss", mean, "saved", saved)
		if l.Progress != nil {
			l.Progress.Epoch(epoch, l.Epochs, mean, saved)
		}
	}
	return summary, nil
}

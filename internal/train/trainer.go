package train

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/checkpoint"
	"github.com/born-ml/canopy/internal/dataset"
	"github.com/born-ml/canopy/internal/logging"
	"github.com/born-ml/canopy/internal/model"
	"github.com/born-ml/canopy/internal/preprocess"
)

// OptimizerType names the optimizer in checkpoints.
const OptimizerType = "Adam"

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	Adam       AdamConfig
	Checkpoint string            // Where Save writes
	ModelType  string            // Recorded in the checkpoint, default "TreeNet"
	Metadata   map[string]string // Recorded in the checkpoint
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// Trainer is the Stepper and Saver for a model on an autodiff backend.
type Trainer[X tensor.Backend] struct {
	model   *model.Model[*autodiff.Backend[X]]
	backend *autodiff.Backend[X]
	optim   *Adam[*autodiff.Backend[X]]
	cfg     TrainerConfig
	logger  *zap.SugaredLogger
	step    int64
}

// NewTrainer creates a trainer for m.
func NewTrainer[X tensor.Backend](m *model.Model[*autodiff.Backend[X]], backend *autodiff.Backend[X], cfg TrainerConfig) *Trainer[X] {
	if cfg.ModelType == "" {
		cfg.ModelType = "TreeNet"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Trainer[X]{
		model:   m,
		backend: backend,
		optim:   NewAdam[*autodiff.Backend[X]](m, cfg.Adam, backend),
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
	}
}

// Optimizer returns the trainer's optimizer.
func (t *Trainer[X]) Optimizer() *Adam[*autodiff.Backend[X]] {
	return t.optim
}

// Steps returns the number of optimizer steps taken, including those of a
// resumed run.
func (t *Trainer[X]) Steps() int64 {
	return t.step
}

// BeginEpoch puts the model in training mode and enables gradient recording.
func (t *Trainer[X]) BeginEpoch(int) {
	t.model.SetMode(model.ModeTrain)
	t.backend.Tape().StartRecording()
}

// Step runs one optimization step on batch.
//
// Logits [N, C, H, W] are flattened to [N·H·W, C] so every pixel is one
// cross-entropy sample against the flattened [N·H·W] mask.
func (t *Trainer[X]) Step(batch *dataset.Batch) (loss float64, err error) {
	b := t.backend
	tape := b.Tape()
	defer tape.Clear()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("training step: %v", r)
		}
	}()

	images, err := tensor.FromSlice(batch.Images, tensor.Shape{batch.Size, preprocess.Channels, batch.Height, batch.Width}, b)
	if err != nil {
		return 0, errors.Wrap(err, "image batch")
	}
	targets, err := tensor.FromSlice(batch.Masks, tensor.Shape{len(batch.Masks)}, b)
	if err != nil {
		return 0, errors.Wrap(err, "mask batch")
	}

	t.optim.ZeroGrad()

	logits := t.model.Forward(images)
	classes := logits.Shape()[1]
	flat := logits.Transpose(0, 2, 3, 1).Reshape(len(batch.Masks), classes)

	lossRaw := b.CrossEntropy(flat.Raw(), targets.Raw())
	loss = float64(lossRaw.AsFloat32()[0])

	outputGrad, err := tensor.NewRaw(lossRaw.Shape(), lossRaw.DType(), b.Device())
	if err != nil {
		return 0, errors.Wrap(err, "output gradient")
	}
	outputGrad.AsFloat32()[0] = 1

	grads := tape.Backward(outputGrad, b)
	if err := t.optim.Step(grads); err != nil {
		return 0, err
	}
	t.step++
	return loss, nil
}

// Save writes the model and optimizer state to the configured checkpoint.
func (t *Trainer[X]) Save(epoch int, loss float64) error {
	optimState, err := t.optim.StateDict()
	if err != nil {
		return err
	}
	ck := &checkpoint.Checkpoint{
		ModelType:       t.cfg.ModelType,
		Epoch:           epoch,
		Step:            t.step,
		Loss:            loss,
		Model:           t.model.StateDict(),
		Optimizer:       optimState,
		OptimizerType:   OptimizerType,
		OptimizerConfig: t.optim.Config(),
		CreatedAt:       t.cfg.Clock.Now(),
		Metadata:        t.cfg.Metadata,
	}
	if err := checkpoint.Save(t.cfg.Checkpoint, ck); err != nil {
		return err
	}
	t.logger.Infow("saved checkpoint", "path", t.cfg.Checkpoint, "epoch", epoch+1, "loss", fmt.Sprintf("%.4f", loss))
	return nil
}

// Resume restores model and optimizer state from the checkpoint at path and
// returns where that run stopped.
//
// A checkpoint without optimizer state restores the weights only and the
// optimizer starts fresh.
func (t *Trainer[X]) Resume(path string) (*Position, error) {
	ck, err := model.LoadWeights[*autodiff.Backend[X]](t.model, path, t.backend.Device())
	if err != nil {
		return nil, err
	}
	if len(ck.Optimizer) == 0 {
		t.logger.Warnw("checkpoint has no optimizer state", "path", path)
	} else if err := t.optim.LoadStateDict(ck.Optimizer); err != nil {
		return nil, errors.Wrapf(err, "resume %s", path)
	}
	t.step = ck.Step
	return &Position{Epoch: ck.Epoch, Loss: ck.Loss}, nil
}

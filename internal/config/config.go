// Package config holds the settings of the train, evaluate and predict
// pipelines together with their defaults.
//
// The CLI binds every field to a flag that can also be set through a
// CANOPY_* environment variable.
package config

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/device"
)

// Defaults taken from the reference training setup.
const (
	DefaultCheckpoint = "tree_segmentation_model.ckpt"
	DefaultEpochs     = 5
	DefaultBatchSize  = 16
	DefaultLR         = 0.001
	DefaultTestRatio  = 0.2
	DefaultSeed       = 42
	DefaultWorkers    = 4
	DefaultOutputDir  = "segmentation_results"
	DefaultColor      = "#00ff00"
	DefaultAlpha      = 0.5
	DefaultImageExt   = ".jpg"
	DefaultMaskExt    = ".png"
)

// Data describes where labeled samples live and how they are split.
type Data struct {
	ImageDir  string
	MaskDir   string
	ImageExts []string
	MaskExt   string
	TestRatio float64
	Seed      uint64
	BatchSize int
	Workers   int
}

// Train configures a training run.
type Train struct {
	Data
	Device     device.Kind
	Checkpoint string // Output checkpoint path
	Resume     string // Optional checkpoint to resume from
	Pretrained string // Optional SafeTensors/GGUF backbone weights
	Epochs     int
	LR         float64
	Evaluate   bool // Evaluate on the test split after training
}

// Evaluate configures a standalone evaluation run.
type Evaluate struct {
	Data
	Device     device.Kind
	Checkpoint string
}

// Predict configures inference.
type Predict struct {
	Device     device.Kind
	Checkpoint string
	OutputDir  string
	Color      string
	Alpha      float64
}

// DefaultData returns the default data settings.
func DefaultData() Data {
	return Data{
		ImageExts: []string{DefaultImageExt},
		MaskExt:   DefaultMaskExt,
		TestRatio: DefaultTestRatio,
		Seed:      DefaultSeed,
		BatchSize: DefaultBatchSize,
		Workers:   DefaultWorkers,
	}
}

// DefaultTrain returns the default training settings.
func DefaultTrain() Train {
	return Train{
		Data:       DefaultData(),
		Checkpoint: DefaultCheckpoint,
		Epochs:     DefaultEpochs,
		LR:         DefaultLR,
		Evaluate:   true,
	}
}

// DefaultEvaluate returns the default evaluation settings.
func DefaultEvaluate() Evaluate {
	return Evaluate{
		Data:       DefaultData(),
		Checkpoint: DefaultCheckpoint,
	}
}

// DefaultPredict returns the default inference settings.
func DefaultPredict() Predict {
	return Predict{
		Checkpoint: DefaultCheckpoint,
		OutputDir:  DefaultOutputDir,
		Color:      DefaultColor,
		Alpha:      DefaultAlpha,
	}
}

// NormalizeExts lowercases extensions and adds a leading dot where missing.
func NormalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// Validate checks the data settings.
func (d *Data) Validate() error {
	if d.ImageDir == "" {
		return errors.New("image directory is required")
	}
	if d.MaskDir == "" {
		return errors.New("mask directory is required")
	}
	d.ImageExts = NormalizeExts(d.ImageExts)
	if len(d.ImageExts) == 0 {
		return errors.New("at least one image extension is required")
	}
	exts := NormalizeExts([]string{d.MaskExt})
	if len(exts) == 0 {
		return errors.New("mask extension is required")
	}
	d.MaskExt = exts[0]
	if d.TestRatio < 0 || d.TestRatio >= 1 {
		return errors.Errorf("test ratio must be in [0, 1), got %v", d.TestRatio)
	}
	if d.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", d.BatchSize)
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	return nil
}

// Validate checks the training settings.
func (t *Train) Validate() error {
	if err := t.Data.Validate(); err != nil {
		return err
	}
	if t.Checkpoint == "" {
		return errors.New("checkpoint path is required")
	}
	if t.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", t.Epochs)
	}
	if t.LR <= 0 {
		return errors.Errorf("learning rate must be positive, got %v", t.LR)
	}
	return nil
}

// Validate checks the evaluation settings.
func (e *Evaluate) Validate() error {
	if err := e.Data.Validate(); err != nil {
		return err
	}
	if e.Checkpoint == "" {
		return errors.New("checkpoint path is required")
	}
	return nil
}

// Validate checks the inference settings.
func (p *Predict) Validate() error {
	if p.Checkpoint == "" {
		return errors.New("checkpoint path is required")
	}
	if p.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		return errors.Errorf("alpha must be in (0, 1], got %v", p.Alpha)
	}
	return nil
}

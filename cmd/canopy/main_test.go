package main

import (
	"bytes"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/disintegration/imaging"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/born-ml/canopy/internal/checkpoint"
	"github.com/born-ml/canopy/internal/config"
	"github.com/born-ml/canopy/internal/device"
	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/model"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

// runWith runs the app with the named command's action replaced by action.
func runWith(t *testing.T, command string, action cli.ActionFunc, args ...string) error {
	t.Helper()
	app := newApp()
	for _, cmd := range app.Commands {
		if cmd.Name == command {
			cmd.Action = action
		}
	}
	return app.Run(append([]string{"canopy"}, args...))
}

func TestTrainConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("CANOPY_LR", "0.01")
	t.Setenv("CANOPY_WORKERS", "2")

	var got config.Train
	err := runWith(t, "train", func(c *cli.Context) error {
		var err error
		got, err = trainConfig(c)
		return err
	}, "--device", "cpu", "train", "--image-dir", "imgs", "--mask-dir", "masks", "--epochs", "3", "--image-ext", "JPG", "--image-ext", "png")
	require.NoError(t, err)

	assert.Equal(t, device.CPU, got.Device)
	assert.Equal(t, "imgs", got.ImageDir)
	assert.Equal(t, "masks", got.MaskDir)
	assert.Equal(t, []string{".jpg", ".png"}, got.ImageExts)
	assert.Equal(t, ".png", got.MaskExt)
	assert.Equal(t, 3, got.Epochs)
	assert.InDelta(t, 0.01, got.LR, 1e-12)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, config.DefaultBatchSize, got.BatchSize)
	assert.Equal(t, uint64(config.DefaultSeed), got.Seed)
	assert.Equal(t, config.DefaultCheckpoint, got.Checkpoint)
	assert.True(t, got.Evaluate)
	assert.Empty(t, got.Resume)
}

func TestTrainConfig_Invalid(t *testing.T) {
	err := runWith(t, "train", func(c *cli.Context) error {
		_, err := trainConfig(c)
		return err
	}, "train", "--image-dir", "imgs", "--mask-dir", "masks", "--test-ratio", "1")
	assert.Error(t, err)

	err = runWith(t, "train", func(c *cli.Context) error {
		_, err := trainConfig(c)
		return err
	}, "--device", "tpu", "train", "--image-dir", "imgs", "--mask-dir", "masks")
	assert.Error(t, err)
}

func TestPredictConfig_Defaults(t *testing.T) {
	var got config.Predict
	err := runWith(t, "predict", func(c *cli.Context) error {
		var err error
		got, err = predictConfig(c)
		return err
	}, "predict", "-o", "out", "a.jpg")
	require.NoError(t, err)

	assert.Equal(t, device.Auto, got.Device)
	assert.Equal(t, "out", got.OutputDir)
	assert.Equal(t, config.DefaultColor, got.Color)
	assert.InDelta(t, config.DefaultAlpha, got.Alpha, 1e-12)
}

func TestPredict_RequiresPaths(t *testing.T) {
	err := newApp().Run([]string{"canopy", "predict"})
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"canopy", "version"}))
	assert.Equal(t, "canopy "+version+"\n", out.String())
}

func writeTreeNetCheckpoint(t *testing.T, path string) {
	t.Helper()
	net := model.NewTreeNet(cpu.New())
	require.NoError(t, checkpoint.Save(path, &checkpoint.Checkpoint{
		ModelType: "TreeNet",
		Epoch:     2,
		Step:      30,
		Loss:      0.25,
		Model:     net.StateDict(),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata:  map[string]string{"image_size": "256"},
	}))
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.ckpt")
	writeTreeNetCheckpoint(t, path)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"canopy", "inspect", path}))

	text := out.String()
	assert.Contains(t, text, "TreeNet")
	assert.Contains(t, text, "0.2500")
	assert.Contains(t, text, "meta.image_size")
	assert.Contains(t, text, "model.classifier.2.weight")
	assert.Contains(t, text, "[2 32 1 1]")
	assert.Contains(t, text, "sha256")
	assert.Contains(t, text, "dtype")
}

func TestInspect_Errors(t *testing.T) {
	assert.Error(t, newApp().Run([]string{"canopy", "inspect"}))
	assert.Error(t, newApp().Run([]string{"canopy", "inspect", filepath.Join(t.TempDir(), "missing.ckpt")}))
}

func TestPredict_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "m.ckpt")
	writeTreeNetCheckpoint(t, ckpt)

	img := filepath.Join(dir, "tile.png")
	require.NoError(t, imaging.Save(imaging.New(64, 48, color.NRGBA{R: 30, G: 160, B: 40, A: 255}), img))
	out := filepath.Join(dir, "out")

	err := newApp().Run([]string{"canopy", "--device", "cpu", "predict", "--checkpoint", ckpt, "-o", out, img})
	require.NoError(t, err)

	overlays, err := filepath.Glob(filepath.Join(out, "tile_segmented_*.jpg"))
	require.NoError(t, err)
	assert.Len(t, overlays, 1)
	masks, err := filepath.Glob(filepath.Join(out, "tile_mask_*.png"))
	require.NoError(t, err)
	require.Len(t, masks, 1)

	mask, err := imaging.Open(masks[0])
	require.NoError(t, err)
	assert.Equal(t, 64, mask.Bounds().Dx())
	assert.Equal(t, 48, mask.Bounds().Dy())
}

func TestPredict_MissingInput(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "m.ckpt")
	writeTreeNetCheckpoint(t, ckpt)
	out := filepath.Join(dir, "out")

	err := newApp().Run([]string{"canopy", "--device", "cpu", "predict", "--checkpoint", ckpt, "-o", out, filepath.Join(dir, "nope.jpg")})
	require.Error(t, err)
	assert.True(t, errs.IsData(err))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPredict_MissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	err := newApp().Run([]string{"canopy", "--device", "cpu", "predict", "--checkpoint", filepath.Join(dir, "none.ckpt"), filepath.Join(dir, "a.jpg")})
	require.Error(t, err)
	assert.True(t, errs.IsModelLoad(err))
}

func TestTrain_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	images, masks := filepath.Join(dir, "images"), filepath.Join(dir, "masks")
	require.NoError(t, os.MkdirAll(images, 0o755))
	require.NoError(t, os.MkdirAll(masks, 0o755))
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("tile%d", i)
		require.NoError(t, imaging.Save(imaging.New(32, 32, color.NRGBA{R: uint8(60 * i), G: 140, B: 30, A: 255}), filepath.Join(images, name+".jpg")))
		require.NoError(t, imaging.Save(imaging.New(32, 32, color.Gray{Y: uint8(255 * (i % 2))}), filepath.Join(masks, name+".png")))
	}
	ckpt := filepath.Join(dir, "run", "m.ckpt")

	err := newApp().Run([]string{
		"canopy", "--device", "cpu", "train",
		"--image-dir", images, "--mask-dir", masks,
		"--checkpoint", ckpt, "--epochs", "1", "--batch-size", "2", "--workers", "2",
	})
	require.NoError(t, err)

	info, err := checkpoint.ReadHeader(ckpt)
	require.NoError(t, err)
	require.NotNil(t, info.Training)
	assert.Equal(t, 0, info.Training.Epoch)
	assert.Equal(t, int64(1), info.Training.Step)
	assert.Equal(t, "Adam", info.Training.OptimizerType)
	assert.NotZero(t, info.Flags&checkpoint.FlagHasOptimizer)
}

type fakeBar struct {
	titles   []string
	finished bool
}

func (b *fakeBar) Advance(title string) { b.titles = append(b.titles, title) }
func (b *fakeBar) Finish() error {
	b.finished = true
	return nil
}

func TestTrainProgress(t *testing.T) {
	var bars []*fakeBar
	var out bytes.Buffer
	p := &trainProgress{
		newBar: func(title string, total int) (progressBar, error) {
			assert.Equal(t, 2, total)
			b := &fakeBar{}
			bars = append(bars, b)
			return b, nil
		},
		printer: pterm.Info.WithWriter(&out),
		success: pterm.Success.WithWriter(&out),
	}

	p.Batch(0, 0, 2, 0.9)
	p.Batch(0, 1, 2, 0.7)
	p.Epoch(0, 2, 0.8, true)
	p.Batch(1, 0, 2, 0.95)
	p.Batch(1, 1, 2, 0.85)
	p.Epoch(1, 2, 0.9, false)
	require.NoError(t, p.Err())

	require.Len(t, bars, 2)
	assert.True(t, bars[0].finished)
	assert.True(t, bars[1].finished)
	assert.Equal(t, []string{"Epoch 1 loss 0.9000", "Epoch 1 loss 0.7000"}, bars[0].titles)

	text := out.String()
	assert.Contains(t, text, "Epoch 1/2, Loss: 0.8000")
	assert.Contains(t, text, "Saved checkpoint (best loss 0.8000)")
	assert.Contains(t, text, "Epoch 2/2, Loss: 0.9000")
	assert.NotContains(t, text, "best loss 0.9000")
}

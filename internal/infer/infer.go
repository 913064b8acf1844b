// Package infer segments single images with a trained model and writes the
// overlay and mask next to each other in an output directory.
package infer

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/imageio"
	"github.com/born-ml/canopy/internal/logging"
	"github.com/born-ml/canopy/internal/model"
	"github.com/born-ml/canopy/internal/preprocess"
)

// TimestampLayout formats the run time embedded in output file names.
const TimestampLayout = "20060102_150405"

// Defaults.
const (
	DefaultColor   = "#00ff00"
	DefaultAlpha   = 0.5
	DefaultQuality = 95
)

// Options configures a Segmenter.
type Options struct {
	OutputDir string
	Color     string  // Overlay tint as hex, default DefaultColor
	Alpha     float64 // Tint weight; zero selects DefaultAlpha
	Quality   int     // JPEG quality of the overlay, default DefaultQuality
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// Result is the outcome of segmenting one image.
type Result struct {
	Source      string
	Overlay     *image.NRGBA // Input with tree pixels tinted, original size
	Mask        *image.Gray  // 1 for tree, 0 otherwise, original size
	OverlayPath string
	MaskPath    string
}

// Segmenter runs a model over single images.
type Segmenter[B tensor.Backend] struct {
	model   *model.Model[B]
	backend B
	opts    Options
	tint    color.NRGBA
	logger  *zap.SugaredLogger
}

// NewSegmenter creates a Segmenter writing into opts.OutputDir.
func NewSegmenter[B tensor.Backend](m *model.Model[B], backend B, opts Options) (*Segmenter[B], error) {
	if opts.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if opts.Color == "" {
		opts.Color = DefaultColor
	}
	if opts.Alpha == 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	tint, err := ParseColor(opts.Color)
	if err != nil {
		return nil, err
	}
	return &Segmenter[B]{
		model:   m,
		backend: backend,
		opts:    opts,
		tint:    tint,
		logger:  logging.OrNop(opts.Logger),
	}, nil
}

// Segment classifies every pixel of the image at path and writes
// <base>_segmented_<stamp>.jpg and <base>_mask_<stamp>.png.
//
// An image that cannot be decoded yields an *errs.DataError and nothing is
// written. Existing files are never replaced: if either name is taken, both
// files get the same numeric suffix.
func (s *Segmenter[B]) Segment(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, img, err := preprocess.LoadImage(path)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()

	x, err := preprocess.ImageTensor(data, s.backend)
	if err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}

	classes, err := s.predict(x)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %s", path)
	}

	mask := restore(classMask(classes, preprocess.Size), bounds.Dx(), bounds.Dy())
	overlay := Overlay(img, mask, s.tint, s.opts.Alpha)

	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	stamp := s.opts.Clock.Now().Format(TimestampLayout)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	paths, err := imageio.WriteGroup(s.opts.OutputDir, []imageio.Output{
		{Stem: base + "_segmented_" + stamp, Ext: ".jpg", Image: overlay, Quality: s.opts.Quality},
		{Stem: base + "_mask_" + stamp, Ext: ".png", Image: visible(mask)},
	})
	if err != nil {
		return nil, err
	}
	overlayPath, maskPath := paths[0], paths[1]
	s.logger.Infow("saved segmentation", "path", overlayPath)
	s.logger.Infow("saved mask", "path", maskPath)

	return &Result{
		Source:      path,
		Overlay:     overlay,
		Mask:        mask,
		OverlayPath: overlayPath,
		MaskPath:    maskPath,
	}, nil
}

// predict runs the model in eval mode without gradient recording.
func (s *Segmenter[B]) predict(x *tensor.Tensor[float32, B]) (classes []int32, err error) {
	prev := s.model.SetMode(model.ModeEval)
	defer s.model.SetMode(prev)
	defer model.NoGrad(s.backend)()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("forward pass: %v", r)
		}
	}()

	classes = s.model.Predict(x)
	if want := preprocess.Size * preprocess.Size; len(classes) != want {
		return nil, errors.Errorf("model produced %d pixels, want %d", len(classes), want)
	}
	return classes, nil
}

// Report summarizes a batch run.
type Report struct {
	Results []*Result
	Failed  []string
}

// ProcessDir segments every recognized image directly inside dir, in name
// order. A failing image is logged and skipped; the returned error combines
// all failures. Cancellation stops the run immediately.
func (s *Segmenter[B]) ProcessDir(ctx context.Context, dir string) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, errs.NewData("list", dir, err)
	}
	paths := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return filepath.Join(dir, e.Name()), e.Type().IsRegular() && imageio.HasExtension(e.Name(), imageio.ImageExtensions)
	})
	if len(paths) == 0 {
		return Report{}, errs.Dataf("list", dir, "no images found")
	}
	slices.Sort(paths)
	return s.ProcessPaths(ctx, paths)
}

// ProcessPaths segments each path in turn with the same failure handling as
// ProcessDir.
func (s *Segmenter[B]) ProcessPaths(ctx context.Context, paths []string) (Report, error) {
	var (
		report Report
		failed error
	)
	for _, path := range paths {
		res, err := s.Segment(ctx, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, multierr.Append(failed, ctxErr)
			}
			s.logger.Warnw("segmentation failed", "path", path, "error", err)
			report.Failed = append(report.Failed, path)
			failed = multierr.Append(failed, err)
			continue
		}
		report.Results = append(report.Results, res)
	}
	return report, failed
}

// Package dataset indexes labeled image/mask pairs, splits them into train
// and test subsets and streams them as preprocessed mini-batches.
//
// Typical use:
//
//	samples, err := dataset.Index(imageDir, maskDir, dataset.IndexOptions{})
//	trainSet, testSet, err := dataset.Split(samples, 0.2, 42)
//	loader := dataset.NewLoader(trainSet, dataset.LoaderConfig{BatchSize: 16, Shuffle: true}, dataset.PairTransform)
//	for batch, err := range loader.Batches(ctx, epoch) {
//	    ...
//	}
package dataset

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/imageio"
	"github.com/born-ml/canopy/internal/logging"
)

// Sample is an image file paired with its mask file.
type Sample struct {
	ImagePath string
	MaskPath  string
}

// Samples is an ordered list of samples.
type Samples []Sample

// Paths returns the image and mask paths as parallel slices.
func (s Samples) Paths() (images, masks []string) {
	images = make([]string, len(s))
	masks = make([]string, len(s))
	for i, sample := range s {
		images[i] = sample.ImagePath
		masks[i] = sample.MaskPath
	}
	return images, masks
}

// IndexOptions configures Index.
type IndexOptions struct {
	ImageExts []string // Recognized image extensions, default ".jpg"
	MaskExt   string   // Mask extension, default ".png"
	Logger    *zap.SugaredLogger
}

func (o IndexOptions) withDefaults() IndexOptions {
	if len(o.ImageExts) == 0 {
		o.ImageExts = []string{".jpg"}
	}
	if o.MaskExt == "" {
		o.MaskExt = ".png"
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// MaskName returns the mask file name for an image file name.
func MaskName(imageName, maskExt string) string {
	return strings.TrimSuffix(imageName, filepath.Ext(imageName)) + maskExt
}

// Index pairs every recognized image in imageDir with the same-named mask
// in maskDir.
//
// Images are visited in lexical order. An image whose mask is missing is
// skipped. Index fails with *errs.DataError when imageDir cannot be listed
// or when no pair is found.
func Index(imageDir, maskDir string, opts IndexOptions) (Samples, error) {
	opts = opts.withDefaults()

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errs.NewData("index", imageDir, err)
	}

	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), e.Type().IsRegular() && imageio.HasExtension(e.Name(), opts.ImageExts)
	})
	slices.Sort(names)

	samples := make(Samples, 0, len(names))
	for _, name := range names {
		maskPath := filepath.Join(maskDir, MaskName(name, opts.MaskExt))
		info, err := os.Stat(maskPath)
		if err != nil || !info.Mode().IsRegular() {
			opts.Logger.Debugw("skipping image without mask", "image", name, "mask", maskPath)
			continue
		}
		samples = append(samples, Sample{
			ImagePath: filepath.Join(imageDir, name),
			MaskPath:  maskPath,
		})
	}

	if len(samples) == 0 {
		return nil, errs.Dataf("index", imageDir, "no image/mask pairs found (%d images scanned)", len(names))
	}

	opts.Logger.Infow("indexed dataset", "pairs", len(samples), "images", len(names))
	return samples, nil
}

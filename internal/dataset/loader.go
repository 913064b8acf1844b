package dataset

import (
	"context"
	"iter"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/preprocess"
)

// Batch is a mini-batch of preprocessed samples laid out for the network.
type Batch struct {
	Images []float32 // [Size, Channels, Height, Width]
	Masks  []int32   // [Size, Height, Width]
	Size   int
	Height int
	Width  int
}

// Source yields the batches of an epoch. *Loader implements it.
type Source interface {
	NumBatches() int
	Batches(ctx context.Context, epoch int) iter.Seq2[*Batch, error]
}

// Transform loads and preprocesses one sample.
type Transform func(Sample) (*preprocess.Pair, error)

// PairTransform is the training Transform: it decodes, resizes and
// normalizes the image and binarizes the mask.
func PairTransform(s Sample) (*preprocess.Pair, error) {
	return preprocess.LoadPair(s.ImagePath, s.MaskPath)
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int    // Samples per batch (last batch may be smaller)
	Shuffle   bool   // Re-permute samples every epoch
	Seed      uint64 // Base seed for shuffling
	Workers   int    // Concurrent transforms per batch
}

// Loader streams a fixed set of samples as mini-batches.
//
// Samples of a batch are transformed concurrently by up to Workers
// goroutines, and the next batch is prepared while the caller consumes the
// current one. Workers share no mutable state; each writes only its own
// slot of the batch being assembled.
type Loader struct {
	samples   Samples
	cfg       LoaderConfig
	transform Transform
}

// NewLoader creates a loader over samples.
func NewLoader(samples Samples, cfg LoaderConfig, transform Transform) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if transform == nil {
		transform = PairTransform
	}
	return &Loader{samples: samples, cfg: cfg, transform: transform}
}

// Len returns the number of samples.
func (l *Loader) Len() int {
	return len(l.samples)
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// order returns the sample visiting order for an epoch.
func (l *Loader) order(epoch int) []int {
	if !l.cfg.Shuffle {
		idx := make([]int, len(l.samples))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	rng := rand.New(rand.NewPCG(l.cfg.Seed, uint64(epoch)))
	return rng.Perm(len(l.samples))
}

type batchResult struct {
	batch *Batch
	err   error
}

// Batches iterates the batches of one epoch.
//
// Iteration stops after the first error, which is yielded with a nil batch.
// Breaking out of the loop stops the background prefetch.
func (l *Loader) Batches(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// One batch of lookahead.
		results := make(chan batchResult, 1)
		go l.produce(runCtx, epoch, results)

		for res := range results {
			if !yield(res.batch, res.err) || res.err != nil {
				return
			}
		}

		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (l *Loader) produce(ctx context.Context, epoch int, out chan<- batchResult) {
	defer close(out)

	order := l.order(epoch)
	for start := 0; start < len(order); start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, len(order))

		batch, err := l.assemble(ctx, order[start:end])
		if ctx.Err() != nil {
			return
		}

		select {
		case out <- batchResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// assemble transforms the samples at indices and packs them into a Batch.
func (l *Loader) assemble(ctx context.Context, indices []int) (*Batch, error) {
	pairs := make([]*preprocess.Pair, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, sampleIdx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pair, err := l.transform(l.samples[sampleIdx])
			if err != nil {
				return err
			}
			pairs[i] = pair
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	height, width := pairs[0].Height, pairs[0].Width
	plane := height * width
	batch := &Batch{
		Images: make([]float32, 0, len(pairs)*preprocess.Channels*plane),
		Masks:  make([]int32, 0, len(pairs)*plane),
		Size:   len(pairs),
		Height: height,
		Width:  width,
	}
	for i, p := range pairs {
		sample := l.samples[indices[i]]
		if p.Height != height || p.Width != width {
			return nil, errs.Dataf("batch", sample.ImagePath, "sample is %dx%d, batch is %dx%d", p.Width, p.Height, width, height)
		}
		if len(p.Image) != preprocess.Channels*plane || len(p.Mask) != plane {
			return nil, errs.Dataf("batch", sample.ImagePath, "tensor sizes %d/%d do not match %dx%d", len(p.Image), len(p.Mask), width, height)
		}
		batch.Images = append(batch.Images, p.Image...)
		batch.Masks = append(batch.Masks, p.Mask...)
	}
	return batch, nil
}

// Package eval measures pixel accuracy of a segmentation model.
package eval

import (
	"context"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/dataset"
	"github.com/born-ml/canopy/internal/errs"
	"github.com/born-ml/canopy/internal/model"
	"github.com/born-ml/canopy/internal/preprocess"
)

// Result is the pixel tally of an evaluation.
type Result struct {
	Correct int64
	Total   int64
}

// Accuracy returns Correct/Total, or 0 for an empty result.
func (r Result) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Total)
}

// Evaluate returns the fraction of pixels in source whose arg-max class
// matches the mask.
//
// The model runs in eval mode without gradient recording; its previous mode
// and the recording state are restored on return. An empty source is a
// *errs.DataError.
func Evaluate[B tensor.Backend](ctx context.Context, m *model.Model[B], backend B, source dataset.Source) (float64, error) {
	res, err := Tally(ctx, m, backend, source)
	if err != nil {
		return 0, err
	}
	return res.Accuracy(), nil
}

// Tally is Evaluate returning raw counts.
func Tally[B tensor.Backend](ctx context.Context, m *model.Model[B], backend B, source dataset.Source) (Result, error) {
	if source.NumBatches() == 0 {
		return Result{}, errs.Dataf("evaluate", "", "test split is empty")
	}

	prev := m.SetMode(model.ModeEval)
	defer m.SetMode(prev)
	defer model.NoGrad(backend)()

	var res Result
	for batch, err := range source.Batches(ctx, 0) {
		if err != nil {
			return res, err
		}
		x, err := tensor.FromSlice(batch.Images, tensor.Shape{batch.Size, preprocess.Channels, batch.Height, batch.Width}, backend)
		if err != nil {
			return res, errors.Wrap(err, "image batch")
		}
		pred := m.Predict(x)
		if len(pred) != len(batch.Masks) {
			return res, errors.Errorf("model predicted %d pixels for %d mask pixels", len(pred), len(batch.Masks))
		}
		for i, p := range pred {
			if p == batch.Masks[i] {
				res.Correct++
			}
		}
		res.Total += int64(len(pred))
	}
	if res.Total == 0 {
		return res, errs.Dataf("evaluate", "", "test split produced no pixels")
	}
	return res, nil
}

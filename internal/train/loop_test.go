package train

import (
	"context"
	"errors"
	"iter"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/born-ml/canopy/internal/dataset"
	"github.com/born-ml/canopy/internal/errs"
)

// fixedSource yields n empty batches per epoch.
type fixedSource struct {
	n   int
	err error
}

func (s fixedSource) NumBatches() int { return s.n }

func (s fixedSource) Batches(_ context.Context, _ int) iter.Seq2[*dataset.Batch, error] {
	return func(yield func(*dataset.Batch, error) bool) {
		for i := 0; i < s.n; i++ {
			if s.err != nil && i == s.n-1 {
				yield(nil, s.err)
				return
			}
			if !yield(&dataset.Batch{Size: 1}, nil) {
				return
			}
		}
	}
}

// scriptedStepper returns losses[epoch] for every batch of that epoch.
type scriptedStepper struct {
	losses []float64
	epoch  int
	began  []int
}

func (s *scriptedStepper) BeginEpoch(epoch int) {
	s.epoch = epoch
	s.began = append(s.began, epoch)
}

func (s *scriptedStepper) Step(*dataset.Batch) (float64, error) {
	return s.losses[s.epoch], nil
}

type recordingSaver struct {
	epochs []int
	losses []float64
}

func (s *recordingSaver) Save(epoch int, loss float64) error {
	s.epochs = append(s.epochs, epoch)
	s.losses = append(s.losses, loss)
	return nil
}

type countingProgress struct {
	batches, epochs int
}

func (p *countingProgress) Batch(int, int, int, float64)  { p.batches++ }
func (p *countingProgress) Epoch(int, int, float64, bool) { p.epochs++ }

func TestLoop_SavesOnlyOnStrictImprovement(t *testing.T) {
	stepper := &scriptedStepper{losses: []float64{0.8, 0.6, 0.7, 0.5}}
	saver := &recordingSaver{}
	progress := &countingProgress{}
	loop := &Loop{
		Epochs:   4,
		Source:   fixedSource{n: 3},
		Stepper:  stepper,
		Saver:    saver,
		Progress: progress,
		Logger:   zaptest.NewLogger(t).Sugar(),
	}

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)

	// Epochs 1, 2 and 4 in 1-based terms.
	assert.Equal(t, []int{0, 1, 3}, saver.epochs)
	assert.Equal(t, []int{0, 1, 3}, summary.Saves)
	assert.InDeltaSlice(t, []float64{0.8, 0.6, 0.5}, saver.losses, 1e-12)
	assert.Equal(t, 4, summary.Epochs)
	assert.Equal(t, 3, summary.BestEpoch)
	assert.InDelta(t, 0.5, summary.BestLoss, 1e-12)
	assert.InDeltaSlice(t, []float64{0.8, 0.6, 0.7, 0.5}, summary.EpochLosses, 1e-12)
	assert.Equal(t, 12, progress.batches)
	assert.Equal(t, 4, progress.epochs)
}

func TestLoop_EqualLossIsNotImprovement(t *testing.T) {
	saver := &recordingSaver{}
	loop := &Loop{
		Epochs:  3,
		Source:  fixedSource{n: 1},
		Stepper: &scriptedStepper{losses: []float64{0.4, 0.4, 0.4}},
		Saver:   saver,
	}
	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, saver.epochs)
}

func TestLoop_Resume(t *testing.T) {
	stepper := &scriptedStepper{losses: []float64{9, 9, 9, 0.55, 0.45}}
	saver := &recordingSaver{}
	loop := &Loop{
		Epochs:  5,
		Source:  fixedSource{n: 2},
		Stepper: stepper,
		Saver:   saver,
		Resume:  &Position{Epoch: 2, Loss: 0.5},
	}

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, stepper.began)
	assert.Equal(t, []int{4}, saver.epochs, "0.55 does not beat the resumed best of 0.5")
	assert.Equal(t, 2, summary.Epochs)
}

func TestLoop_EmptySource(t *testing.T) {
	loop := &Loop{Epochs: 1, Source: fixedSource{n: 0}, Stepper: &scriptedStepper{}}
	_, err := loop.Run(context.Background())
	assert.True(t, errs.IsData(err))
}

func TestLoop_BatchErrorAborts(t *testing.T) {
	boom := errors.New("corrupt tile")
	saver := &recordingSaver{}
	loop := &Loop{
		Epochs:  2,
		Source:  fixedSource{n: 2, err: boom},
		Stepper: &scriptedStepper{losses: []float64{1, 1}},
		Saver:   saver,
	}
	summary, err := loop.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, saver.epochs)
	assert.Equal(t, 0, summary.Epochs)
}

type failingSaver struct{}

func (failingSaver) Save(int, float64) error { return errors.New("disk full") }

func TestLoop_SaveErrorAborts(t *testing.T) {
	loop := &Loop{
		Epochs:  2,
		Source:  fixedSource{n: 1},
		Stepper: &scriptedStepper{losses: []float64{1, 0.5}},
		Saver:   failingSaver{},
	}
	_, err := loop.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := &Loop{Epochs: 2, Source: fixedSource{n: 1}, Stepper: &scriptedStepper{losses: []float64{1, 1}}}
	summary, err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, math.IsInf(summary.BestLoss, 1))
	assert.Equal(t, -1, summary.BestEpoch)
}

package dataset

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/canopy/internal/preprocess"
)

// idTransform encodes the sample number into a tiny 2x2 pair.
func idTransform(s Sample) (*preprocess.Pair, error) {
	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s.ImagePath, "img"), ".jpg"))
	if err != nil {
		return nil, err
	}
	img := make([]float32, preprocess.Channels*4)
	for i := range img {
		img[i] = float32(id)
	}
	return &preprocess.Pair{
		Image:  img,
		Mask:   []int32{int32(id % 2), 0, 0, 1},
		Height: 2,
		Width:  2,
	}, nil
}

func collectIDs(t *testing.T, l *Loader, epoch int) ([]int, []int) {
	t.Helper()
	var ids, sizes []int
	for batch, err := range l.Batches(context.Background(), epoch) {
		require.NoError(t, err)
		require.Len(t, batch.Images, batch.Size*preprocess.Channels*4)
		require.Len(t, batch.Masks, batch.Size*4)
		sizes = append(sizes, batch.Size)
		for i := 0; i < batch.Size; i++ {
			ids = append(ids, int(batch.Images[i*preprocess.Channels*4]))
		}
	}
	return ids, sizes
}

func TestLoader_SequentialBatches(t *testing.T) {
	l := NewLoader(fakeSamples(10), LoaderConfig{BatchSize: 4, Workers: 3}, idTransform)
	assert.Equal(t, 10, l.Len())
	assert.Equal(t, 3, l.NumBatches())

	ids, sizes := collectIDs(t, l, 0)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
	assert.Equal(t, []int{4, 4, 2}, sizes)
}

func TestLoader_ShufflePerEpoch(t *testing.T) {
	l := NewLoader(fakeSamples(32), LoaderConfig{BatchSize: 5, Shuffle: true, Seed: 9, Workers: 4}, idTransform)

	e0, _ := collectIDs(t, l, 0)
	e0again, _ := collectIDs(t, l, 0)
	e1, _ := collectIDs(t, l, 1)

	assert.Equal(t, e0, e0again, "same epoch, same order")
	assert.NotEqual(t, e0, e1, "epochs are reshuffled")
	assert.ElementsMatch(t, e0, e1)
}

func TestLoader_TransformErrorStopsEpoch(t *testing.T) {
	boom := errors.New("boom")
	l := NewLoader(fakeSamples(9), LoaderConfig{BatchSize: 3, Workers: 2}, func(s Sample) (*preprocess.Pair, error) {
		if s.ImagePath == "img004.jpg" {
			return nil, boom
		}
		return idTransform(s)
	})

	var good int
	var gotErr error
	for batch, err := range l.Batches(context.Background(), 0) {
		if err != nil {
			gotErr = err
			assert.Nil(t, batch)
			continue
		}
		good++
	}
	assert.Equal(t, 1, good)
	assert.ErrorIs(t, gotErr, boom)
}

func TestLoader_MismatchedSizes(t *testing.T) {
	l := NewLoader(fakeSamples(2), LoaderConfig{BatchSize: 2}, func(s Sample) (*preprocess.Pair, error) {
		p, _ := idTransform(s)
		if s.ImagePath == "img001.jpg" {
			p.Height, p.Width = 1, 4
		}
		return p, nil
	})

	n := 0
	for _, err := range l.Batches(context.Background(), 0) {
		require.Error(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestLoader_EarlyBreak(t *testing.T) {
	var calls atomic.Int32
	l := NewLoader(fakeSamples(100), LoaderConfig{BatchSize: 2, Workers: 1}, func(s Sample) (*preprocess.Pair, error) {
		calls.Add(1)
		return idTransform(s)
	})

	for range l.Batches(context.Background(), 0) {
		break
	}
	// First batch, at most one prefetched and one in flight.
	assert.LessOrEqual(t, calls.Load(), int32(8))
}

func TestLoader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLoader(fakeSamples(4), LoaderConfig{BatchSize: 2}, idTransform)
	var gotErr error
	for _, err := range l.Batches(ctx, 0) {
		if err != nil {
			gotErr = err
		}
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}

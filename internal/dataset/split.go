package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/canopy/internal/errs"
)

// Split partitions samples into train and test subsets.
//
// The samples are permuted with a PCG generator seeded by seed, then the
// first ceil(len*testRatio) samples form the test subset. The same input and
// seed always give the same partition. The input slice is not modified.
func Split(samples Samples, testRatio float64, seed uint64) (train, test Samples, err error) {
	if testRatio < 0 || testRatio >= 1 || math.IsNaN(testRatio) {
		return nil, nil, errs.Dataf("split", "", "test ratio must be in [0, 1), got %v", testRatio)
	}

	n := len(samples)
	nTest := int(math.Ceil(float64(n) * testRatio))
	if n-nTest <= 0 {
		return nil, nil, errs.Dataf("split", "", "%d samples leave nothing to train on with test ratio %v", n, testRatio)
	}

	perm := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Perm(n)

	test = make(Samples, 0, nTest)
	train = make(Samples, 0, n-nTest)
	for i, idx := range perm {
		if i < nTest {
			test = append(test, samples[idx])
		} else {
			train = append(train, samples[idx])
		}
	}
	return train, test, nil
}

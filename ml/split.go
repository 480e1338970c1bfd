package ml

import (
	"errors"
	"math"
	"math/rand"
)

const (
	// DefaultTrainRatio is the share of rows used for fitting.
	DefaultTrainRatio = 0.7
	// DefaultSeed fixes the shuffle so repeated runs produce the same partitions.
	DefaultSeed int64 = 2529
)

// TrainTestSplit shuffles row indices with a seeded source and cuts them at
// floor(trainRatio*n). The same data and seed always give the same partitions.
func TrainTestSplit(ds *Dataset, trainRatio float64, seed int64) (train, test *Dataset, err error) {
	if ds == nil || ds.Len() == 0 {
		return nil, nil, errors.New("dataset is empty")
	}
	if trainRatio <= 0 || trainRatio >= 1 {
		trainRatio = DefaultTrainRatio
	}

	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(ds.Len())

	split := int(math.Floor(float64(ds.Len()) * trainRatio))
	if split == 0 {
		split = 1
	}
	return ds.Subset(indices[:split]), ds.Subset(indices[split:]), nil
}

package ml

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of memoized predictions.
const DefaultCacheSize = 1024

type cacheKey struct {
	fingerprint string
	vector      string
}

// CachedPredictor memoizes predictions of the active model. Prediction is a pure
// function of (artifact, vector), so a hit is always identical to a fresh score.
type CachedPredictor struct {
	source ModelSource
	cache  *lru.Cache[cacheKey, Prediction]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedPredictor wraps source with an LRU of the given size.
func NewCachedPredictor(source ModelSource, size int) (*CachedPredictor, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Prediction](size)
	if err != nil {
		return nil, err
	}
	return &CachedPredictor{source: source, cache: cache}, nil
}

// Model returns the model predictions are currently scored against.
func (c *CachedPredictor) Model() *Model {
	return c.source.Model()
}

func (c *CachedPredictor) Predict(features []float64) (Prediction, error) {
	return c.PredictWith(c.source.Model(), features)
}

// PredictWith scores features against m, which callers obtained from Model. Pinning the
// model keeps a response consistent with the fingerprint it reports during a reload.
func (c *CachedPredictor) PredictWith(m *Model, features []float64) (Prediction, error) {
	if m == nil {
		return Prediction{}, ErrNotTrained
	}
	key := cacheKey{fingerprint: m.Fingerprint(), vector: vectorKey(features)}
	if p, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return p, nil
	}
	c.misses.Add(1)

	p, err := m.Predict(features)
	if err != nil {
		return Prediction{}, err
	}
	c.cache.Add(key, p)
	return p, nil
}

// Purge drops every memoized prediction.
func (c *CachedPredictor) Purge() {
	c.cache.Purge()
}

// Stats reports cumulative hits and misses.
func (c *CachedPredictor) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedPredictor) Len() int {
	return c.cache.Len()
}

// vectorKey encodes exact float bits so distinct vectors never collide.
func vectorKey(features []float64) string {
	var b strings.Builder
	b.Grow(len(features) * 17)
	for i, v := range features {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(math.Float64bits(v), 16))
	}
	return b.String()
}

package ml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelStoreLoad(t *testing.T) {
	_, model, _ := trainedFixture(t)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveModel(path, model))

	store := NewModelStore(path)
	assert.Nil(t, store.Model())
	assert.Equal(t, path, store.Path())

	var swaps atomic.Int32
	store.OnSwap(func(*Model) { swaps.Add(1) })

	require.NoError(t, store.Load())
	require.NotNil(t, store.Model())
	assert.Equal(t, model.Fingerprint(), store.Model().Fingerprint())
	assert.EqualValues(t, 1, swaps.Load())

	// same artifact again is not a swap
	require.NoError(t, store.Load())
	assert.EqualValues(t, 1, swaps.Load())
}

func TestModelStoreRejectedReloadKeepsModel(t *testing.T) {
	_, model, _ := trainedFixture(t)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveModel(path, model))

	store := NewModelStore(path)
	require.NoError(t, store.Load())
	active := store.Model()

	var failures atomic.Int32
	store.OnReloadError(func(error) { failures.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte(`{"format_version": 9}`), 0o644))
	err := store.Load()
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Same(t, active, store.Model())
	assert.EqualValues(t, 1, failures.Load())
}

func TestModelStoreValidator(t *testing.T) {
	_, model, _ := trainedFixture(t)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveModel(path, model))

	errWrongSchema := errors.New("wrong schema")
	store := NewModelStore(path, WithValidator(func(*Model) error { return errWrongSchema }))
	assert.ErrorIs(t, store.Load(), errWrongSchema)
	assert.Nil(t, store.Model())
}

func TestModelStoreWatchReloads(t *testing.T) {
	ds, model, _ := trainedFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, SaveModel(path, model))

	store := NewModelStore(path)
	require.NoError(t, store.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	train, _, err := TrainTestSplit(ds, 0.5, 99)
	require.NoError(t, err)
	replacement, err := Train(train, DefaultTrainOptions())
	require.NoError(t, err)
	require.NotEqual(t, model.Fingerprint(), replacement.Fingerprint())

	// the watcher may start after the first write, so keep saving until it notices
	require.Eventually(t, func() bool {
		if err := SaveModel(path, replacement); err != nil {
			return false
		}
		return store.Model().Fingerprint() == replacement.Fingerprint()
	}, 5*time.Second, 50*time.Millisecond)
}

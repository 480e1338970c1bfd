package ml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ModelStore holds the artifact currently served. Reloads build a complete new *Model
// and swap the pointer, so readers see either the old or the new model, never a mix.
type ModelStore struct {
	path     string
	current  atomic.Pointer[Model]
	logger   *zap.Logger
	validate func(*Model) error

	mu       sync.Mutex
	onSwap   []func(*Model)
	onFailed []func(error)
}

// StoreOption configures a ModelStore.
type StoreOption func(*ModelStore)

// WithLogger sets the logger used for reload events.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *ModelStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithValidator rejects loaded models that fail fn; the previous model stays active.
func WithValidator(fn func(*Model) error) StoreOption {
	return func(s *ModelStore) {
		s.validate = fn
	}
}

func NewModelStore(path string, opts ...StoreOption) *ModelStore {
	s := &ModelStore{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ModelStore) Path() string {
	return s.path
}

// Model returns the active model, or nil before the first successful Load.
func (s *ModelStore) Model() *Model {
	return s.current.Load()
}

// OnSwap registers fn to run after every successful swap.
func (s *ModelStore) OnSwap(fn func(*Model)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwap = append(s.onSwap, fn)
}

// OnReloadError registers fn to run when a reload is rejected.
func (s *ModelStore) OnReloadError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = append(s.onFailed, fn)
}

// Load reads the artifact and makes it active.
func (s *ModelStore) Load() error {
	m, err := LoadModel(s.path)
	if err == nil && s.validate != nil {
		err = s.validate(m)
	}
	if err != nil {
		s.mu.Lock()
		hooks := append([]func(error){}, s.onFailed...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(err)
		}
		return err
	}
	s.Swap(m)
	return nil
}

// Swap makes m active.
func (s *ModelStore) Swap(m *Model) {
	prev := s.current.Swap(m)
	if prev != nil && prev.Fingerprint() == m.Fingerprint() {
		return
	}
	s.logger.Info("model activated",
		zap.String("path", s.path),
		zap.String("fingerprint", m.Fingerprint()),
		zap.Time("trained_at", m.TrainedAt()),
		zap.Int("features", m.Schema().Len()))

	s.mu.Lock()
	hooks := append([]func(*Model){}, s.onSwap...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(m)
	}
}

// Watch reloads the artifact whenever it is written, created, or renamed into place,
// until ctx is done. The directory is watched rather than the file because SaveModel
// replaces the file by rename.
func (s *ModelStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	s.logger.Info("watching model artifact", zap.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Warn("model reload rejected, keeping previous model",
					zap.String("path", target), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("model watcher error", zap.Error(err))
		}
	}
}

package classifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadObserver is told about every load attempt and how long it took.
type LoadObserver func(err error, took time.Duration)

// Status describes the store for the admin API.
type Status struct {
	Path      string     `json:"path"`
	Loaded    bool       `json:"loaded"`
	Kind      string     `json:"kind,omitempty"`
	Version   string     `json:"version,omitempty"`
	Checksum  string     `json:"checksum,omitempty"`
	LoadedAt  *time.Time `json:"loaded_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Store loads the artifact on first use and caches the result. Concurrent
// first requests share a single load; failures are never cached, so the next
// request retries.
type Store struct {
	path     string
	expected []string
	logger   *zap.Logger
	observe  LoadObserver

	group singleflight.Group

	mu      sync.RWMutex
	model   *Model
	lastErr error
}

func NewStore(path string, expected []string, logger *zap.Logger, observe LoadObserver) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:     path,
		expected: append([]string(nil), expected...),
		logger:   logger,
		observe:  observe,
	}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get(ctx context.Context) (*Model, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	ch := s.group.DoChan("load", func() (interface{}, error) {
		s.mu.RLock()
		cached := s.model
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		loaded, err := s.load()
		s.mu.Lock()
		if err == nil {
			s.model = loaded
		}
		s.lastErr = err
		s.mu.Unlock()
		return loaded, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

// Reload reads the artifact again. On failure the previously loaded model
// stays in service.
func (s *Store) Reload(ctx context.Context) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do("reload", func() (interface{}, error) {
		loaded, err := s.load()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastErr = err
		if err != nil {
			return nil, err
		}
		s.model = loaded
		return loaded, nil
	})
	if err != nil {
		s.logger.Warn("model reload failed; keeping previous model", zap.String("path", s.path), zap.Error(err))
		return nil, err
	}
	return v.(*Model), nil
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Path: s.path, Loaded: s.model != nil}
	if s.model != nil {
		st.Kind = s.model.Kind
		st.Version = s.model.Version
		st.Checksum = s.model.Checksum
		loadedAt := s.model.LoadedAt
		st.LoadedAt = &loadedAt
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Store) load() (*Model, error) {
	start := time.Now()
	m, err := Load(s.path, s.expected)
	took := time.Since(start)
	if s.observe != nil {
		s.observe(err, took)
	}
	if err != nil {
		s.logger.Error("model load failed", zap.String("path", s.path), zap.Error(err))
		return nil, err
	}
	s.logger.Info("model loaded",
		zap.String("path", s.path),
		zap.String("kind", m.Kind),
		zap.String("checksum", m.Checksum),
		zap.Duration("took", took),
	)
	return m, nil
}

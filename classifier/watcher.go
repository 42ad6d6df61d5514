package classifier

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Store whenever its artifact file is written or replaced.
// Bursts of events within the debounce window collapse into one reload.
type Watcher struct {
	mu       sync.Mutex
	store    *Store
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	pending  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:    store,
		watcher:  w,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the artifact's directory. Watching the directory rather than
// the file survives atomic rename-over saves. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching model artifact", zap.String("dir", dir))

	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing model watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("model watcher error", zap.Error(err))
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
		return
	}
	if event.Has(fsnotify.Remove) {
		w.logger.Warn("model artifact removed; keeping loaded model", zap.String("path", event.Name))
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	if m, err := w.store.Reload(ctx); err == nil {
		w.logger.Info("model reloaded from disk", zap.String("checksum", m.Checksum))
	}
}

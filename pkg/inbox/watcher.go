// Package inbox watches a directory for base images dropped by the
// scanner workstation and loads them into a study.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/imageio"
	"diffspect/pkg/study"
)

// ImageLoader receives the images found in the inbox
type ImageLoader interface {
	LoadImage(ctx context.Context, slot study.Slot, v *models.Volume) error
}

// Stats tracks watcher activity
type Stats struct {
	Loaded        int
	Failed        int
	Ignored       int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher loads <slot>.nii and <slot>.nii.gz files written to a directory.
// A file is loaded once it has been quiet for the debounce interval.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	loader   ImageLoader
	logger   *zap.Logger
	dir      string
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats

	// OnLoad is called after every load attempt, from the watcher goroutine
	OnLoad func(slot study.Slot, err error)
}

// NewWatcher creates a watcher on dir
func NewWatcher(dir string, loader ImageLoader, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  watcher,
		loader:   loader,
		logger:   logger,
		dir:      dir,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SlotForFile maps an inbox file name to the base image slot it fills
func SlotForFile(name string) (study.Slot, bool) {
	base := filepath.Base(name)
	if !imageio.IsNifti(base) {
		return 0, false
	}
	lower := strings.ToLower(base)
	lower = strings.TrimSuffix(lower, ".gz")
	lower = strings.TrimSuffix(lower, ".nii")

	slot, ok := study.ParseSlot(lower)
	if !ok || slot.Role() != study.RoleInput {
		return 0, false
	}
	return slot, true
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching inbox", zap.String("dir", w.dir))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Failed to close inbox watcher", zap.Error(err))
	}
	w.logger.Info("Inbox watcher stopped")
}

// Stats returns a copy of the activity counters
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 4)
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
			w.logger.Error("Inbox watcher error", zap.Error(err))

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := SlotForFile(event.Name); !ok {
		w.stats.Ignored++
		return
	}
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.pending[event.Name] = time.Now()
}

// processPending loads every file that has been quiet long enough
func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	now := time.Now()
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		slot, _ := SlotForFile(path)
		err := w.load(ctx, slot, path)

		w.mu.Lock()
		if err != nil {
			w.stats.Failed++
		} else {
			w.stats.Loaded++
		}
		w.mu.Unlock()

		if w.OnLoad != nil {
			w.OnLoad(slot, err)
		}
	}
}

func (w *Watcher) load(ctx context.Context, slot study.Slot, path string) error {
	v, err := imageio.Load(path, w.logger)
	if err != nil {
		w.logger.Error("Failed to read inbox image", zap.String("file", path), zap.Error(err))
		return err
	}
	if err := w.loader.LoadImage(ctx, slot, v); err != nil {
		w.logger.Error("Failed to load inbox image",
			zap.String("file", path),
			zap.Stringer("slot", slot),
			zap.Error(err))
		return err
	}
	w.logger.Info("Loaded inbox image", zap.String("file", path), zap.Stringer("slot", slot))
	return nil
}

// Package watch triggers a reload when the active configuration file changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the bursts of events editors produce on save
const DefaultDebounce = 300 * time.Millisecond

// Watcher watches one file and calls OnChange after it was written
type Watcher struct {
	Debounce time.Duration
	OnChange func(path string)

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	path   string
	dir    string
	logger *zap.Logger
}

// New creates a watcher. The file's directory is watched so that editors
// replacing the file atomically are noticed.
func New(path string, onChange func(string), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		Debounce: DefaultDebounce,
		OnChange: onChange,
		fsw:      fsw,
		logger:   logger,
	}
	if err := w.SetPath(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// SetPath retargets the watcher, typically after a configuration switch
func (w *Watcher) SetPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if dir != w.dir {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		if w.dir != "" {
			_ = w.fsw.Remove(w.dir)
		}
		w.dir = dir
	}
	w.path = abs
	w.logger.Info("watching configuration", zap.String("path", abs))
	return nil
}

// Path returns the watched file
func (w *Watcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Run dispatches change notifications until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("configuration file event", zap.String("event", ev.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.Debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			if w.OnChange != nil {
				w.OnChange(w.Path())
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	path, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return path == w.Path()
}

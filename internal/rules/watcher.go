package rules

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const debounceInterval = 200 * time.Millisecond

// Watcher reloads a rule file whenever it changes on disk and hands the new
// table to every registered listener. A file that fails to load is logged and
// the previous table stays in force.
type Watcher struct {
	path      string
	logger    *logrus.Logger
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	listeners []func(*Set)
	debounce  *time.Timer
	stopChan  chan struct{}
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// OnChange registers a listener for successfully reloaded tables
func (w *Watcher) OnChange(fn func(*Set)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start watches the rule file's directory so that editors which replace the
// file (rename over it) are picked up too.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			w.logger.WithError(closeErr).Error("Failed to close rules watcher")
		}
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = watcher

	go w.watchLoop()

	w.logger.WithField("path", w.path).Info("Watching rule table")
	return nil
}

// Close stops watching
func (w *Watcher) Close() error {
	close(w.stopChan)

	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(debounceInterval, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Rules watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	set, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("Rejected rule table update, keeping previous rules")
		return
	}

	w.mu.Lock()
	listeners := make([]func(*Set), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(set)
	}

	w.logger.WithFields(logrus.Fields{
		"path":    w.path,
		"version": set.Version,
		"crisis":  len(set.Crisis),
	}).Info("Rule table reloaded")
}

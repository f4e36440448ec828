package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileCallback is called with the path of a changed descriptor file
type FileCallback func(path string) error

// WatcherConfig holds configuration for the descriptor watcher
type WatcherConfig struct {
	Dir                string
	Extensions         []string // e.g. ".yaml"; empty matches every file
	StabilityThreshold time.Duration
	OnChange           FileCallback
	OnRemove           FileCallback
	Logger             zerolog.Logger
}

// Watcher monitors a descriptor directory and reports debounced file changes.
// A debounced event is reported as a change when the file exists at processing
// time and as a removal otherwise.
type Watcher struct {
	watcher            *fsnotify.Watcher
	dir                string
	extensions         []string
	stabilityThreshold time.Duration
	onChange           FileCallback
	onRemove           FileCallback
	logger             zerolog.Logger
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a new descriptor watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		dir:                cfg.Dir,
		extensions:         cfg.Extensions,
		stabilityThreshold: cfg.StabilityThreshold,
		onChange:           cfg.OnChange,
		onRemove:           cfg.OnRemove,
		logger:             cfg.Logger.With().Str("component", "descriptor-watcher").Logger(),
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start starts watching the directory
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.dir).Msg("Descriptor watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Descriptor watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.matches(event.Name) {
				w.debounce(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounce(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}

	w.debounceTimers[path] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.process(path)
		}
	})
}

func (w *Watcher) process(path string) {
	callback, kind := w.onRemove, "remove"
	if _, err := os.Stat(path); err == nil {
		callback, kind = w.onChange, "change"
	}
	if callback == nil {
		return
	}

	if err := callback(path); err != nil {
		w.logger.Error().
			Err(err).
			Str("path", path).
			Str("event", kind).
			Msg("Error handling descriptor event")
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, allowed := range w.extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

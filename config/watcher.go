package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/agentpipe/logging"
)

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	Logger   logging.Logger
}

// Watcher reloads a configuration file whenever it changes and hands every
// valid revision to a callback. Invalid revisions are logged and skipped.
type Watcher struct {
	path     string
	onChange func(*Config)
	opts     WatcherOptions
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so that editors replacing the file atomically are picked up.
func NewWatcher(path string, onChange func(*Config), optFns ...func(o *WatcherOptions)) (*Watcher, error) {
	opts := WatcherOptions{Debounce: 100 * time.Millisecond, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:     absPath,
		onChange: onChange,
		opts:     opts,
		watcher:  fw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go w.watchLoop(ctx)

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.opts.Logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}

		cfg, err := Load(w.path)
		if err != nil {
			w.opts.Logger.Warn("config reload failed", "path", w.path, "error", err)
			return
		}

		w.opts.Logger.Info("configuration reloaded", "path", w.path, "agents", len(cfg.Agents))
		w.onChange(cfg)
	})
}

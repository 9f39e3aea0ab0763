package shell

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/shellsync/internal/reconcile"
	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	// Debounce is the quiet period after the last file event before the
	// action runs. Default: 250ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *WatcherOptions) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ReloadWatcher runs an action whenever a file-backed archive index changes
// on disk. The containing directory is watched so atomic tmp+rename writes
// are seen.
type ReloadWatcher struct {
	path    string
	names   map[string]struct{}
	opts    WatcherOptions
	events  atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

type WatcherStats struct {
	Events  int64 `json:"events"`
	Reloads int64 `json:"reloads"`
	Errors  int64 `json:"errors"`
}

func NewReloadWatcher(path string, opts WatcherOptions) (*ReloadWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	opts.defaults()
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(abs)
	return &ReloadWatcher{
		path: abs,
		// sqlite writes land in the -wal file before a checkpoint
		names: map[string]struct{}{base: {}, base + "-wal": {}},
		opts:  opts,
	}, nil
}

func (w *ReloadWatcher) Stats() WatcherStats {
	return WatcherStats{
		Events:  w.events.Load(),
		Reloads: w.reloads.Load(),
		Errors:  w.errors.Load(),
	}
}

// Run blocks until ctx ends. ready, if non-nil, is closed once the watch is
// registered.
func (w *ReloadWatcher) Run(ctx context.Context, action func(context.Context) error, ready chan<- struct{}) error {
	log := w.opts.Logger
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	if ready != nil {
		close(ready)
	}
	log.Info("index watcher started", "path", w.path, "debounce", w.opts.Debounce)

	// the debouncer only signals; the action runs on this loop
	fire := make(chan struct{}, 1)
	debouncer := reconcile.NewDebouncer(w.opts.Debounce, func(struct{}) {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
	defer debouncer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("index watcher stopped", "path", w.path)
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.events.Add(1)
			debouncer.Notify(struct{}{})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.errors.Add(1)
			log.Warn("index watcher error", "path", w.path, "error", err)
		case <-fire:
			w.reloads.Add(1)
			if err := action(ctx); err != nil {
				w.errors.Add(1)
				log.Warn("reload after index change failed", "path", w.path, "error", err)
			}
		}
	}
}

func (w *ReloadWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	_, ok := w.names[filepath.Base(ev.Name)]
	return ok
}

package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/filex"
	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
)

// Reloader is what the watcher drives; *Store implements it.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// Watcher turns changes of the secret file into debounced reloads. It uses
// fsnotify on the parent directory, which also catches rename-based atomic
// rewrites, and falls back to polling the file fingerprint when native
// notification cannot be set up.
type Watcher struct {
	path         string
	reloader     Reloader
	logger       logging.Logger
	debounce     time.Duration
	pollInterval time.Duration

	newFSWatcher func() (*fsnotify.Watcher, error)
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithPollingOnly disables fsnotify.
func WithPollingOnly() WatcherOption {
	return func(w *Watcher) {
		w.newFSWatcher = func() (*fsnotify.Watcher, error) { return nil, errPollingOnly }
	}
}

var errPollingOnly = errors.New("native file notification disabled")

func NewWatcher(path string, reloader Reloader, logger logging.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	w := &Watcher{
		path:         filepath.Clean(path),
		reloader:     reloader,
		logger:       logger.With("module", "credentials.watcher"),
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
		newFSWatcher: fsnotify.NewWatcher,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done. Every burst of changes closer together than
// the debounce window produces exactly one Reload.
func (w *Watcher) Run(ctx context.Context) error {
	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	fsw, err := w.startNative()
	if err != nil {
		w.logger.Warn(ctx, "file notification unavailable, polling secret file",
			"path", w.path, "interval", w.pollInterval, "error", err)
		go w.poll(ctx, notify)
	} else {
		defer fsw.Close()
		go w.forwardEvents(ctx, fsw, notify)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			timer.Reset(w.debounce)
		case <-timer.C:
			if _, err := w.reloader.Reload(ctx); err != nil {
				w.logger.Debug(ctx, "reload after file change failed", "error", err)
			}
		}
	}
}

func (w *Watcher) startNative() (*fsnotify.Watcher, error) {
	fsw, err := w.newFSWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

func (w *Watcher) forwardEvents(ctx context.Context, fsw *fsnotify.Watcher, notify func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
				continue
			}
			notify()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "file watcher error", "error", err)
		}
	}
}

// relevant matches the secret file itself and the hidden "..data" style
// entries that Kubernetes volume updates swap atomically.
func (w *Watcher) relevant(name string) bool {
	name = filepath.Clean(name)
	return name == w.path || strings.HasPrefix(filepath.Base(name), "..")
}

func (w *Watcher) poll(ctx context.Context, notify func()) {
	last, _ := filex.Stat(w.path)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fp, err := filex.Stat(w.path)
			if err != nil {
				w.logger.Warn(ctx, "polling secret file failed", "error", err)
				continue
			}
			if fp != last {
				last = fp
				notify()
			}
		}
	}
}

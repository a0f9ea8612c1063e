package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the server-config file for changes and debounces bursts
// of filesystem events into a single reload signal, the way the teacher's
// v2/rag.FileWatcher debounces document-store events.
type Watcher struct {
	path          string
	debounceDelay time.Duration
	changed       chan struct{}
}

// NewWatcher creates a Watcher for path. DebounceDelay defaults to 250ms.
func NewWatcher(path string, debounceDelay time.Duration) *Watcher {
	if debounceDelay == 0 {
		debounceDelay = 250 * time.Millisecond
	}
	return &Watcher{
		path:          path,
		debounceDelay: debounceDelay,
		changed:       make(chan struct{}, 1),
	}
}

// Changed returns a channel that receives a value (at most one pending)
// each time the config file settles after being written.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changed
}

// Start begins watching until ctx is cancelled. The parent directory is
// watched rather than the file itself so that editors which replace the
// file (write-rename) are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := parentDir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if base(ev.Name) != base(w.path) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounceDelay, w.signal)
			} else {
				timer.Reset(w.debounceDelay)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

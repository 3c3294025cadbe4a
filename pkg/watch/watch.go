// Package watch reruns a callback when a source file changes.
//
// Design: A platform notifier (inotify on Linux, mtime polling elsewhere)
// reports raw change events; Run debounces them and invokes the callback
// from its own goroutine, so reruns never overlap.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// notifier reports changes to one file by sending on changes until ctx is
// done or it fails.
type notifier interface {
	watch(ctx context.Context, changes chan<- struct{}) error
}

// Watcher calls OnChange after the watched file settles
type Watcher struct {
	path     string
	onChange func(path string)
	debounce time.Duration
	interval time.Duration
	polling  bool
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long the file must stay quiet before the
// callback runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithPolling forces mtime polling at the given interval instead of the
// platform's native notifications.
func WithPolling(interval time.Duration) Option {
	return func(w *Watcher) {
		w.polling = true
		w.interval = interval
	}
}

// New returns a watcher for path. The file must exist.
func New(path string, onChange func(path string), opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		interval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

func (w *Watcher) notifier() notifier {
	if !w.polling {
		n, err := newNative(w.path)
		if err == nil {
			return n
		}
		logger.Warn("Native file notifications unavailable, polling", "error", err)
	}
	return &poller{path: w.path, interval: w.interval}
}

// Run blocks until ctx is done, invoking the callback once per burst of
// changes. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := make(chan struct{}, 1)
	errc := make(chan error, 1)
	n := w.notifier()
	go func() { errc <- n.watch(ctx, changes) }()

	log := logger.With("file", w.path)
	log.Info("Watching file")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch %s: %w", w.path, err)
		case <-changes:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			log.Debug("File changed")
			w.onChange(w.path)
		}
	}
}

// signal records a change without blocking; one pending event is enough.
func signal(changes chan<- struct{}) {
	select {
	case changes <- struct{}{}:
	default:
	}
}

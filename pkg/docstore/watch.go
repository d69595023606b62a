package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 15 * time.Millisecond

// Watch signals on the returned channel whenever the messaging documents
// change. Bursts of events within a short window collapse into one signal.
// The channel closes when ctx is done. If the watcher cannot start, Watch
// returns an error and callers fall back to polling.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.commDir()); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.commDir(), err)
	}

	out := make(chan struct{}, 1)
	go s.runWatcher(ctx, watcher, out)
	return out, nil
}

func (s *Store) runWatcher(ctx context.Context, watcher *fsnotify.Watcher, out chan<- struct{}) {
	defer close(out)
	defer func() { _ = watcher.Close() }()

	debounceTimer := newDebounceTimer()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			resetDebounceTimer(debounceTimer)

		case <-debounceTimer.C:
			select {
			case out <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("document watcher error; relying on polling")
			return
		}
	}
}

// newDebounceTimer creates a stopped timer whose channel holds no value.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}

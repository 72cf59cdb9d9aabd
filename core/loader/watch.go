package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates a model whenever one of its documents changes in a
// schema directory. It returns once watching has started; the watch ends
// when ctx is done or Close is called.
func (l *Loader) Watch(ctx context.Context) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		return errors.New("loader: already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	added := 0
	for _, dir := range l.dirs {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch schema directory")
			continue
		}
		added++
	}
	if added == 0 {
		watcher.Close()
		return errors.New("loader: no schema directory could be watched")
	}

	l.watcher = watcher
	l.stopCh = make(chan struct{})
	go l.watchLoop(ctx, watcher, l.stopCh)

	l.logger.Info().Strs("dirs", l.dirs).Msg("watching schema directories for changes")
	return nil
}

// Close stops the directory watcher, if any.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	return l.stopLocked(l.watcher)
}

func (l *Loader) stopLocked(w *fsnotify.Watcher) error {
	if l.watcher == nil || l.watcher != w {
		return nil
	}
	close(l.stopCh)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, stop <-chan struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			model, ok := modelFromPath(event.Name)
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("schema document changed")

			if err := l.Invalidate(ctx, model); err != nil {
				l.logger.Warn().Err(err).Str("model", model).Msg("schema invalidation failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("schema watcher error")

		case <-ctx.Done():
			l.watchMu.Lock()
			l.stopLocked(watcher)
			l.watchMu.Unlock()
			return

		case <-stop:
			return
		}
	}
}

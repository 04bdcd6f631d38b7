package localcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaceya/propsync/internal/appstate"
)

const watchDebounce = 50 * time.Millisecond

// Watch reports documents written to the cache file by other processes.
// Writes made through c itself are not reported. The channel is closed when
// ctx ends.
func (c *File) Watch(ctx context.Context) (<-chan appstate.AppState, error) {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: atomic writes replace the file, which would drop
	// a watch on the file itself.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	out := make(chan appstate.AppState, 1)
	go c.watchLoop(ctx, watcher, out)
	return out, nil
}

func (c *File) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan appstate.AppState) {
	defer close(out)
	defer watcher.Close()

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Str("path", c.path).Msg("local cache watch error")
		case <-timer.C:
			state, changed, err := c.externalChange()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					c.logger.Warn().Err(err).Str("path", c.path).Msg("re-read local cache failed")
				}
				continue
			}
			if !changed {
				continue
			}
			// Keep only the newest document if the reader is behind.
			select {
			case <-out:
			default:
			}
			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *File) externalChange() (appstate.AppState, bool, error) {
	data, err := c.readRaw()
	if err != nil {
		return appstate.AppState{}, false, err
	}
	if c.wroteLast(data) {
		return appstate.AppState{}, false, nil
	}
	state, _, err := appstate.Decode(data)
	if err != nil {
		return appstate.AppState{}, false, err
	}
	return state, true, nil
}

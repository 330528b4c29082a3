package zone

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchState holds the fsnotify plumbing for a catalog's config watcher.
type watchState struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// WatchConfig starts an fsnotify watcher on the given config file path.
// When the file is modified, the onReload callback is invoked with the
// absolute path of the changed file. Call StopWatch to clean up.
func (c *Catalog) WatchConfig(configPath string, onReload func(path string)) error {
	c.watch.mu.Lock()
	defer c.watch.mu.Unlock()

	if c.watch.watcher != nil {
		c.watch.stopLocked()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	c.watch.watcher = w
	c.watch.watchDone = make(chan struct{})

	go c.watchLoop(absPath, onReload)

	c.logger.Info("watching zone config for changes", "path", absPath)
	return nil
}

// watchLoop is the background goroutine that processes fsnotify events.
func (c *Catalog) watchLoop(targetPath string, onReload func(string)) {
	defer close(c.watch.watchDone)

	for {
		select {
		case event, ok := <-c.watch.watcher.Events:
			if !ok {
				return
			}
			// Only react to writes or creates of the target file.
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				c.logger.Info("zone config changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}

		case err, ok := <-c.watch.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (c *Catalog) StopWatch() {
	c.watch.mu.Lock()
	defer c.watch.mu.Unlock()
	c.watch.stopLocked()
}

func (ws *watchState) stopLocked() {
	if ws.watcher != nil {
		_ = ws.watcher.Close()
		if ws.watchDone != nil {
			<-ws.watchDone
		}
		ws.watcher = nil
		ws.watchDone = nil
	}
}

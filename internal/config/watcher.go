package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config files for changes and calls the callback with
// the freshly loaded config. SIGHUP-triggered reloads go through the same
// callback from main.
type Watcher struct {
	path      string
	usersPath string
	callback  func(*Config)
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher over both config files.
func NewWatcher(path, usersPath string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	if usersPath != "" {
		if err := w.Add(usersPath); err != nil {
			w.Close()
			return nil, err
		}
	}

	cw := &Watcher{
		path:      path,
		usersPath: usersPath,
		callback:  callback,
		watcher:   w,
		stopCh:    make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce: editors fire several events per save.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.Reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

// Reload loads the config files and fires the callback on success.
func (cw *Watcher) Reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path, cw.usersPath)
	if err != nil {
		slog.Error("config reload failed", "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher. Safe to call multiple times.
func (cw *Watcher) Stop() error {
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
	})
	return cw.watcher.Close()
}

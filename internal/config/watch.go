package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the event bursts editors emit on save
// (truncate + write, or write-to-temp + rename).
const debounceDelay = 250 * time.Millisecond

// Watcher hot-reloads a config file. On each change it re-runs Load and
// swaps the result into the shared *Config via ReplaceFrom, so components
// holding the pointer observe the new values. A file that fails to parse is
// logged and ignored; the previous config stays active.
type Watcher struct {
	path     string
	cfg      *Config
	onReload func()

	fw        *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path for changes. onReload (optional) runs after
// each applied reload, letting the caller re-derive state from the config —
// scheduler task enablement, skill toggles.
//
// The parent directory is watched rather than the file itself: editors that
// save via rename would otherwise silently detach the watch.
func Watch(path string, cfg *Config, onReload func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		cfg:      cfg,
		onReload: onReload,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(debounceDelay)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-debounce.C:
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config",
			"path", w.path, "error", err)
		return
	}
	if fresh.Hash() == w.cfg.Hash() {
		return
	}
	w.cfg.ReplaceFrom(fresh)
	slog.Info("config reloaded", "path", w.path, "hash", w.cfg.Hash())
	if w.onReload != nil {
		w.onReload()
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}

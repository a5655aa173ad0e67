package admin

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vcetai/vcet-assist/engine/ingest"
)

// DefaultDebounce is how long the document directory must be quiet before
// a rebuild starts.
const DefaultDebounce = 2 * time.Second

// Watcher triggers a rebuild when documents anywhere under a directory
// change. Bursts of events are coalesced into one rebuild.
type Watcher struct {
	dir      string
	debounce time.Duration
	rebuild  func(context.Context) error
	logger   *slog.Logger
	fw       *fsnotify.Watcher
	dirs     map[string]bool
}

// NewWatcher starts watching dir and its visible subdirectories.
func NewWatcher(dir string, debounce time.Duration, rebuild func(context.Context) error, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("admin: watcher: %w", err)
	}
	w := &Watcher{dir: dir, debounce: debounce, rebuild: rebuild, logger: logger, fw: fw, dirs: map[string]bool{}}
	if _, err := w.addTree(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("admin: watch %s: %w", dir, err)
	}
	return w, nil
}

// addTree watches root and every visible directory below it, returning the
// number of supported documents found.
func (w *Watcher) addTree(root string) (int, error) {
	docs := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if ingest.SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
				docs++
			}
			return nil
		}
		if path != w.dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return err
		}
		w.dirs[path] = true
		return nil
	})
	return docs, err
}

// track keeps the watch set in step with directory events. It reports
// whether the event changed which documents exist.
func (w *Watcher) track(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.dirs[ev.Name] {
			for d := range w.dirs {
				if d == ev.Name || strings.HasPrefix(d, ev.Name+string(filepath.Separator)) {
					delete(w.dirs, d)
				}
			}
			return true
		}
		return false
	}
	if !ev.Has(fsnotify.Create) || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	fi, err := os.Stat(ev.Name)
	if err != nil || !fi.IsDir() {
		return false
	}
	docs, err := w.addTree(ev.Name)
	if err != nil {
		w.logger.Warn("watch new directory", "dir", ev.Name, "err", err)
	}
	return docs > 0
}

// Run delivers debounced rebuilds until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := 0

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.track(ev) && !relevant(ev) {
				continue
			}
			pending++
			timer.Reset(w.debounce)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("document watcher error", "dir", w.dir, "err", err)
		case <-timer.C:
			w.logger.Info("documents changed, rebuilding", "dir", w.dir, "events", pending)
			pending = 0
			if err := w.rebuild(ctx); err != nil {
				w.logger.Error("watch rebuild failed", "err", err)
			}
		}
	}
}

// relevant reports whether ev touches a supported, visible document.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if !ingest.SupportedExtensions[strings.ToLower(filepath.Ext(name))] {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			return false
		}
	}
	return true
}

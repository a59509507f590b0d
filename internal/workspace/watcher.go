package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher marks the stager dirty when any staged source tree changes.
// The actual restage happens on the maintenance schedule or the next
// explicit StageIfDirty call.
type Watcher struct {
	stager  *Stager
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher watches every source directory of the stager, recursively.
func NewWatcher(stager *Stager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	w := &Watcher{stager: stager, watcher: fsw, logger: logger}

	for _, src := range stager.sources {
		if err := w.addRecursive(src.Dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Source dirs may not exist yet.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || name == "__pycache__" {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Run consumes fs events until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("source change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			w.stager.MarkDirty()
			// New subdirectories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				_ = w.addRecursive(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", slog.String("error", err.Error()))
		}
	}
}

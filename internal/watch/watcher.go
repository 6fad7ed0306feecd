// Package watch monitors a mirror folder for edits made outside the
// engine and feeds them to the orchestrator as external-change hints.
// The orchestrator's periodic pull remains the correctness backstop;
// the watcher only shortens the latency between an external edit and
// the pull that picks it up.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

const (
	// debounceInterval is how often pending filesystem events are
	// checked, batching rapid writes into a single hint per file.
	debounceInterval = 500 * time.Millisecond

	// settleWindow is how long a path must be quiet before its pending
	// event is delivered.
	settleWindow = 300 * time.Millisecond
)

// ExternalNotifier is the subset of the engine the watcher needs.
type ExternalNotifier interface {
	NotifyExternalChange(path string)
}

// Watcher monitors one mirror root recursively.
type Watcher struct {
	root     string
	notifier ExternalNotifier
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for the given mirror root.
func New(root string, notifier ExternalNotifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:     root,
		notifier: notifier,
		logger:   logger,
	}
}

// Watch blocks until the context is cancelled, delivering debounced
// external-change hints. Directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watching mirror root: %w", err)
	}

	w.logger.Info("mirror watcher started", slog.String("dir", w.root))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// Watch newly created directories. Lstat so symlinks
				// pointing outside the mirror are not followed.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = w.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
				w.notify(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			for absPath, t := range pending {
				if now.Sub(t) < settleWindow {
					continue
				}

				delete(pending, absPath)
				w.notify(absPath)
			}
		}
	}
}

// notify converts an absolute mirror path to the record key form and
// hands it to the engine.
func (w *Watcher) notify(absPath string) {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	relPath := norm.NFC.String(filepath.ToSlash(rel))

	w.logger.Debug("external change detected", slog.String("path", relPath))
	w.notifier.NotifyExternalChange(relPath)
}

// shouldIgnore filters dotfiles and the verify probe.
func (w *Watcher) shouldIgnore(absPath string) bool {
	base := filepath.Base(absPath)

	return strings.HasPrefix(base, ".")
}

// addRecursive watches dir and all its subdirectories, skipping hidden
// ones.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() {
			return nil
		}

		if path != dir && strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// Package file provides a descriptor watcher backed by a local file.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"garnish/internal/logging"
)

// Config holds file watcher configuration.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Watcher reads a descriptor document from a file on disk and signals
// when the file is rewritten.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new file watcher.
func New(cfg Config) *Watcher {
	return &Watcher{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "watcher", "type", "file"),
	}
}

// Payload reads the descriptor file.
func (w *Watcher) Payload(_ context.Context) (string, error) {
	b, err := os.ReadFile(w.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("read descriptor %q: %w", w.cfg.Path, err)
	}
	return string(b), nil
}

// Run watches the descriptor file until ctx is cancelled. The parent
// directory is watched rather than the file itself, so rewrites that
// replace the file (write to temp, rename over) are still seen.
func (w *Watcher) Run(ctx context.Context, notify chan<- struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.cfg.Path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	name := filepath.Base(w.cfg.Path)
	w.logger.Info("file watcher started", "path", w.cfg.Path)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopping")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("descriptor file changed", "op", ev.Op.String())
			select {
			case notify <- struct{}{}:
			default:
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watch error", "error", err)
		}
	}
}

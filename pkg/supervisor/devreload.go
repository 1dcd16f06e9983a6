package supervisor

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/phoenixd/internal/logger"
)

// DevReloader watches source or configuration paths during development
// and reports the first relevant change.
type DevReloader struct {
	watcher *fsnotify.Watcher
}

// NewDevReloader watches paths. Directories are watched recursively.
func NewDevReloader(paths []string) (*DevReloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && path != root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			if d.IsDir() || path == root {
				return w.Add(path)
			}
			return nil
		})
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return &DevReloader{watcher: w}, nil
}

// Run blocks until a watched file changes, calling changed once with its
// path, or until ctx is done. The watcher is closed on return.
func (d *DevReloader) Run(ctx context.Context, changed func(path string)) error {
	defer func() { _ = d.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || isHidden(filepath.Base(ev.Name)) || isEditorTemp(ev.Name) {
				continue
			}
			logger.Info("Watched file changed", "file", ev.Name, "op", ev.Op.String())
			changed(ev.Name)
			return nil
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", logger.Err(err))
		}
	}
}

// Close stops watching without waiting for a change. Run also closes
// the watcher when it returns.
func (d *DevReloader) Close() error {
	return d.watcher.Close()
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func isEditorTemp(name string) bool {
	return strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".tmp")
}

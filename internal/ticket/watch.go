package ticket

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the document when another process replaces or edits it.
// It blocks until ctx is cancelled.
func (r *Repository) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ticket store: watch: %w", err)
	}
	defer w.Close()

	// Watch the directory: atomic replacement swaps the inode, which would
	// silently end a watch on the file itself.
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("ticket store: watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if r.Reload() {
				r.logger.Info("ticket store reloaded after external edit", "path", r.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("ticket store: watch error", "error", err)
		}
	}
}

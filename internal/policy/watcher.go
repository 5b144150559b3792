package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chatguard.org/internal/obs"
)

// Watcher reloads a Store whenever its policy file changes. A file that fails to
// parse leaves the previous snapshot in place.
type Watcher struct {
	path  string
	store *Store
	fsw   *fsnotify.Watcher
}

// NewWatcher loads path into store once and prepares to follow changes.
func NewWatcher(ctx context.Context, path string, store *Store) (*Watcher, error) {
	if _, err := store.Reload(ctx, FileLoader(path)); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched rather than the file.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch policy dir: %w", err)
	}
	return &Watcher{path: filepath.Clean(path), store: store, fsw: fsw}, nil
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			obs.Logger().Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	n, err := w.store.Reload(ctx, FileLoader(w.path))
	if err != nil {
		obs.Logger().Warn("policy reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	obs.Logger().Info("policies reloaded", zap.String("path", w.path), zap.Int("count", n))
}

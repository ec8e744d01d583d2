package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gobeaver/treefs"
)

// watcher wraps fsnotify.Watcher with recursive registration. fsnotify only
// watches single directories, so every directory below the root is added and
// directories created later are added as they appear.
type watcher struct {
	fs *fsys
	w  *fsnotify.Watcher
}

func newWatcher(s *fsys) (*watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{fs: s, w: w}, nil
}

// addTree watches dir and every directory below it.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished between listing and visiting
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.w.Add(p)
	})
}

// run forwards events until ctx is done or the watcher is closed.
func (w *watcher) run(ctx context.Context) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.fs.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	// permission changes do not change content
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.fs.root, event.Name)
	if err != nil {
		return
	}
	path := treefs.SplitPath(filepath.ToSlash(rel))

	if event.Has(fsnotify.Create) {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.fs.log.Warn().Err(err).Str("path", rel).Msg("failed to watch new directory")
			}
		}
	}

	w.fs.log.Debug().Str("path", rel).Str("op", event.Op.String()).Msg("external change")
	w.fs.hub.Dispatch(treefs.Lineage(path)...)
}

// Watch reports changes made below d by other processes to the registered
// listeners, until ctx is done. It returns once the watches are in place.
// Changes made through the backend itself are reported regardless, so they
// may be delivered twice while a watch is running.
func (d *Directory) Watch(ctx context.Context) error {
	path, err := d.live("watch")
	if err != nil {
		return err
	}

	w, err := newWatcher(d.fs)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := w.addTree(d.fs.abs(path)); err != nil {
		w.w.Close()
		return fmt.Errorf("watch %s: %w", d.ID(), err)
	}

	go w.run(ctx)
	return nil
}

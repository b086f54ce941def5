package fswatch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to a set of files and directories. Directories
// are watched recursively for any change to their entries; files are
// watched through their parent directory and filtered by name.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    map[string]bool            // directories watched in full
	files   map[string]map[string]bool // parent directory -> watched file names
}

// New creates a watcher over paths. Empty and missing paths are skipped.
func New(paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		watcher: fw,
		dirs:    map[string]bool{},
		files:   map[string]map[string]bool{},
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			fw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) add(path string) error {
	if path == "" {
		return nil
	}

	path = filepath.Clean(path)
	fi, err := os.Stat(path)
	if err != nil {
		log.Warn("Not watching missing path", "path", path, "err", err)
		return nil
	}

	if fi.IsDir() {
		return w.addTree(path)
	}

	dir := filepath.Dir(path)
	if w.files[dir] == nil {
		w.files[dir] = map[string]bool{}
	}
	w.files[dir][filepath.Base(path)] = true

	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return nil
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.dirs[path] = true
		return nil
	})
}

// Watched returns the number of directories under watch.
func (w *Watcher) Watched() int {
	return len(w.watcher.WatchList())
}

// Watch calls notify for every relevant change until ctx is cancelled. The
// underlying watcher is closed on return.
func (w *Watcher) Watch(ctx context.Context, notify func()) {
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) && w.dirs[filepath.Dir(event.Name)] {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						log.Warn("Failed to watch new directory", "path", event.Name, "err", err)
					}
				}
			}
			log.Debug("File change detected", "path", event.Name, "op", event.Op)
			notify()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error("File watcher error", "err", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	dir := filepath.Dir(name)
	if w.dirs[dir] {
		return true
	}
	return w.files[dir][filepath.Base(name)]
}

// Close releases the watcher without watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

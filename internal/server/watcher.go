package server

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/livetemplate/liveserve/internal/fsys"
)

// Watcher watches the project directory and reports changed files as
// filesystem paths ("/css/site.css").
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      *fsys.Dir
	ignore   map[string]bool
	onChange func(path string) error
	done     chan bool
	debug    bool
}

// NewWatcher creates a new file watcher for the project directory.
// Directories named in ignore are not watched.
func NewWatcher(dir *fsys.Dir, ignore []string, onChange func(string) error, debug bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		dir:      dir,
		ignore:   make(map[string]bool, len(ignore)),
		onChange: onChange,
		done:     make(chan bool),
		debug:    debug,
	}
	for _, name := range ignore {
		w.ignore[name] = true
	}

	if err := w.addDirectoryRecursive(dir.Root()); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// addDirectoryRecursive adds a directory and all its subdirectories to the watcher.
func (w *Watcher) addDirectoryRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		// Hidden dirs (.git, .liveserve) never hold previewed content
		name := info.Name()
		if path != root && (strings.HasPrefix(name, ".") || w.ignore[name]) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			return err
		}

		if w.debug {
			log.Printf("[Watch] Added directory: %s", path)
		}
		return nil
	})
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handle(event)

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Watch] Error: %v", err)

			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) handle(event fsnotify.Event) {
	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	if event.Op&changed == 0 {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectoryRecursive(event.Name); err != nil {
				log.Printf("[Watch] Failed to watch %s: %v", event.Name, err)
			}
			return
		}
	}

	p, ok := w.dir.ProjectPath(event.Name)
	if !ok || w.skipped(p) {
		return
	}

	if w.debug {
		log.Printf("[Watch] File changed: %s (%s)", p, event.Op)
	}

	if err := w.onChange(p); err != nil {
		log.Printf("[Watch] Reload failed for %s: %v", p, err)
	}
}

// skipped reports whether p lies in a hidden or ignored directory.
func (w *Watcher) skipped(p string) bool {
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if strings.HasPrefix(seg, ".") || w.ignore[seg] {
			return true
		}
	}
	return false
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

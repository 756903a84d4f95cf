package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the broker's static tokens file for changes using
// fsnotify, so token edits take effect without a restart. The admin adds a
// token to tokens.yaml, the watcher fires, and the broker's static token
// set updates in memory.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// WatchTokens creates a file watcher on the tokens file's directory and
// fires onChange whenever that file is written or created. The directory is
// watched rather than the file itself so that editors which replace the
// file (write temp, rename over) still trigger an event.
func WatchTokens(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(filepath.Base(path), onChange)

	slog.Info("tokens file watcher started", "path", path)
	return w, nil
}

// processEvents reads fsnotify events and fires the callback on matching
// write/create events. Runs until Close() is called.
func (w *Watcher) processEvents(filename string, onChange func()) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			slog.Info("tokens file changed, triggering reload")
			onChange()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies on writes to a single file, coalescing the burst of
// filesystem events a single save can produce (many editors write via a
// temp-file-then-rename, each step raising its own event) down to one
// notification per actual content change.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	checksum [32]byte
}

// NewWatcher starts watching the directory containing path (watching the
// containing directory, not the file itself, survives editors that
// replace the file via rename rather than in-place write).
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch directory %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, watcher: w, checksum: checksumFile(path)}, nil
}

// Watch runs until ctx is cancelled, sending on changes whenever path's
// content checksum differs from what was last observed. The channel is
// closed when Watch returns.
func (w *Watcher) Watch(ctx context.Context) <-chan struct{} {
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer w.watcher.Close()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				sum := checksumFile(w.path)
				if sum == w.checksum {
					continue
				}
				w.checksum = sum
				select {
				case changes <- struct{}{}:
				default:
				}
			case <-w.watcher.Errors:
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

func checksumFile(path string) [32]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(data)
}

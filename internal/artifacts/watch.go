package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForFile blocks until path exists or ctx is done. The parent directory
// must already exist; it is watched for create and rename events so the wait
// does not poll.
func WaitForFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	// Checked after Add so a file created in between is not missed.
	if fileExists(path) {
		return nil
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if fileExists(path) {
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

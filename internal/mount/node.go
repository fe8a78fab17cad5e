package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"k8s.io/klog/v2"
)

// NodeWaiter blocks until a device node exists or the timeout expires.
type NodeWaiter func(path string, timeout time.Duration) error

// WaitForNode watches the parent directory of path for the node to be created.
func WaitForNode(path string, timeout time.Duration) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err == nil || timeout <= 0 {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	// the node may have shown up before the watch was in place
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher for %s closed", path)
			}
			if filepath.Clean(event.Name) == path && event.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				klog.Warningf("Error watching for device node %s: %v", path, err)
			}
		case <-timer.C:
			return fmt.Errorf("device node %s did not appear within %s: %w", path, timeout, os.ErrNotExist)
		}
	}
}

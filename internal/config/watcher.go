package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and invokes fn
// with the fresh config. Invalid edits are logged and skipped, keeping the
// last good config in effect. Watching stops when the returned cancel
// function is called.
//
// The parent directory is watched rather than the file itself: editors that
// write via rename (vim, most IDEs) replace the inode, which would silently
// kill a file-level watch.
func Watch(path string, fn func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		var lastReload time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire several events per save; debounce.
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload of %s failed, keeping previous: %v", path, err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	cancel := func() {
		close(done)
		watcher.Close()
	}
	return cancel, nil
}

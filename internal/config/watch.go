package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and hands valid configs to
// onChange. Invalid edits are logged and skipped — the running config is
// never replaced by a broken one. Returns a stop function.
//
// The parent directory is watched rather than the file itself so
// editor-style atomic saves (write temp, rename over) keep working.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	closed := make(chan struct{})
	go func() {
		var debounce *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-closed:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire several events per save; coalesce them.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Printf("config: reload skipped: %v", err)
						return
					}
					log.Printf("config: reloaded %s", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(closed)
		watcher.Close()
	}, nil
}

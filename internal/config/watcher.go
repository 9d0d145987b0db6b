package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls fn with
// the new value. Invalid intermediate states (editors often write in several
// steps) are skipped silently. The returned cancel func stops the watcher.
func Watch(path string, fn func(Config)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors that replace-on-save swap
	// the inode, which would silently kill a file-level watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	base := filepath.Base(path)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}

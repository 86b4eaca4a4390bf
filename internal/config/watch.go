package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchStoredFor re-reads the stored-for allowlist whenever the
// configured file changes and hands the merged key set to onChange.
// It blocks until ctx is done. Watching the parent directory rather
// than the file itself survives editors and tools that replace the
// file by rename.
func (c *Config) WatchStoredFor(ctx context.Context, onChange func([]string)) error {
	if c.StoredFor.File == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(c.StoredFor.File)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			keys, err := c.StoredForKeys()
			if err != nil {
				log.Printf("config: reload stored-for: %v", err)
				continue
			}
			log.Printf("config: stored-for reloaded, %d keys", len(keys))
			onChange(keys)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

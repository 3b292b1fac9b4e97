package playbook

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the registry from path whenever the file is written or
// replaced, until ctx is cancelled. onReload, when set, receives the outcome
// of every attempt.
//
// The parent directory is watched rather than the file, so the watch
// survives atomic saves (rename over the file) and Kubernetes ConfigMap
// updates, where path is a symlink whose target directory is swapped and
// then deleted.
func Watch(ctx context.Context, r *Registry, path string, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	realPath, _ := filepath.EvalSymlinks(target)
	log.Info().Str("path", target).Msg("watching playbooks for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			current, _ := filepath.EvalSymlinks(target)
			written := filepath.Clean(event.Name) == target &&
				(event.Has(fsnotify.Write) || event.Has(fsnotify.Create))
			swapped := current != "" && current != realPath
			if !written && !swapped {
				continue
			}
			realPath = current
			err := r.Reload(target)
			if onReload != nil {
				onReload(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("path", target).Msg("playbook watcher error")
		}
	}
}

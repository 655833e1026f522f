package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever its configuration file changes on
// disk. Events are debounced because editors and config pushers commonly
// emit several write events per save. Returns a stop function.
func (r *Registry) Watch(ctx context.Context) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: atomic-rename updates replace the
	// inode and would otherwise silently detach the watch.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go r.watchLoop(ctx, watcher, done)

	return func() {
		watcher.Close()
		<-done
	}, nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan<- struct{}) {
	defer close(done)

	const debounce = 250 * time.Millisecond
	var pending *time.Timer
	var pendingC <-chan time.Time

	target, _ := filepath.Abs(r.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if name, _ := filepath.Abs(event.Name); name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
				pendingC = pending.C
			} else {
				pending.Reset(debounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := r.Reload(); err != nil {
				// Reload already logged the rejection; the previous
				// generation remains in service.
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

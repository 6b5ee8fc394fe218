package tokenstore

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the store file and invokes reload after external rotations
// settle. Atomic replaces surface as Rename events, so removed paths are
// re-added before the debounce fires. The watcher stops when stop is closed.
func Watch(stop <-chan struct{}, reload func(), paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := false
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			slog.Error("tokenstore: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("tokenstore: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if reload != nil {
					reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("tokenstore: watch error", "err", err)
			}
		}
	}()
	return nil
}

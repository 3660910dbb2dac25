package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettings publishes settings_changed whenever the live settings file
// is written, replaced or removed, by us or by anything else. Bursts within
// the debounce window collapse into one event. A watcher that cannot start
// is logged and skipped; the API keeps serving without it.
func (d *Daemon) watchSettings(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn().Err(err).Msg("settings watcher unavailable")
		return nil
	}
	defer w.Close()

	target := filepath.Clean(d.cfg.SettingsPath)
	// Atomic replaces swap the inode, so watch the directory, not the file.
	if err := w.Add(filepath.Dir(target)); err != nil {
		d.logger.Warn().Err(err).Str("path", target).Msg("settings directory not watchable")
		return nil
	}

	var (
		fire   <-chan time.Time
		lastOp fsnotify.Op
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			lastOp = ev.Op
			fire = time.After(d.debounce)

		case <-fire:
			fire = nil
			d.publish(EventSettingsChanged, SettingsChangeData{Path: target, Op: lastOp.String()})

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

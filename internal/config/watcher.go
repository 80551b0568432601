package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"spark/internal/logging"
)

// TuneablesWatcher watches tuneables.json and flags the holder dirty on
// change. The actual reload happens once per bridge cycle, so a flurry of
// editor saves costs one re-read at most.
type TuneablesWatcher struct {
	watcher  *fsnotify.Watcher
	holder   *TuneablesHolder
	path     string
	debounce time.Duration
	log      *zap.Logger
}

// NewTuneablesWatcher creates a watcher over the directory containing the
// tuneables file. Watching the directory instead of the file survives
// editors that replace-on-save.
func NewTuneablesWatcher(path string, holder *TuneablesHolder) (*TuneablesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &TuneablesWatcher{
		watcher:  w,
		holder:   holder,
		path:     path,
		debounce: 500 * time.Millisecond,
		log:      logging.Named("config"),
	}, nil
}

// Run blocks until ctx is cancelled, marking the holder dirty whenever the
// tuneables file is written, created, or renamed into place.
func (tw *TuneablesWatcher) Run(ctx context.Context) {
	defer tw.watcher.Close()

	var lastMark time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(tw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Since(lastMark) < tw.debounce {
				continue
			}
			lastMark = time.Now()
			tw.holder.MarkDirty()
			tw.log.Debug("tuneables marked dirty", zap.String("path", ev.Name))
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.log.Warn("tuneables watcher error", zap.Error(err))
		}
	}
}

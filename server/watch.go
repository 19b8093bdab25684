package server

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pixelclass/pixelclass/checkpoints"
)

const (
	watchTick   = 100 * time.Millisecond
	watchSettle = 300 * time.Millisecond
)

// Watch reloads the store whenever model.json or weights.bin in its directory
// changes. Bursts of events are debounced until the files settle. Watch
// blocks until ctx is done. onReload, when non-nil, receives each reload
// result.
func Watch(ctx context.Context, store *ModelStore, onReload func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(store.Dir()); err != nil {
		return err
	}
	log.Printf("watching %s for model updates", store.Dir())

	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	var pending time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isModelFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < watchSettle {
				continue
			}
			pending = time.Time{}
			err := store.Reload()
			if err != nil {
				log.Printf("model reload failed, keeping current model: %v", err)
			} else {
				log.Printf("reloaded model from %s", store.Dir())
			}
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		}
	}
}

func isModelFile(path string) bool {
	switch filepath.Base(path) {
	case checkpoints.ModelFileName, checkpoints.WeightsFileName:
		return true
	}
	return false
}

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vpn-usage-engine/internal/models"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader feeds schedule changes into a Scheduler. Every signal received on
// Signals and every write to File triggers Load followed by Reschedule.
type Reloader struct {
	Scheduler *Scheduler
	Load      func() (models.ScheduleConfig, error)
	File      string
	Signals   <-chan os.Signal
	// Reloaded, when set, receives the outcome of every reload attempt.
	Reloaded chan<- error
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrors <-chan error

	if r.File != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create schedule watcher: %w", err)
		}
		defer watcher.Close()

		// Watch the directory so editors that replace the file are still seen
		if err := watcher.Add(filepath.Dir(r.File)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", r.File, err)
		}
		events = watcher.Events
		watchErrors = watcher.Errors

		zap.L().Info("Watching schedule file", zap.String("file", r.File))
	}

	target := filepath.Clean(r.File)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-r.Signals:
			if !ok {
				r.Signals = nil
				continue
			}
			zap.L().Info("Reload signal received", zap.String("signal", sig.String()))
			r.reload(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			zap.L().Info("Schedule file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			r.reload(ctx)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			zap.L().Warn("Schedule watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	cfg, err := r.Load()
	if err == nil {
		err = r.Scheduler.Reschedule(cfg)
	}
	if err != nil {
		zap.L().Error("Schedule reload rejected, keeping current schedule", zap.Error(err))
	}
	if r.Reloaded != nil {
		select {
		case r.Reloaded <- err:
		case <-ctx.Done():
		}
	}
}

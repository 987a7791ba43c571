package backlog

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/telemetry"
)

// Watcher re-parses a backlog file whenever it changes on disk and
// publishes the tickets of every version that parses cleanly.
type Watcher struct {
	path    string
	logger  *slog.Logger
	updates chan []models.Ticket
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		logger:  telemetry.Component(logger, "backlog"),
		updates: make(chan []models.Ticket, 4),
	}
}

// Updates is closed when the context given to Start is done.
func (w *Watcher) Updates() <-chan []models.Ticket {
	return w.updates
}

// Start watches the backlog's directory so editors that replace the file
// by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.updates)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				tickets, err := Parse(abs)
				if err != nil {
					// Usually a half-written file; the next write event retries.
					w.logger.Warn("backlog changed but did not parse", "path", abs, "error", err)
					continue
				}
				w.logger.Info("backlog changed", "path", abs, "tickets", len(tickets))
				select {
				case w.updates <- tickets:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("backlog watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Watch blocks until ctx is done, calling fn with each new version of the
// backlog at path. Errors from fn are logged and do not stop the watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(context.Context, []models.Ticket) error) error {
	w := NewWatcher(path, logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	for tickets := range w.Updates() {
		if err := fn(ctx, tickets); err != nil {
			w.logger.Error("backlog reload failed", "path", path, "error", err)
		}
	}
	return ctx.Err()
}

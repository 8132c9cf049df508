package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to a watched file. It is also the payload of
// bus.TopicConfigReload.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

type Watcher struct {
	homeDir string
	bus     *bus.Bus
	logger  *slog.Logger
	events  chan ReloadEvent
}

// NewWatcher watches config.yaml under homeDir. eventBus may be nil.
func NewWatcher(homeDir string, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		bus:     eventBus,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory so that editors replacing config.yaml
// via rename are still seen. Events stop when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				re := ReloadEvent{Path: ev.Name, Op: ev.Op}
				select {
				case w.events <- re:
				default:
				}
				if w.bus != nil {
					w.bus.Publish(bus.TopicConfigReload, re)
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

package emulator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"relaykit/internal/domain"
	"relaykit/internal/infra/config"
)

// Watcher feeds worker spec file changes into the Controller. Events for one
// worker are applied in the order observed; the Controller's update lock
// provides the per-worker FIFO guarantee.
type Watcher struct {
	ctrl    *Controller
	logger  *slog.Logger
	fw      *fsnotify.Watcher
	workers map[string]string // absolute spec path -> worker name
}

// NewWatcher registers the given worker spec files for change tracking.
// The containing directories are watched so editor save-via-rename still
// produces events.
func NewWatcher(ctrl *Controller, workers []config.WorkerFileConfig, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		ctrl:    ctrl,
		logger:  logger,
		fw:      fw,
		workers: make(map[string]string, len(workers)),
	}

	dirs := make(map[string]bool)
	for _, wc := range workers {
		abs, err := filepath.Abs(wc.Path)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.workers[abs] = wc.Name
		dir := filepath.Dir(abs)
		if !dirs[dir] {
			if err := fw.Add(dir); err != nil {
				fw.Close()
				return nil, err
			}
			dirs[dir] = true
		}
	}
	return w, nil
}

// Run applies the initial state of every watched spec, then processes change
// events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for path := range w.workers {
		w.apply(ctx, path)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return domain.ErrWatcherStopped
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, tracked := w.workers[abs]; tracked {
				w.apply(ctx, abs)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return domain.ErrWatcherStopped
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops event delivery.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) apply(ctx context.Context, path string) {
	name := w.workers[path]

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("cannot read worker spec", "worker", name, "path", path, "error", err)
		return
	}

	var spec domain.WorkerSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		w.logger.Warn("cannot parse worker spec", "worker", name, "path", path, "error", err)
		return
	}
	if spec.Name == "" {
		spec.Name = name
	}

	url, err := w.ctrl.Update(ctx, spec)
	if err != nil {
		w.logger.Warn("worker update failed", "worker", spec.Name, "error", err)
		return
	}
	w.logger.Info("worker reloaded", "worker", spec.Name, "url", url)
}

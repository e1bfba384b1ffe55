package procman

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps stale PID files on a cron schedule.
type Janitor struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewJanitor schedules a recurring sweep. schedule accepts cron expressions
// and @every shorthands; empty disables the janitor and returns nil.
func NewJanitor(m *Manager, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if removed := m.Sweep(); removed > 0 {
			logger.Info("janitor removed stale pid files", "count", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}

	return &Janitor{cron: c, logger: logger}, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

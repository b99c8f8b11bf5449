package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps settled answers nobody polled.
type Janitor struct {
	store     *Store
	retention time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor running on a standard cron expression or
// descriptor such as "@every 1m".
func NewJanitor(store *Store, expr string, retention time.Duration, logger *slog.Logger) (*Janitor, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule: %w", err)
	}
	return &Janitor{
		store:     store,
		retention: retention,
		schedule:  schedule,
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}, nil
}

// Run sweeps on schedule until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(j.sweep))
	c.Start()
	j.logger.Info("janitor started", "retention", j.retention)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) sweep() {
	if n := j.store.Sweep(j.now(), j.retention); n > 0 {
		j.logger.Info("swept unclaimed answers", "count", n, "remaining", j.store.Len())
	}
}

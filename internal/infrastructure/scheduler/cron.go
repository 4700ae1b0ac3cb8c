package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"shelfwatch/internal/ports"
)

// CronScheduler triggers recurring catalog refreshes from a cron expression.
type CronScheduler struct {
	spec   string
	engine *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler for the given cron expression.
func NewCronScheduler(spec string) *CronScheduler {
	return &CronScheduler{spec: spec}
}

// Start registers the job and begins the cron loop. An empty spec is a no-op
// so the scheduler can stay wired but disabled.
func (c *CronScheduler) Start(_ context.Context, job func(time.Time)) error {
	if job == nil || c.spec == "" {
		return nil
	}
	if c.engine != nil {
		return nil
	}

	engine := cron.New()
	if _, err := engine.AddFunc(c.spec, func() { job(time.Now()) }); err != nil {
		return err
	}
	engine.Start()
	c.engine = engine
	return nil
}

// Stop halts the cron loop and waits for a running trigger to finish.
func (c *CronScheduler) Stop(ctx context.Context) error {
	if c.engine == nil {
		return nil
	}
	stopped := c.engine.Stop()
	c.engine = nil

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/models"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ReconnectSweep restarts disconnected instances that still hold a session.
// Instances in ERROR are left alone. It returns how many were started.
func (o *Orchestrator) ReconnectSweep(ctx context.Context) (int, error) {
	instances, err := o.store.ListInstances(ctx, models.StatusDisconnected)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: reconnect sweep: %w", err)
	}
	started := 0
	var errs []error
	for _, inst := range instances {
		if !inst.HasSession() || o.IsActive(inst.ID) {
			continue
		}
		if err := o.Start(ctx, inst.ID); err != nil {
			logger := o.instanceLog(inst.ID)
			logger.Warn().Err(err).Msg("reconnect failed")
			errs = append(errs, err)
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// ScheduleReconnect runs ReconnectSweep on a 5-field cron schedule until
// Close. Calling it again replaces the previous schedule.
func (o *Orchestrator) ScheduleReconnect(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("orchestrator: reconnect schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(func() {
		n, err := o.ReconnectSweep(o.baseCtx)
		ev := o.log.Info()
		if err != nil {
			ev = o.log.Warn().Err(err)
		}
		ev.Int("started", n).Msg("reconnect sweep")
	}))

	o.cronMu.Lock()
	defer o.cronMu.Unlock()
	if o.stopCron != nil {
		o.stopCron()
	}
	c.Start()
	o.stopCron = func() { <-c.Stop().Done() }
	return nil
}

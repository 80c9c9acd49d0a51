package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "mdsched/pkg/logx"
)

// startReporter logs a progress snapshot on the configured cron schedule
// (standard 5-field expressions).
func (a *App) startReporter(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}

	a.sup.Go0("progress-reporter", func(ctx context.Context) {
		for {
			next := schedule.Next(time.Now())
			tmr := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-tmr.C:
			}

			snap := a.sched.Snapshot()
			a.log.Info("progress report",
				logx.Int("queued", snap.QueueLen),
				logx.Int("in_flight", snap.InFlight),
				logx.Int("free_gpus", snap.FreeDevices),
				logx.Uint64("completed", snap.Completed),
				logx.Uint64("failed", snap.Failed),
				logx.Uint64("reclaimed", snap.Reclaimed))
		}
	})
	return nil
}

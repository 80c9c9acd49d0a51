package app

import (
	"context"
	"time"

	"mdsched/internal/eventbus"
	"mdsched/internal/sched"
	"mdsched/internal/storage"
	logx "mdsched/pkg/logx"
)

// recordOutcomes subscribes to the event bus and appends terminal job
// outcomes and completed stages to the run-history store. Storage errors
// are logged and dropped; persistence must never stall the scheduler.
func (a *App) recordOutcomes(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.recordOne(ctx, ev)
		}
	}
}

func (a *App) recordOne(ctx context.Context, ev eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch ev.Type {
	case eventbus.TypeJobCompleted, eventbus.TypeJobFailed, eventbus.TypeJobReclaimed, eventbus.TypeJobSkipped:
		job, ok := ev.Data.(sched.JobEvent)
		if !ok {
			return
		}
		err := a.store.AppendRun(wctx, storage.RunRecord{
			At:       ev.Time,
			System:   job.System,
			Device:   job.Device,
			Outcome:  job.Outcome,
			Duration: job.Duration.Milliseconds(),
			Error:    job.Error,
		})
		if err != nil {
			a.log.Warn("run record not persisted", logx.String("system", job.System), logx.Err(err))
		}
	case eventbus.TypeStageFinished:
		st, ok := ev.Data.(sched.StageEvent)
		if !ok {
			return
		}
		if err := a.store.AppendStage(wctx, storage.StageRecord{At: ev.Time, System: st.System, Stage: st.Stage}); err != nil {
			a.log.Warn("stage record not persisted", logx.String("system", st.System), logx.Err(err))
		}
	}
}

package sched

import (
	"context"
	"sync/atomic"
	"time"

	"mdsched/internal/eventbus"
	logx "mdsched/pkg/logx"
)

// monitor sweeps the in-flight table on a fixed interval and reclaims jobs
// that blew their wall-clock budget: the device goes back to the pool and
// the system is re-enqueued to restart from its current unfinished stage.
//
// Reclamation is optimistic: the abandoned external process is not killed
// (the command runner's own timeout bounds its direct child, but a stall
// inside an uninterruptible call can outlive it). That gives the stage
// at-least-once semantics: in the worst case the same stage runs on two
// devices until the orphan exits on its own.
func (s *Service) monitor(ctx context.Context) {
	tick := time.NewTicker(s.cfg.CheckInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			now := time.Now()
			for _, rec := range s.st.reclaimStale(s.cfg.TaskTimeout, now) {
				atomic.AddUint64(&s.reclaimed, 1)
				s.log.Error("job stalled; device reclaimed",
					logx.String("system", rec.sys.Name),
					logx.Int("gpu", rec.device),
					logx.Duration("elapsed", now.Sub(rec.started)),
					logx.Duration("budget", s.cfg.TaskTimeout))
				s.publish(eventbus.TypeJobReclaimed, JobEvent{
					System:   rec.sys.Name,
					Dir:      rec.sys.Dir,
					Device:   rec.device,
					Started:  rec.started,
					Duration: now.Sub(rec.started),
					Outcome:  OutcomeReclaimed,
				})
			}
		}
	}
}

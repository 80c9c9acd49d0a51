package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mdsched/internal/eventbus"
	logx "mdsched/pkg/logx"
)

// worker is one device-bound loop: pop a system, claim a device, run the
// pipeline outside the lock, then return everything. Failures are
// per-system; the loop itself only exits on context cancellation.
func (s *Service) worker(ctx context.Context, idx int) {
	log := s.log.With(logx.Int("worker", idx))

	// The empty-queue path can spin for hours on a quiet watch-mode run;
	// keep its debug line from flooding the master log.
	idleLog := rate.NewLimiter(rate.Every(30*time.Second), 1)

	for {
		if ctx.Err() != nil {
			return
		}

		sys, ok := s.st.popNext()
		if !ok {
			if idleLog.Allow() {
				log.Debug("queue empty; polling")
			}
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		device, ok := s.st.acquire()
		if !ok {
			// Put the entry back before backing off; it must never be lost.
			s.st.pushBack(sys)
			if !sleepCtx(ctx, s.cfg.AcquireRetryDelay) {
				return
			}
			continue
		}

		s.execute(ctx, log, sys, device)
	}
}

// execute drives one system's pipeline while holding a device.
func (s *Service) execute(ctx context.Context, log logx.Logger, sys System, device int) {
	token := s.st.registerInflight(sys, device)
	started := time.Now()

	log.Info("job started",
		logx.String("system", sys.Name),
		logx.Int("gpu", device))
	s.publish(eventbus.TypeJobStarted, JobEvent{
		System: sys.Name, Dir: sys.Dir, Device: device, Started: started,
	})

	// Panics in the pipeline are converted to a failed outcome so one bad
	// system cannot take down a worker.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline panic: %v", r)
			}
		}()
		return s.run(ctx, sys, device)
	}()

	dur := time.Since(started)

	// Only the holder of the current token may release the device; if the
	// monitor reclaimed this job meanwhile, the device already moved on.
	if !s.st.finish(sys.Name, token) {
		log.Warn("job finished after reclamation; device left alone",
			logx.String("system", sys.Name),
			logx.Int("gpu", device),
			logx.Duration("dur", dur))
		return
	}

	ev := JobEvent{
		System: sys.Name, Dir: sys.Dir, Device: device,
		Started: started, Duration: dur,
	}
	switch {
	case err == nil:
		atomic.AddUint64(&s.completed, 1)
		ev.Outcome = OutcomeCompleted
		log.Info("job completed",
			logx.String("system", sys.Name),
			logx.Int("gpu", device),
			logx.Duration("dur", dur))
		s.publish(eventbus.TypeJobCompleted, ev)
	case errors.Is(err, ErrSkip):
		atomic.AddUint64(&s.skipped, 1)
		ev.Outcome = OutcomeSkipped
		ev.Error = err.Error()
		log.Warn("system skipped",
			logx.String("system", sys.Name),
			logx.Err(err))
		s.publish(eventbus.TypeJobSkipped, ev)
	default:
		atomic.AddUint64(&s.failed, 1)
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		log.Error("job failed",
			logx.String("system", sys.Name),
			logx.Int("gpu", device),
			logx.Duration("dur", dur),
			logx.Err(err))
		s.publish(eventbus.TypeJobFailed, ev)
	}
}

// sleepCtx sleeps for d or until ctx is done; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

package sched

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mdsched/internal/eventbus"
	rtsup "mdsched/internal/runtime/supervisor"
	logx "mdsched/pkg/logx"
)

// PipelineFunc runs one system's full stage pipeline on the given device.
// It is injected by the app layer so this package stays free of MD details
// and tests can substitute stubs.
type PipelineFunc func(ctx context.Context, sys System, device int) error

// Service is the worker-pool scheduler: one worker per device, plus the
// timeout monitor, all hosted on a runtime supervisor.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	run PipelineFunc

	st  *state
	sup *rtsup.Supervisor

	completed uint64
	failed    uint64
	skipped   uint64
	reclaimed uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, run PipelineFunc) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		run: run,
		st:  newState(cfg.Devices),
	}
}

// Enqueue adds a system to the backlog. Returns false when the system is
// already queued or in flight.
func (s *Service) Enqueue(sys System) bool {
	ok := s.st.enqueue(sys)
	if ok {
		s.log.Info("system queued",
			logx.String("system", sys.Name),
			logx.Int64("weight", sys.Weight))
	} else {
		s.log.Debug("system already tracked; enqueue ignored", logx.String("system", sys.Name))
	}
	return ok
}

// Start launches one worker per device and the timeout monitor.
func (s *Service) Start(ctx context.Context) error {
	if len(s.cfg.Devices) == 0 {
		return fmt.Errorf("sched: no devices configured")
	}
	if s.run == nil {
		return fmt.Errorf("sched: no pipeline function configured")
	}
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	for i := range s.cfg.Devices {
		idx := i
		s.sup.Go0(fmt.Sprintf("worker-%d", idx), func(ctx context.Context) {
			s.worker(ctx, idx)
		})
	}
	s.sup.Go0("timeout-monitor", func(ctx context.Context) {
		s.monitor(ctx)
	})

	s.log.Info("scheduler started",
		logx.Int("workers", len(s.cfg.Devices)),
		logx.Duration("task_timeout", s.cfg.TaskTimeout),
		logx.Duration("check_interval", s.cfg.CheckInterval))
	return nil
}

// Stop cancels workers and waits for them to wind down.
func (s *Service) Stop(ctx context.Context) error {
	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(ctx)
}

// WaitIdle blocks until the queue is empty and nothing is in flight, then
// returns nil. Used by one-shot runs to drain the backlog and exit.
func (s *Service) WaitIdle(ctx context.Context) error {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			q, _, inflight := s.st.counts()
			if q == 0 && inflight == 0 {
				return nil
			}
		}
	}
}

// Snapshot returns a point-in-time progress view.
func (s *Service) Snapshot() Snapshot {
	q, free, inflight := s.st.counts()
	return Snapshot{
		QueueLen:    q,
		FreeDevices: free,
		InFlight:    inflight,
		Completed:   atomic.LoadUint64(&s.completed),
		Failed:      atomic.LoadUint64(&s.failed),
		Skipped:     atomic.LoadUint64(&s.skipped),
		Reclaimed:   atomic.LoadUint64(&s.reclaimed),
	}
}

func (s *Service) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
}

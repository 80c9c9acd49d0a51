// Package app wires the scheduler core together: configuration, logging,
// discovery, the device worker pool, the run recorder and the progress
// reporter.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"mdsched/internal/config"
	"mdsched/internal/discover"
	"mdsched/internal/eventbus"
	"mdsched/internal/execx"
	"mdsched/internal/md"
	"mdsched/internal/retry"
	rtsup "mdsched/internal/runtime/supervisor"
	"mdsched/internal/sched"
	"mdsched/internal/storage"
	logx "mdsched/pkg/logx"
)

// ErrNoSystems is returned when discovery finds nothing eligible and live
// discovery is off; the driver exits with code 1 in that case.
var ErrNoSystems = errors.New("no eligible system directories found")

type App struct {
	settings config.Settings

	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	sched  *sched.Service
	sup    *rtsup.Supervisor
	runner execx.Runner
}

func New(settings config.Settings) (*App, error) {
	logSvc, log := logx.New(logx.Config{
		Level:   settings.Logging.Level,
		Console: settings.Logging.Console,
		File: logx.FileConfig{
			Enabled: settings.Logging.File.Enabled,
			Path:    settings.Logging.File.Path,
		},
	})

	bus := eventbus.New()

	store, err := storage.Open(storage.Config{
		Driver:      settings.Storage.Driver,
		Path:        settings.Storage.Path,
		BusyTimeout: settings.Storage.BusyTimeout,
	}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		settings: settings,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		runner:   execx.New(),
	}

	a.sched = sched.New(sched.Config{
		Devices:           settings.Devices,
		TaskTimeout:       settings.TaskTimeout,
		CheckInterval:     settings.CheckInterval,
		PollInterval:      settings.PollInterval,
		AcquireRetryDelay: settings.AcquireRetryDelay,
	}, log, bus, a.runPipeline)

	return a, nil
}

// Run executes the whole workload: discover, enqueue, schedule, and (unless
// watching for new systems) drain the backlog and stop.
func (a *App) Run(ctx context.Context) error {
	systems, err := discover.Scan(a.settings.Root, a.log)
	if err != nil {
		return err
	}
	if len(systems) == 0 && !a.settings.Watch {
		return ErrNoSystems
	}

	a.log.Info("run starting",
		logx.String("mode", string(a.settings.Mode)),
		logx.Int("systems", len(systems)),
		logx.Int("gpus", len(a.settings.Devices)),
		logx.Bool("watch", a.settings.Watch))

	for _, sys := range systems {
		a.sched.Enqueue(sys)
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.store != nil {
		a.sup.Go0("run-recorder", a.recordOutcomes)
	}
	if a.settings.Watch {
		w := &discover.Watcher{
			Root:    a.settings.Root,
			Log:     a.log,
			Enqueue: a.sched.Enqueue,
		}
		a.sup.GoRestart("discovery-watcher", w.Run)
	}
	if a.settings.ReportSchedule != "" {
		if err := a.startReporter(a.settings.ReportSchedule); err != nil {
			return fmt.Errorf("report_schedule: %w", err)
		}
	}
	if a.settings.SystemdNotify {
		a.notifyReady()
	}

	if a.settings.Watch {
		// Watch mode runs until the context is canceled.
		<-ctx.Done()
	} else if err := a.sched.WaitIdle(ctx); err != nil {
		return err
	}

	return a.shutdown()
}

func (a *App) shutdown() error {
	if a.settings.SystemdNotify {
		a.notifyStopping()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.sched.Stop(stopCtx)
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(stopCtx)
	}

	snap := a.sched.Snapshot()
	a.log.Info("run finished",
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("failed", snap.Failed),
		logx.Uint64("reclaimed", snap.Reclaimed))

	if a.store != nil {
		_ = a.store.Close()
	}
	return a.logSvc.Close()
}

// runPipeline is the sched.PipelineFunc: it builds and executes the MD
// pipeline for one system on one device, with a per-system log file teed
// into the master log.
func (a *App) runPipeline(ctx context.Context, sys sched.System, device int) error {
	masterLog := a.log.With(logx.String("system", sys.Name), logx.Int("gpu", device))

	plog := masterLog
	sysLog, closer, err := logx.NewFile(filepath.Join(sys.Dir, md.LogFile), a.settings.Logging.Level)
	if err != nil {
		masterLog.Warn("per-system log unavailable", logx.Err(err))
	} else {
		defer closer.Close()
		plog = logx.Tee(masterLog, sysLog.With(logx.Int("gpu", device)))
	}

	p := &md.Pipeline{
		Dir:            sys.Dir,
		Name:           sys.Name,
		Runner:         a.runner,
		Tool:           md.Tool{},
		Timesteps:      a.settings.Timesteps,
		Retry:          retry.Options{MaxAttempts: a.settings.RetryMax, Base: time.Second},
		CommandTimeout: a.settings.TaskTimeout,
		Env:            md.DeviceEnv(device),
		Log:            plog,
		OnStage: func(stage md.Stage) {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.TypeStageFinished,
				Data: sched.StageEvent{System: sys.Name, Stage: stage.Name()},
			})
		},
	}
	err = p.Execute(ctx)
	if errors.Is(err, md.ErrMissingInputs) {
		// Setup problem, not a pipeline failure: skip with a warning.
		return fmt.Errorf("%w: %v", sched.ErrSkip, err)
	}
	return err
}

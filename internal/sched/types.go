package sched

import (
	"errors"
	"time"
)

// Config controls the scheduler. All values come from the resolved
// immutable settings; nothing here changes after Start.
type Config struct {
	// Devices lists the exclusive GPU ids. One worker runs per device.
	Devices []int

	// TaskTimeout is the wall-clock budget for one in-flight system before
	// the monitor reclaims its device.
	TaskTimeout time.Duration

	// CheckInterval is the monitor's sweep period.
	CheckInterval time.Duration

	// PollInterval is the idle worker's sleep when the queue is empty.
	PollInterval time.Duration

	// AcquireRetryDelay is the backoff after a pop found no free device.
	AcquireRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.AcquireRetryDelay <= 0 {
		c.AcquireRetryDelay = 5 * time.Second
	}
	return c
}

// System is one unit of work: a directory representing one simulation case.
// Weight is the combined structure+topology size; heavier systems are
// served first so the longest jobs start early.
type System struct {
	Name   string
	Dir    string
	Weight int64
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	System   string        `json:"system"`
	Dir      string        `json:"dir"`
	Device   int           `json:"device"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StageEvent is the bus payload for per-stage completion events.
type StageEvent struct {
	System string `json:"system"`
	Stage  string `json:"stage"`
}

// ErrSkip, returned (wrapped) by a PipelineFunc, marks the system as
// skipped for setup reasons rather than failed. The run keeps going and
// the outcome is counted separately.
var ErrSkip = errors.New("system skipped")

// Job outcomes recorded in events and the run history.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeReclaimed = "reclaimed"
)

// Snapshot is a point-in-time view for progress reports.
type Snapshot struct {
	QueueLen    int
	FreeDevices int
	InFlight    int

	Completed uint64
	Failed    uint64
	Skipped   uint64
	Reclaimed uint64
}

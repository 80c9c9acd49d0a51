package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the on-disk configuration shape (YAML or JSON).
//
// All durations are Go duration strings (e.g. "30s", "5m", "1h").
// The file is decoded strictly: unknown keys are rejected so typos are
// caught at startup instead of silently ignored.
type Config struct {
	// Mode selects the preparation variant the upstream workflow ran:
	// "protein" (protein-only) or "complex" (protein + ligand).
	// The legacy numeric selectors "0" / "1" are accepted as aliases.
	Mode string `json:"mode,omitempty"`

	// Root is the project directory scanned for system folders.
	Root string `json:"root,omitempty"`

	// Devices lists the GPU ids available to the run. The worker count
	// equals the device count.
	Devices []int `json:"devices"`

	RetryMax int `json:"retry_max,omitempty"`

	// TaskTimeout bounds both a single external command and the total
	// wall-clock budget of one in-flight system before the monitor
	// reclaims its device.
	TaskTimeout string `json:"task_timeout,omitempty"`

	// CheckInterval is the timeout monitor's scan period.
	CheckInterval string `json:"check_interval,omitempty"`

	// PollInterval is how long an idle worker sleeps when the queue is empty.
	PollInterval string `json:"poll_interval,omitempty"`

	// AcquireRetryDelay is the backoff after popping a system while no
	// device was free (the entry is pushed back first).
	AcquireRetryDelay string `json:"acquire_retry_delay,omitempty"`

	// Timesteps is the dt schedule (ps) across the three equilibration
	// cycles; the first value is also used for energy minimization.
	Timesteps []float64 `json:"timesteps,omitempty"`

	// Watch enables live discovery: system directories created under Root
	// while the run is in progress are picked up and enqueued.
	Watch bool `json:"watch,omitempty"`

	// ReportSchedule is an optional cron expression for periodic progress
	// snapshots in the master log (e.g. "*/5 * * * *").
	ReportSchedule string `json:"report_schedule,omitempty"`

	// SystemdNotify enables sd_notify readiness/watchdog integration when
	// running as a systemd unit.
	SystemdNotify bool `json:"systemd_notify,omitempty"`

	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mdsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StorageSettings is the resolved storage configuration.
type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Settings is the resolved, immutable runtime configuration. It is built
// once at startup and passed by value to every component; nothing mutates
// it afterwards.
type Settings struct {
	Mode    Mode
	Root    string
	Devices []int

	RetryMax          int
	TaskTimeout       time.Duration
	CheckInterval     time.Duration
	PollInterval      time.Duration
	AcquireRetryDelay time.Duration

	Timesteps []float64

	Watch          bool
	ReportSchedule string
	SystemdNotify  bool

	Logging LoggingConfig
	Storage StorageSettings
}

// Mode is the preparation variant of the run.
type Mode string

const (
	ModeProtein Mode = "protein"
	ModeComplex Mode = "complex"
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "protein":
		return ModeProtein, nil
	case "1", "complex":
		return ModeComplex, nil
	default:
		return "", fmt.Errorf("mode: invalid value %q (want protein|complex or 0|1)", raw)
	}
}

// Defaults: 3 attempts per stage, a one hour task budget, a five minute
// monitor sweep, and the 0.5fs/1fs/2fs dt ladder.
const (
	defaultRetryMax          = 3
	defaultTaskTimeout       = time.Hour
	defaultCheckInterval     = 5 * time.Minute
	defaultPollInterval      = 10 * time.Second
	defaultAcquireRetryDelay = 5 * time.Second
)

func defaultTimesteps() []float64 { return []float64{0.0005, 0.001, 0.002} }

// parseDuration resolves one duration-string field. Empty (or zero) falls
// back to def; negative values and unparseable strings are config errors.
func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Resolve validates cfg and produces the immutable Settings value.
func (c *Config) Resolve() (Settings, error) {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return Settings{}, err
	}

	if len(c.Devices) == 0 {
		return Settings{}, fmt.Errorf("devices: at least one GPU id is required")
	}
	devices := append([]int(nil), c.Devices...)
	sort.Ints(devices)
	for i, d := range devices {
		if d < 0 {
			return Settings{}, fmt.Errorf("devices: negative id %d", d)
		}
		if i > 0 && devices[i-1] == d {
			return Settings{}, fmt.Errorf("devices: duplicate id %d", d)
		}
	}

	retryMax := c.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	taskTimeout, err := parseDuration("task_timeout", c.TaskTimeout, defaultTaskTimeout)
	if err != nil {
		return Settings{}, err
	}
	checkInterval, err := parseDuration("check_interval", c.CheckInterval, defaultCheckInterval)
	if err != nil {
		return Settings{}, err
	}
	pollInterval, err := parseDuration("poll_interval", c.PollInterval, defaultPollInterval)
	if err != nil {
		return Settings{}, err
	}
	acquireRetryDelay, err := parseDuration("acquire_retry_delay", c.AcquireRetryDelay, defaultAcquireRetryDelay)
	if err != nil {
		return Settings{}, err
	}

	timesteps := c.Timesteps
	if len(timesteps) == 0 {
		timesteps = defaultTimesteps()
	}
	if len(timesteps) != 3 {
		return Settings{}, fmt.Errorf("timesteps: want exactly 3 values (one per equilibration cycle), got %d", len(timesteps))
	}
	for i, dt := range timesteps {
		if dt <= 0 {
			return Settings{}, fmt.Errorf("timesteps[%d]: must be > 0", i)
		}
		if i > 0 && timesteps[i] < timesteps[i-1] {
			return Settings{}, fmt.Errorf("timesteps: schedule must be non-decreasing across cycles")
		}
	}

	root := strings.TrimSpace(c.Root)
	if root == "" {
		root = "."
	}

	st := Settings{
		Mode:              mode,
		Root:              root,
		Devices:           devices,
		RetryMax:          retryMax,
		TaskTimeout:       taskTimeout,
		CheckInterval:     checkInterval,
		PollInterval:      pollInterval,
		AcquireRetryDelay: acquireRetryDelay,
		Timesteps:         append([]float64(nil), timesteps...),
		Watch:             c.Watch,
		ReportSchedule:    strings.TrimSpace(c.ReportSchedule),
		SystemdNotify:     c.SystemdNotify,
		Logging:           c.Logging,
	}
	if c.Storage != nil {
		busy, err := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0)
		if err != nil {
			return Settings{}, err
		}
		st.Storage = StorageSettings{
			Driver:      c.Storage.Driver,
			Path:        c.Storage.Path,
			BusyTimeout: busy,
		}
	}
	return st, nil
}

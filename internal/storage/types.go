package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the run-history store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one terminal per-system outcome.
// Keep it compact and schema-stable.
type RunRecord struct {
	At       time.Time `json:"at"`
	System   string    `json:"system"`
	Device   int       `json:"device"`
	Outcome  string    `json:"outcome"`
	Duration int64     `json:"duration_ms"`
	Error    string    `json:"error,omitempty"`
}

// StageRecord marks one completed pipeline stage for a system.
type StageRecord struct {
	At     time.Time `json:"at"`
	System string    `json:"system"`
	Stage  string    `json:"stage"`
}

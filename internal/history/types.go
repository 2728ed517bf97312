package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the run-history store.
//
// Driver values:
//   - "file": dependency-free append-only JSON Lines
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEntries  int           // sqlite prune cap; 0 means 5000
}

// Outcome classifies one coordinator cycle.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeManual    Outcome = "manual"
)

// Entry records one run (or skip) of a schedule.
// Keep it compact and schema-stable.
type Entry struct {
	At         time.Time `json:"at"`
	ScheduleID string    `json:"scheduleId"`
	Mode       string    `json:"mode"`
	TaskID     string    `json:"taskId,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"tookMs,omitempty"`
}

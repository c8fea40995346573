package cron

import (
	"time"

	"github.com/google/uuid"
)

// Task names understood by the serve command.
const (
	TaskPruneJournal = "journal.prune"
	TaskSweepTTS     = "tts.sweep"
)

// Schedule is either a six-field cron expression (Kind "cron") or a fixed
// interval (Kind "every").
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

type Payload struct {
	Task        string `json:"task"`
	MaxAgeHours int    `json:"maxAgeHours,omitempty"`
}

// MaxAge returns the payload retention window, or def when unset.
func (p Payload) MaxAge(def time.Duration) time.Duration {
	if p.MaxAgeHours <= 0 {
		return def
	}
	return time.Duration(p.MaxAgeHours) * time.Hour
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
}

type Job struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Schedule  Schedule `json:"schedule"`
	Payload   Payload  `json:"payload"`
	State     JobState `json:"state"`
	CreatedMs int64    `json:"createdMs"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Enabled:   true,
		Schedule:  schedule,
		Payload:   payload,
		CreatedMs: time.Now().UnixMilli(),
	}
}

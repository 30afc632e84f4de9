// Package cron runs workflow and heartbeat schedules on top of
// robfig/cron, adding active-hours gating, run limits and persistence.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a schedule fires.
type Kind string

const (
	KindWorkflow  Kind = "workflow"
	KindHeartbeat Kind = "heartbeat"
)

// ErrScheduleNotFound is returned for unknown schedule ids.
var ErrScheduleNotFound = errors.New("schedule not found")

// ActiveHours restricts fires to a daily window. End may be "24:00", and a
// window whose end is before its start spans midnight. Start and End may not
// be equal; 00:00-24:00 is the whole day.
type ActiveHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	// Days filters by weekday (0=Sunday ... 6=Saturday). Empty means every day.
	Days []int `json:"days,omitempty" yaml:"days,omitempty"`
}

// ScheduleConfig describes one schedule.
type ScheduleConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	CronExpr string `json:"cron"`
	// Timezone is an IANA name, "local" or "utc". Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// MaxRuns stops the schedule after that many fires. Zero is unlimited.
	MaxRuns     int          `json:"max_runs,omitempty"`
	RunCount    int          `json:"run_count"`
	ActiveHours *ActiveHours `json:"active_hours,omitempty"`
	WorkflowID  string       `json:"workflow_id,omitempty"`
	Checklist   string       `json:"checklist,omitempty"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks the config without touching the scheduler.
func (c *ScheduleConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("schedule id is required")
	}
	switch c.Kind {
	case KindWorkflow:
		if strings.TrimSpace(c.WorkflowID) == "" {
			return fmt.Errorf("schedule %q: workflow id is required", c.ID)
		}
	case KindHeartbeat:
	default:
		return fmt.Errorf("schedule %q: unknown kind %q", c.ID, c.Kind)
	}
	if c.MaxRuns < 0 {
		return fmt.Errorf("schedule %q: max runs must not be negative", c.ID)
	}
	if _, err := parseSpec(c.CronExpr, c.Timezone); err != nil {
		return fmt.Errorf("schedule %q: %w", c.ID, err)
	}
	if c.ActiveHours != nil {
		if err := c.ActiveHours.Validate(); err != nil {
			return fmt.Errorf("schedule %q: active hours: %w", c.ID, err)
		}
	}
	return nil
}

// Exhausted reports whether the run limit has been reached.
func (c *ScheduleConfig) Exhausted() bool {
	return c.MaxRuns > 0 && c.RunCount >= c.MaxRuns
}

// HeartbeatScheduleID is the schedule id of the named heartbeat.
func HeartbeatScheduleID(name string) string {
	return "heartbeat:" + strings.TrimSpace(name)
}

// Handler runs one fire of a schedule.
type Handler func(ctx context.Context, cfg ScheduleConfig) error

// Entry is a snapshot of a registered schedule.
type Entry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	CronExpr string    `json:"cron"`
	Paused   bool      `json:"paused"`
	RunCount int       `json:"run_count"`
	MaxRuns  int       `json:"max_runs,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

package config

import (
	"fmt"
	"strings"
)

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// HeartbeatConfig seeds heartbeat schedules at startup.
type HeartbeatConfig struct {
	// Checklist is the default checklist file (markdown task list).
	Checklist string                    `yaml:"checklist"`
	Schedules []HeartbeatScheduleConfig `yaml:"schedules"`
}

// HeartbeatScheduleConfig is one named heartbeat schedule.
type HeartbeatScheduleConfig struct {
	Name        string             `yaml:"name"`
	Cron        string             `yaml:"cron"`
	Timezone    string             `yaml:"timezone"`
	Checklist   string             `yaml:"checklist"`
	ActiveHours *ActiveHoursConfig `yaml:"active_hours"`
	Enabled     *bool              `yaml:"enabled"`
}

// ActiveHoursConfig restricts when a scheduled job may run.
type ActiveHoursConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Days  []int  `yaml:"days"`
}

// IsEnabled defaults to true when unset.
func (h HeartbeatScheduleConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

func applySchedulingDefaults(cfg *Config) {
	if cfg.Heartbeat.Checklist == "" {
		cfg.Heartbeat.Checklist = "HEARTBEAT.md"
	}
	for i := range cfg.Heartbeat.Schedules {
		if cfg.Heartbeat.Schedules[i].Checklist == "" {
			cfg.Heartbeat.Schedules[i].Checklist = cfg.Heartbeat.Checklist
		}
		if cfg.Heartbeat.Schedules[i].Timezone == "" {
			cfg.Heartbeat.Schedules[i].Timezone = "local"
		}
	}
}

func validateScheduling(cfg *Config) []string {
	var issues []string
	seen := map[string]bool{}
	for i, hb := range cfg.Heartbeat.Schedules {
		name := strings.TrimSpace(hb.Name)
		if name == "" {
			issues = append(issues, fmt.Sprintf("heartbeat.schedules[%d].name is required", i))
			continue
		}
		if seen[name] {
			issues = append(issues, fmt.Sprintf("heartbeat.schedules: duplicate name %q", name))
		}
		seen[name] = true
		if strings.TrimSpace(hb.Cron) == "" {
			issues = append(issues, fmt.Sprintf("heartbeat.schedules[%s].cron is required", name))
		}
		if strings.TrimSpace(hb.Checklist) == "" {
			issues = append(issues, fmt.Sprintf("heartbeat.schedules[%s].checklist is required", name))
		}
		if hb.ActiveHours != nil {
			if start := strings.TrimSpace(hb.ActiveHours.Start); start != "" && start == strings.TrimSpace(hb.ActiveHours.End) {
				issues = append(issues, fmt.Sprintf("heartbeat.schedules[%s].active_hours: start equals end (use 00:00-24:00 for all day)", name))
			}
			for _, d := range hb.ActiveHours.Days {
				if d < 0 || d > 6 {
					issues = append(issues, fmt.Sprintf("heartbeat.schedules[%s].active_hours.days: %d out of range 0-6", name, d))
				}
			}
		}
	}
	return issues
}

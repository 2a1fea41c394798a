package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks the config and returns the parsed duration fields.
func (c *Config) Validate() (Durations, error) {
	var d Durations
	if c.Paths.ServersRoot == "" {
		return d, errors.New("paths.servers_root is required")
	}
	if c.Paths.DataDir == "" {
		return d, errors.New("paths.data_dir is required")
	}

	var err error
	if d.StorageBusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.SchedulerInterval, err = ParseDurationOrDefault("scheduler.interval", c.Scheduler.Interval, 60*time.Second); err != nil {
		return d, err
	}
	if d.SettleDelay, err = ParseDurationOrDefault("supervisor.settle_delay", c.Supervisor.SettleDelay, 5*time.Second); err != nil {
		return d, err
	}
	if d.StopGrace, err = ParseDurationOrDefault("supervisor.stop_grace", c.Supervisor.StopGrace, 15*time.Second); err != nil {
		return d, err
	}
	if d.RestartPoll, err = ParseDurationOrDefault("supervisor.restart_poll", c.Supervisor.RestartPoll, 30*time.Second); err != nil {
		return d, err
	}
	if d.MetricRetention, err = ParseDurationOrDefault("backups.metric_retention", c.Backups.MetricRetention, 720*time.Hour); err != nil {
		return d, err
	}

	if c.Backups.Keep < 0 {
		return d, errors.New("backups.keep must be >= 0")
	}
	if spec := c.Backups.HousekeepingCron; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return d, fmt.Errorf("backups.housekeeping_cron: %w", err)
		}
	}
	if c.Notify.Token != "" && c.Notify.ChatID == 0 {
		return d, errors.New("notify.chat_id is required when notify.token is set")
	}
	return d, nil
}

// HousekeepingCron returns the effective housekeeping schedule.
func (c *Config) HousekeepingCron() string {
	if c.Backups.HousekeepingCron != "" {
		return c.Backups.HousekeepingCron
	}
	return "0 4 * * *"
}

// BackupKeep returns the effective rotation keep count.
func (c *Config) BackupKeep() int {
	if c.Backups.Keep > 0 {
		return c.Backups.Keep
	}
	return 7
}

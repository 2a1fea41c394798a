package config

import "time"

// Config is the daemon's full configuration, loaded from YAML or JSON.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Paths      PathsConfig      `json:"paths"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Backups    BackupsConfig    `json:"backups"`
	Notify     NotifyConfig     `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// MaxSize is the rotation threshold in bytes. 0 keeps the default.
	MaxSize int64 `json:"max_size,omitempty"`
}

type PathsConfig struct {
	// ServersRoot holds one directory per server.
	ServersRoot string `json:"servers_root"`
	// JavaRoot holds version-pinned JDKs (openjdk-8, openjdk-17, ...).
	JavaRoot string `json:"java_root,omitempty"`
	// DataDir holds the registry, the task file, and the stats database.
	DataDir string `json:"data_dir"`
}

type StorageConfig struct {
	Path string `json:"path,omitempty"` // default: <data_dir>/stats.db
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval is a Go duration string; default "60s".
	Interval string `json:"interval,omitempty"`
}

type SupervisorConfig struct {
	// All durations are Go duration strings.
	SettleDelay string `json:"settle_delay,omitempty"` // default "5s"
	StopGrace   string `json:"stop_grace,omitempty"`   // default "15s"
	RestartPoll string `json:"restart_poll,omitempty"` // default "30s"
}

type BackupsConfig struct {
	// Keep is how many archives rotation leaves per server; default 7.
	Keep int `json:"keep,omitempty"`
	// HousekeepingCron is a standard 5-field cron spec for the nightly
	// rotation and metric-pruning job; default "0 4 * * *".
	HousekeepingCron string `json:"housekeeping_cron,omitempty"`
	// MetricRetention is a Go duration string; default "720h" (30 days).
	MetricRetention string `json:"metric_retention,omitempty"`
}

type NotifyConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// Durations is the parsed form of every duration-string field, produced by
// Validate so the rest of the daemon never re-parses strings.
type Durations struct {
	StorageBusyTimeout time.Duration
	SchedulerInterval  time.Duration
	SettleDelay        time.Duration
	StopGrace          time.Duration
	RestartPoll        time.Duration
	MetricRetention    time.Duration
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mcman/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
paths:
  servers_root: /srv/servers
  data_dir: /var/lib/mcman
scheduler:
  enabled: true
  interval: 30s
supervisor:
  stop_grace: 20s
backups:
  keep: 5
  housekeeping_cron: "0 4 * * *"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}

	d, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.SchedulerInterval != 30*time.Second {
		t.Errorf("interval = %v", d.SchedulerInterval)
	}
	if d.StopGrace != 20*time.Second {
		t.Errorf("stop_grace = %v", d.StopGrace)
	}
	if d.SettleDelay != 5*time.Second {
		t.Errorf("settle_delay default = %v", d.SettleDelay)
	}
	if cfg.BackupKeep() != 5 {
		t.Errorf("keep = %d", cfg.BackupKeep())
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},
		  "paths":{"servers_root":"/srv","data_dir":"/data"},
		  "storage":{},"scheduler":{"enabled":true},"supervisor":{},"backups":{}}`), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.ServersRoot != "/srv" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestStrictDecodingRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nbogus_section:\n  x: 1\n"), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown fields should be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing servers_root", Config{Paths: PathsConfig{DataDir: "/d"}}},
		{"missing data_dir", Config{Paths: PathsConfig{ServersRoot: "/s"}}},
		{"bad duration", Config{
			Paths:     PathsConfig{ServersRoot: "/s", DataDir: "/d"},
			Scheduler: SchedulerConfig{Interval: "soon"},
		}},
		{"bad cron", Config{
			Paths:   PathsConfig{ServersRoot: "/s", DataDir: "/d"},
			Backups: BackupsConfig{HousekeepingCron: "not a cron"},
		}},
		{"token without chat", Config{
			Paths:  PathsConfig{ServersRoot: "/s", DataDir: "/d"},
			Notify: NotifyConfig{Token: "abc"},
		}},
	}
	for _, tc := range cases {
		if _, err := tc.cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the watcher attach

	updated := sampleYAML + "\nnotify:\n  token: t\n  chat_id: 42\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Notify.ChatID != 42 {
			t.Fatalf("reloaded cfg = %+v", cfg.Notify)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestRejectedReloadKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	m.SetValidator(func(cfg *Config) error {
		_, err := cfg.Validate()
		return err
	})
	before, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	// Invalid: drops required paths.
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()
	if m.Get() != before {
		t.Fatal("rejected reload must keep the previous config")
	}
}

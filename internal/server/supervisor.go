// Package server owns the managed-process state machine: resolving launch
// commands, hosting the process in a detached screen session, pid discovery,
// and bounded-wait graceful stop with a forced fallback.
package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mcman/internal/registry"
	"mcman/pkg/logx"
)

// State is the supervisor's view of the active server.
type State int

const (
	StateUninstalled State = iota
	StateStopped
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

var (
	ErrNoActiveServer = errors.New("no server selected")
	ErrNotConfigured  = errors.New("server is not configured")
	ErrNotInstalled   = errors.New("server is not installed")
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
)

// Stats records session history. *storage.Store satisfies it.
type Stats interface {
	LogSessionStart(ctx context.Context, server, flavor, version string) (int64, error)
	LogSessionEnd(ctx context.Context, sessionID int64) error
}

// Monitor samples a running process. *monitor.Service satisfies it.
type Monitor interface {
	StartMonitoring(server string, pid int) bool
	StopMonitoring(server string) bool
}

type Config struct {
	ServersRoot string
	JavaRoot    string
	SettleDelay time.Duration // wait before pid discovery, default 5s
	StopGrace   time.Duration // graceful-stop window, default 15s
	StopPoll    time.Duration // liveness poll while stopping, default 1s
	RestartPoll time.Duration // auto-restart liveness poll, default 30s
}

func (c *Config) fill() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 15 * time.Second
	}
	if c.StopPoll <= 0 {
		c.StopPoll = time.Second
	}
	if c.RestartPoll <= 0 {
		c.RestartPoll = 30 * time.Second
	}
}

// Supervisor drives the lifecycle of the active server process. Start and
// Stop serialize on an operation lock, so a scheduler-driven restart cannot
// interleave with a foreground command.
type Supervisor struct {
	cfg   Config
	reg   *registry.Registry
	run   Runner
	stats Stats
	mon   Monitor
	log   logx.Logger
	sleep func(time.Duration)

	opMu      sync.Mutex
	mu        sync.Mutex
	state     State
	sessionID int64
	pid       int
	restart   chan struct{} // closes to stop the auto-restart watcher
}

func NewSupervisor(cfg Config, reg *registry.Registry, stats Stats, mon Monitor, log logx.Logger) *Supervisor {
	cfg.fill()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:   cfg,
		reg:   reg,
		run:   ExecRunner{},
		stats: stats,
		mon:   mon,
		log:   log,
		sleep: time.Sleep,
		state: StateStopped,
	}
}

// ActiveServer returns the current server selection.
func (s *Supervisor) ActiveServer() (string, bool) { return s.reg.Current() }

// SetActiveServer switches the selection. An empty name clears it.
func (s *Supervisor) SetActiveServer(name string) error { return s.reg.SetCurrent(name) }

// ServerPath resolves a server's storage directory.
func (s *Supervisor) ServerPath(name string) string {
	return filepath.Join(s.cfg.ServersRoot, name)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the active server's lifecycle state. During a start or stop
// the in-flight transition is reported; otherwise the screen registry is
// probed, so externally died processes read as stopped.
func (s *Supervisor) State(ctx context.Context) State {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateStarting || st == StateStopping {
		return st
	}
	name, ok := s.reg.Current()
	if !ok {
		return StateStopped
	}
	if _, err := os.Stat(s.ServerPath(name)); err != nil {
		return StateUninstalled
	}
	if newSession(name, s.run).Alive(ctx) {
		return StateRunning
	}
	return StateStopped
}

// Start launches the active server in its screen session. Discovery,
// monitoring, and statistics are best-effort once the session is up.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	name, ok := s.reg.Current()
	if !ok {
		return ErrNoActiveServer
	}
	def, ok := s.reg.Get(name)
	if !ok || !def.Configured() {
		return ErrNotConfigured
	}
	dir := s.ServerPath(name)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotInstalled
	}
	sess := newSession(name, s.run)
	if sess.Alive(ctx) {
		return ErrAlreadyRunning
	}

	s.setState(StateStarting)
	argv, err := launchCommand(def, dir, s.cfg.JavaRoot)
	if err != nil {
		s.setState(StateStopped)
		return err
	}
	if def.Flavor.Family() == registry.FamilyJava {
		if err := ensureEULA(dir); err != nil {
			s.setState(StateStopped)
			return err
		}
	}
	if err := materializeProperties(dir, def.Properties); err != nil {
		s.log.Warn("settings merge failed", logx.String("server", name), logx.Err(err))
	}

	s.log.Info("starting server",
		logx.String("server", name),
		logx.String("flavor", string(def.Flavor)),
		logx.String("session", sess.name))
	if err := sess.Launch(ctx, dir, argv); err != nil {
		s.setState(StateStopped)
		return err
	}
	s.setState(StateRunning)

	// Everything past launch is best-effort: a failed pid lookup or stats
	// write degrades monitoring, not the start itself.
	s.sleep(s.cfg.SettleDelay)
	pid, err := sess.LeafPid(ctx)
	if err != nil {
		s.log.Warn("pid discovery failed", logx.String("server", name), logx.Err(err))
	} else {
		s.mu.Lock()
		s.pid = pid
		s.mu.Unlock()
		if s.mon != nil {
			s.mon.StartMonitoring(name, pid)
		}
	}
	if s.stats != nil {
		id, err := s.stats.LogSessionStart(ctx, name, string(def.Flavor), def.Version)
		if err != nil {
			s.log.Warn("session record failed", logx.String("server", name), logx.Err(err))
		} else {
			s.mu.Lock()
			s.sessionID = id
			s.mu.Unlock()
		}
	}
	if def.AutoRestart {
		s.startRestartWatcher(name)
	}
	s.log.Info("server started", logx.String("server", name), logx.Int("pid", pid))
	return nil
}

// Stop sends the in-band stop instruction, waits out the grace window, and
// force-terminates the session if it is still alive. Monitoring teardown and
// the statistics record close are best-effort.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	name, ok := s.reg.Current()
	if !ok {
		return ErrNoActiveServer
	}
	sess := newSession(name, s.run)
	if !sess.Alive(ctx) {
		return ErrNotRunning
	}

	s.setState(StateStopping)
	s.stopRestartWatcher()
	if s.mon != nil {
		s.mon.StopMonitoring(name)
	}

	s.log.Info("stopping server", logx.String("server", name))
	if err := sess.SendLine(ctx, "stop"); err != nil {
		s.log.Warn("graceful stop instruction failed", logx.String("server", name), logx.Err(err))
	}
	deadline := time.Now().Add(s.cfg.StopGrace)
	for time.Now().Before(deadline) {
		if !sess.Alive(ctx) {
			break
		}
		s.sleep(s.cfg.StopPoll)
	}
	if sess.Alive(ctx) {
		s.log.Warn("server did not stop in time, forcing", logx.String("server", name))
		if err := sess.Kill(ctx); err != nil {
			s.log.Error("forced termination failed", logx.String("server", name), logx.Err(err))
		}
	}

	s.mu.Lock()
	id := s.sessionID
	s.sessionID = 0
	s.pid = 0
	s.mu.Unlock()
	if s.stats != nil && id != 0 {
		if err := s.stats.LogSessionEnd(ctx, id); err != nil {
			s.log.Warn("closing session record failed", logx.String("server", name), logx.Err(err))
		}
	}
	s.setState(StateStopped)
	s.log.Info("server stopped", logx.String("server", name))
	return nil
}

// SendCommand types a console command into the running server's session.
func (s *Supervisor) SendCommand(ctx context.Context, line string) error {
	name, ok := s.reg.Current()
	if !ok {
		return ErrNoActiveServer
	}
	sess := newSession(name, s.run)
	if !sess.Alive(ctx) {
		return ErrNotRunning
	}
	return sess.SendLine(ctx, line)
}

// AttachArgs returns the argv a terminal should exec to attach to the
// server console. Attaching takes over the caller's tty, so the supervisor
// never runs it itself.
func (s *Supervisor) AttachArgs() ([]string, error) {
	name, ok := s.reg.Current()
	if !ok {
		return nil, ErrNoActiveServer
	}
	return []string{"screen", "-r", SessionName(name)}, nil
}

func (s *Supervisor) startRestartWatcher(name string) {
	s.mu.Lock()
	if s.restart != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.restart = stop
	s.mu.Unlock()

	go func() {
		sess := newSession(name, s.run)
		for {
			select {
			case <-stop:
				return
			case <-time.After(s.cfg.RestartPoll):
			}
			if sess.Alive(context.Background()) {
				continue
			}
			s.log.Warn("server died unexpectedly, restarting", logx.String("server", name))
			s.mu.Lock()
			s.restart = nil
			s.pid = 0
			s.mu.Unlock()
			if err := s.Start(context.Background()); err != nil {
				s.log.Error("auto-restart failed", logx.String("server", name), logx.Err(err))
			}
			return
		}
	}()
}

func (s *Supervisor) stopRestartWatcher() {
	s.mu.Lock()
	if s.restart != nil {
		close(s.restart)
		s.restart = nil
	}
	s.mu.Unlock()
}

// Package scheduler runs the background poll loop that fires backup and
// restart tasks when they come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"mcman/internal/schedule"
	"mcman/internal/server"
	"mcman/pkg/logx"
)

// DefaultInterval is the poll period of the background loop.
const DefaultInterval = 60 * time.Second

// restartSettle is how long a restart waits between stop and start so the
// OS can release ports and file locks.
const restartSettle = 10 * time.Second

// ServerLifecycle is the slice of the supervisor the scheduler drives.
type ServerLifecycle interface {
	ActiveServer() (string, bool)
	SetActiveServer(name string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ServerPath(name string) string
}

// WorldArchive creates world backups. *world.Archiver satisfies it.
type WorldArchive interface {
	CreateBackup(ctx context.Context, server, serverPath string) (string, error)
}

// Notifier delivers out-of-band operator messages. May be nil.
type Notifier interface {
	Notify(msg string)
}

// BackupHistory records completed backups. *storage.Store satisfies it.
type BackupHistory interface {
	RecordBackup(ctx context.Context, server, path string, size int64) error
}

type Config struct {
	Interval time.Duration
}

// Service owns the task list and the poll loop. Task-list mutations are
// lock-guarded; executions within a cycle are strictly sequential.
type Service struct {
	store    *schedule.Store
	life     ServerLifecycle
	archive  WorldArchive
	notify   Notifier
	history  BackupHistory
	log      logx.Logger
	interval time.Duration
	sleep    func(time.Duration)
	now      func() time.Time

	mu    sync.Mutex
	tasks []schedule.Task

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, store *schedule.Store, life ServerLifecycle, archive WorldArchive, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    store,
		life:     life,
		archive:  archive,
		log:      log,
		interval: cfg.Interval,
		sleep:    time.Sleep,
		now:      time.Now,
	}
	s.tasks = store.Load()
	return s
}

// SetNotifier attaches an optional notifier.
func (s *Service) SetNotifier(n Notifier) { s.notify = n }

// SetBackupHistory attaches an optional backup-history recorder.
func (s *Service) SetBackupHistory(h BackupHistory) { s.history = h }

// AddTask validates the pieces, assigns a fresh id, appends, and persists.
// Malformed frequencies and times are rejected here, never stored.
func (s *Service) AddTask(typ schedule.Type, server, frequency, timeOfDay string) (schedule.Task, error) {
	freq, err := schedule.ParseFrequency(frequency)
	if err != nil {
		return schedule.Task{}, err
	}
	var at *schedule.ClockTime
	if strings.TrimSpace(timeOfDay) != "" {
		ct, err := schedule.ParseClockTime(timeOfDay)
		if err != nil {
			return schedule.Task{}, err
		}
		at = &ct
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID int64
	for _, t := range s.tasks {
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	task, err := schedule.NewTask(maxID+1, typ, server, freq, at)
	if err != nil {
		return schedule.Task{}, err
	}
	s.tasks = append(s.tasks, task)
	s.persistLocked()
	s.log.Info("task added",
		logx.Int64("id", task.ID),
		logx.String("type", task.Type.String()),
		logx.String("server", task.Server))
	return task, nil
}

// RemoveTask deletes a task by id. It reports false for an unknown id and
// leaves the list unchanged.
func (s *Service) RemoveTask(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.persistLocked()
			s.log.Info("task removed", logx.Int64("id", id))
			return true
		}
	}
	return false
}

// ToggleTask flips a task's enabled flag. It reports false for an unknown id.
func (s *Service) ToggleTask(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].Enabled = !s.tasks[i].Enabled
			s.persistLocked()
			s.log.Info("task toggled", logx.Int64("id", id), logx.Bool("enabled", s.tasks[i].Enabled))
			return true
		}
	}
	return false
}

// Tasks returns a copy of the task list.
func (s *Service) Tasks() []schedule.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Persist writes the current task list to disk.
func (s *Service) Persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// Save failures are reported, not fatal; the next mutation retries.
func (s *Service) persistLocked() {
	if err := s.store.Save(s.tasks); err != nil {
		s.log.Warn("task persistence failed", logx.Err(err))
	}
}

// Start launches the poll loop. Calling it while running is a no-op with a
// warning.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		s.log.Warn("scheduler already running")
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	s.log.Info("scheduler started", logx.Duration("interval", s.interval))
	return nil
}

// Stop terminates the poll loop and waits for it to finish, bounded by ctx.
// Calling it while idle is a no-op. The loop is marked stopped before the
// wait, so a timed-out Stop leaves the service stoppable and restartable
// instead of wedged on a half-closed channel.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, loop will exit after the current task")
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Service) loop(stopCh, done chan struct{}) {
	defer close(done)
	for {
		s.runCycle(stopCh)
		select {
		case <-stopCh:
			return
		case <-time.After(s.interval):
		}
	}
}

// runCycle executes every due task sequentially, persisting after each one.
// The stop signal is honored between tasks, not only between cycles.
func (s *Service) runCycle(stopCh chan struct{}) {
	now := s.now()

	s.mu.Lock()
	snapshot := make([]schedule.Task, len(s.tasks))
	copy(snapshot, s.tasks)
	s.mu.Unlock()

	for _, task := range snapshot {
		select {
		case <-stopCh:
			return
		default:
		}
		if !task.Due(now) {
			continue
		}
		s.execute(task)

		// last_run advances regardless of outcome so a persistently
		// failing task does not retry every minute.
		ran := s.now()
		s.mu.Lock()
		for i := range s.tasks {
			if s.tasks[i].ID == task.ID {
				s.tasks[i].LastRun = ran
				break
			}
		}
		s.persistLocked()
		s.mu.Unlock()
	}
}

func (s *Service) execute(task schedule.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.Int64("id", task.ID), logx.Any("panic", r))
		}
	}()

	s.log.Info("executing task",
		logx.Int64("id", task.ID),
		logx.String("type", task.Type.String()),
		logx.String("server", task.Server))

	var err error
	switch task.Type {
	case schedule.TypeBackup:
		err = s.runBackup(task)
	case schedule.TypeRestart:
		err = s.runRestart(task)
	}
	if err != nil {
		s.log.Error("task failed", logx.Int64("id", task.ID), logx.Err(err))
		s.notifyf("task %d (%s %s) failed: %v", task.ID, task.Type, task.Server, err)
		return
	}
	s.log.Info("task completed", logx.Int64("id", task.ID))
}

func (s *Service) runBackup(task schedule.Task) error {
	ctx := context.Background()
	path, err := s.archive.CreateBackup(ctx, task.Server, s.life.ServerPath(task.Server))
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	s.log.Info("backup created", logx.String("server", task.Server), logx.String("archive", path))
	if s.history != nil {
		var size int64
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		if err := s.history.RecordBackup(ctx, task.Server, path, size); err != nil {
			s.log.Warn("backup history write failed", logx.String("server", task.Server), logx.Err(err))
		}
	}
	s.notifyf("backup of %s completed", task.Server)
	return nil
}

// runRestart stops and restarts the task's server, switching the active
// context if needed and always restoring the original selection.
func (s *Service) runRestart(task schedule.Task) error {
	ctx := context.Background()

	original, had := s.life.ActiveServer()
	switched := !had || original != task.Server
	if switched {
		if err := s.life.SetActiveServer(task.Server); err != nil {
			return fmt.Errorf("switching to %s: %w", task.Server, err)
		}
		defer func() {
			restore := ""
			if had {
				restore = original
			}
			if err := s.life.SetActiveServer(restore); err != nil {
				s.log.Error("restoring active server failed",
					logx.String("server", restore), logx.Err(err))
			}
		}()
	}

	if err := s.life.Stop(ctx); err != nil {
		// A server that is already down still gets its scheduled start.
		if !isNotRunning(err) {
			return fmt.Errorf("stop: %w", err)
		}
		s.log.Info("server was not running, starting fresh", logx.String("server", task.Server))
	}
	s.sleep(restartSettle)
	if err := s.life.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	s.notifyf("restart of %s completed", task.Server)
	return nil
}

func isNotRunning(err error) bool { return errors.Is(err, server.ErrNotRunning) }

func (s *Service) notifyf(format string, args ...any) {
	if s.notify != nil {
		s.notify.Notify(fmt.Sprintf(format, args...))
	}
}

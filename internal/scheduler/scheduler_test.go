package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mcman/internal/schedule"
	"mcman/internal/server"
	"mcman/pkg/logx"
)

type fakeLifecycle struct {
	mu      sync.Mutex
	active  string
	running bool
	ops     []string
}

func (f *fakeLifecycle) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeLifecycle) ActiveServer() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

func (f *fakeLifecycle) SetActiveServer(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = name
	f.record("select:" + name)
	return nil
}

func (f *fakeLifecycle) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.record("start:" + f.active)
	return nil
}

func (f *fakeLifecycle) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop:" + f.active)
	if !f.running {
		return server.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeLifecycle) ServerPath(name string) string {
	return filepath.Join("/srv", name)
}

type fakeArchive struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeArchive) CreateBackup(_ context.Context, server, serverPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, server)
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join(serverPath, "backups", "world_backup_x.zip"), nil
}

// blockingArchive parks CreateBackup until released, to hold the poll loop
// mid-task.
type blockingArchive struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingArchive) CreateBackup(_ context.Context, server, serverPath string) (string, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return filepath.Join(serverPath, "backups", "world_backup_x.zip"), nil
}

func newTestService(t *testing.T, life ServerLifecycle, archive WorldArchive) *Service {
	t.Helper()
	store := schedule.NewStore(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	s := New(Config{Interval: time.Hour}, store, life, archive, logx.Nop())
	s.sleep = func(time.Duration) {}
	return s
}

func TestAddRemoveToggle(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeLifecycle{}, &fakeArchive{})

	task, err := s.AddTask(schedule.TypeBackup, "surv1", "daily", "03:00")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID != 1 || !task.Enabled || !task.LastRun.IsZero() {
		t.Fatalf("task = %+v", task)
	}
	task2, err := s.AddTask(schedule.TypeRestart, "surv1", "hourly", "")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task2.ID == task.ID {
		t.Fatal("ids must be distinct")
	}

	if s.RemoveTask(99) {
		t.Error("removing unknown id should report false")
	}
	if len(s.Tasks()) != 2 {
		t.Error("failed remove must leave the list unchanged")
	}
	if s.ToggleTask(99) {
		t.Error("toggling unknown id should report false")
	}
	if !s.ToggleTask(task.ID) {
		t.Error("toggle should succeed")
	}
	if got := s.Tasks()[0]; got.Enabled {
		t.Error("toggle should disable the task")
	}
	if !s.RemoveTask(task2.ID) {
		t.Error("remove should succeed")
	}
	if len(s.Tasks()) != 1 {
		t.Errorf("tasks = %v", s.Tasks())
	}
}

func TestIDsSurviveReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasks.json")
	store := schedule.NewStore(path, logx.Nop())
	s := New(Config{}, store, &fakeLifecycle{}, &fakeArchive{}, logx.Nop())
	if _, err := s.AddTask(schedule.TypeBackup, "surv1", "hourly", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddTask(schedule.TypeBackup, "surv2", "hourly", ""); err != nil {
		t.Fatal(err)
	}

	s2 := New(Config{}, schedule.NewStore(path, logx.Nop()), &fakeLifecycle{}, &fakeArchive{}, logx.Nop())
	task, err := s2.AddTask(schedule.TypeBackup, "surv3", "hourly", "")
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != 3 {
		t.Fatalf("id after reload = %d, want 3", task.ID)
	}
}

func TestStartIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeLifecycle{}, &fakeArchive{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("second Start should be a no-op, not an error")
	}
	if !s.Running() {
		t.Fatal("scheduler should be running")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal("second Stop should be a no-op")
	}
	if s.Running() {
		t.Fatal("scheduler should be idle")
	}
}

func TestStopTimeoutLeavesServiceStoppable(t *testing.T) {
	t.Parallel()
	archive := &blockingArchive{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestService(t, &fakeLifecycle{}, archive)
	if _, err := s.AddTask(schedule.TypeBackup, "surv1", "hourly", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-archive.entered // the loop is now parked mid-task

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Stop(canceled); err == nil {
		t.Fatal("bounded stop against a busy loop should report its context error")
	}
	if s.Running() {
		t.Fatal("a timed-out stop must still mark the scheduler stopped")
	}
	// Repeated stop while marked stopped stays a no-op, never a panic.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	close(archive.release)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart after timed-out stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

func TestDailyBackupFiresOnceThenNextDay(t *testing.T) {
	t.Parallel()
	archive := &fakeArchive{}
	s := newTestService(t, &fakeLifecycle{}, archive)
	if _, err := s.AddTask(schedule.TypeBackup, "surv1", "daily", "03:00"); err != nil {
		t.Fatal(err)
	}

	day1 := time.Date(2025, 6, 9, 3, 1, 0, 0, time.UTC)
	s.now = func() time.Time { return day1 }
	s.runCycle(make(chan struct{}))

	archive.mu.Lock()
	n := len(archive.calls)
	archive.mu.Unlock()
	if n != 1 {
		t.Fatalf("backups after first due cycle = %d, want 1", n)
	}

	// Same day, later: last_run's date is today, so not due again.
	s.now = func() time.Time { return day1.Add(5 * time.Hour) }
	s.runCycle(make(chan struct{}))
	archive.mu.Lock()
	n = len(archive.calls)
	archive.mu.Unlock()
	if n != 1 {
		t.Fatalf("backups after same-day cycle = %d, want 1", n)
	}

	// Next day past the target time: due again.
	s.now = func() time.Time { return day1.Add(24 * time.Hour) }
	s.runCycle(make(chan struct{}))
	archive.mu.Lock()
	n = len(archive.calls)
	archive.mu.Unlock()
	if n != 2 {
		t.Fatalf("backups after next-day cycle = %d, want 2", n)
	}
}

func TestRestartSwitchesAndRestoresContext(t *testing.T) {
	t.Parallel()
	life := &fakeLifecycle{active: "lobby", running: true}
	s := newTestService(t, life, &fakeArchive{})
	if _, err := s.AddTask(schedule.TypeRestart, "surv1", "hourly", ""); err != nil {
		t.Fatal(err)
	}

	s.runCycle(make(chan struct{}))

	life.mu.Lock()
	defer life.mu.Unlock()
	want := []string{"select:surv1", "stop:surv1", "start:surv1", "select:lobby"}
	if len(life.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", life.ops, want)
	}
	for i := range want {
		if life.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", life.ops, want)
		}
	}
	if life.active != "lobby" {
		t.Fatalf("active after restart = %q, want lobby", life.active)
	}
}

func TestRestartOfStoppedServerStillStarts(t *testing.T) {
	t.Parallel()
	life := &fakeLifecycle{active: "surv1", running: false}
	s := newTestService(t, life, &fakeArchive{})
	if _, err := s.AddTask(schedule.TypeRestart, "surv1", "hourly", ""); err != nil {
		t.Fatal(err)
	}

	s.runCycle(make(chan struct{}))

	life.mu.Lock()
	defer life.mu.Unlock()
	if !life.running {
		t.Fatal("server should be started even though it was not running")
	}
}

func TestFailedTaskStillAdvancesLastRun(t *testing.T) {
	t.Parallel()
	archive := &fakeArchive{err: context.DeadlineExceeded}
	s := newTestService(t, &fakeLifecycle{}, archive)
	if _, err := s.AddTask(schedule.TypeBackup, "surv1", "hourly", ""); err != nil {
		t.Fatal(err)
	}

	s.runCycle(make(chan struct{}))

	if got := s.Tasks()[0]; got.LastRun.IsZero() {
		t.Fatal("last_run must advance even when the task fails")
	}
	// The next cycle within the hour must not retry.
	s.runCycle(make(chan struct{}))
	archive.mu.Lock()
	n := len(archive.calls)
	archive.mu.Unlock()
	if n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestStopSignalHonoredBetweenTasks(t *testing.T) {
	t.Parallel()
	archive := &fakeArchive{}
	s := newTestService(t, &fakeLifecycle{}, archive)
	for _, srv := range []string{"a", "b", "c"} {
		if _, err := s.AddTask(schedule.TypeBackup, srv, "hourly", ""); err != nil {
			t.Fatal(err)
		}
	}

	stopCh := make(chan struct{})
	close(stopCh)
	s.runCycle(stopCh)

	archive.mu.Lock()
	n := len(archive.calls)
	archive.mu.Unlock()
	if n != 0 {
		t.Fatalf("tasks executed after stop = %d, want 0", n)
	}
}

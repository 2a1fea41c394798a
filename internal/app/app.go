// Package app wires the daemon together: config, logging, storage, the
// process supervisor, the task scheduler, housekeeping, and shutdown.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"mcman/internal/config"
	"mcman/internal/monitor"
	"mcman/internal/notify"
	"mcman/internal/registry"
	"mcman/internal/runtime/supervisor"
	"mcman/internal/schedule"
	"mcman/internal/scheduler"
	"mcman/internal/server"
	"mcman/internal/shutdown"
	"mcman/internal/storage"
	"mcman/internal/world"
	"mcman/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    *storage.Store
	reg      *registry.Registry
	mon      *monitor.Service
	archiver *world.Archiver
	serverSv *server.Supervisor
	sched    *scheduler.Service
	notif    *notify.Service
	coord    *shutdown.Coordinator
	cron     *cron.Cron

	cfg *config.Config
	dur config.Durations
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	dur, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
			MaxSize: cfg.Logging.File.MaxSize,
		},
	})
	log = log.With(logx.String("comp", "app"))

	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = filepath.Join(cfg.Paths.DataDir, "stats.db")
	}
	store, err := storage.Open(storage.Config{
		Path:        storePath,
		BusyTimeout: dur.StorageBusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("opening stats store: %w", err)
	}

	reg := registry.Load(filepath.Join(cfg.Paths.DataDir, "servers.json"),
		log.With(logx.String("comp", "registry")))
	mon := monitor.New(store, log.With(logx.String("comp", "monitor")))
	archiver := world.NewArchiver(cfg.BackupKeep(), log.With(logx.String("comp", "backup")))

	serverSv := server.NewSupervisor(server.Config{
		ServersRoot: cfg.Paths.ServersRoot,
		JavaRoot:    cfg.Paths.JavaRoot,
		SettleDelay: dur.SettleDelay,
		StopGrace:   dur.StopGrace,
		RestartPoll: dur.RestartPoll,
	}, reg, store, mon, log.With(logx.String("comp", "server")))

	taskStore := schedule.NewStore(filepath.Join(cfg.Paths.DataDir, "tasks.json"),
		log.With(logx.String("comp", "tasks")))
	sched := scheduler.New(scheduler.Config{Interval: dur.SchedulerInterval},
		taskStore, serverSv, archiver, log.With(logx.String("comp", "scheduler")))
	sched.SetBackupHistory(store)

	notif, err := notify.New(notify.Config{
		Token:  cfg.Notify.Token,
		ChatID: cfg.Notify.ChatID,
	}, log.With(logx.String("comp", "notify")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}
	if notif != nil {
		sched.SetNotifier(notif)
	}

	coord := shutdown.NewCoordinator(sched, log.With(logx.String("comp", "shutdown")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		reg:      reg,
		mon:      mon,
		archiver: archiver,
		serverSv: serverSv,
		sched:    sched,
		notif:    notif,
		coord:    coord,
		cron:     cron.New(),
		cfg:      cfg,
		dur:      dur,
	}, nil
}

// Scheduler exposes the task scheduler to command surfaces.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Server exposes the process supervisor to command surfaces.
func (a *App) Server() *server.Supervisor { return a.serverSv }

// Shutdown exposes the coordinator so external surfaces can register
// cleanup callbacks or request a graceful stop.
func (a *App) Shutdown() *shutdown.Coordinator { return a.coord }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	a.cfgm.SetValidator(func(cfg *config.Config) error {
		_, err := cfg.Validate()
		return err
	})
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	sub := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-sub:
				if cfg == nil {
					continue
				}
				a.applyReload(cfg)
			}
		}
	})

	a.notif.Start()

	if a.cfg.Scheduler.Enabled {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
	}

	if _, err := a.cron.AddFunc(a.cfg.HousekeepingCron(), a.housekeeping); err != nil {
		return fmt.Errorf("housekeeping schedule: %w", err)
	}
	a.cron.Start()

	a.coord.Register("monitor", a.mon.StopAll)
	a.coord.Register("notifier", a.notif.Stop)
	a.coord.Register("storage", func() {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing stats store", logx.Err(err))
		}
	})

	a.log.Info("started",
		logx.String("servers_root", a.cfg.Paths.ServersRoot),
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled))
	return nil
}

// applyReload applies the hot-reloadable subset of the config. Structural
// settings (paths, storage) need a restart and are left untouched.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
			MaxSize: cfg.Logging.File.MaxSize,
		},
	})
	a.log.Info("config change applied", logx.String("level", cfg.Logging.Level))
}

// housekeeping rotates old backups for every configured server and prunes
// aged performance metrics.
func (a *App) housekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, name := range a.reg.List() {
		if err := a.archiver.Rotate(a.serverSv.ServerPath(name)); err != nil {
			a.log.Warn("backup rotation failed", logx.String("server", name), logx.Err(err))
		}
	}
	pruned, err := a.store.PruneMetrics(ctx, a.dur.MetricRetention)
	if err != nil {
		a.log.Warn("metric pruning failed", logx.Err(err))
		return
	}
	a.log.Info("housekeeping done", logx.Int64("metrics_pruned", pruned))
}

// Stop runs the graceful-shutdown sequence. Each step is bounded so one
// component can never stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
			return c.Err()
		}
		return nil
	})
	// The coordinator stops the scheduler, runs the registered callbacks
	// (monitor, notifier, storage) exactly once, and persists task state.
	step("shutdown", 10*time.Second, func(c context.Context) error {
		return a.coord.Shutdown(c)
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

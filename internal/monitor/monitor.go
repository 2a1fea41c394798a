// Package monitor samples CPU and RAM usage of running server processes and
// feeds the results to the metrics store.
package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mcman/internal/storage"
	"mcman/pkg/logx"
)

// DefaultInterval is how often a watcher samples its process.
const DefaultInterval = 60 * time.Second

// Snapshot is one raw reading of a process.
type Snapshot struct {
	CPUTime  time.Duration // cumulative user+system time
	RSS      int64         // resident set, bytes
	TotalMem int64         // system memory, bytes
}

// Probe reads raw process state. The production implementation reads /proc.
type Probe interface {
	Snapshot(pid int) (Snapshot, error)
}

// MetricSink receives computed samples. *storage.Store satisfies it.
type MetricSink interface {
	LogMetric(ctx context.Context, server string, m storage.Metric) error
}

type watcher struct {
	pid  int
	stop chan struct{}
	done chan struct{}
}

// Service runs one sampling goroutine per monitored server.
type Service struct {
	probe    Probe
	sink     MetricSink
	interval time.Duration
	limiter  *rate.Limiter
	log      logx.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

func New(sink MetricSink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		probe:    procProbe{},
		sink:     sink,
		interval: DefaultInterval,
		// Writes are cheap but unbounded growth is not; cap the store at
		// one sample per second across all servers.
		limiter:  rate.NewLimiter(rate.Limit(1), 5),
		log:      log,
		watchers: map[string]*watcher{},
	}
}

// StartMonitoring begins sampling the given process. It reports false when
// the server is already being monitored.
func (s *Service) StartMonitoring(server string, pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[server]; ok {
		s.log.Warn("monitoring already active", logx.String("server", server))
		return false
	}
	w := &watcher{pid: pid, stop: make(chan struct{}), done: make(chan struct{})}
	s.watchers[server] = w
	go s.run(server, w)
	s.log.Info("started monitoring", logx.String("server", server), logx.Int("pid", pid))
	return true
}

// StopMonitoring stops the server's watcher and waits for it to exit. It
// reports false when the server was not being monitored.
func (s *Service) StopMonitoring(server string) bool {
	s.mu.Lock()
	w, ok := s.watchers[server]
	if ok {
		delete(s.watchers, server)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	close(w.stop)
	<-w.done
	s.log.Info("stopped monitoring", logx.String("server", server))
	return true
}

// StopAll stops every active watcher.
func (s *Service) StopAll() {
	s.mu.Lock()
	ws := s.watchers
	s.watchers = map[string]*watcher{}
	s.mu.Unlock()
	for server, w := range ws {
		close(w.stop)
		<-w.done
		s.log.Debug("stopped monitoring", logx.String("server", server))
	}
}

// Active returns the names of servers currently being monitored.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.watchers))
	for n := range s.watchers {
		names = append(names, n)
	}
	return names
}

func (s *Service) run(server string, w *watcher) {
	defer close(w.done)
	defer func() {
		// Self-termination (process death) must release the slot so the
		// server can be monitored again after a restart.
		s.mu.Lock()
		if cur, ok := s.watchers[server]; ok && cur == w {
			delete(s.watchers, server)
		}
		s.mu.Unlock()
	}()

	prev, err := s.probe.Snapshot(w.pid)
	if err != nil {
		s.log.Warn("process not sampleable", logx.String("server", server), logx.Int("pid", w.pid), logx.Err(err))
		return
	}
	prevAt := time.Now()

	for {
		select {
		case <-w.stop:
			return
		case <-time.After(s.interval):
		}

		cur, err := s.probe.Snapshot(w.pid)
		if err != nil {
			s.log.Warn("process gone, stopping monitor",
				logx.String("server", server), logx.Int("pid", w.pid))
			return
		}
		now := time.Now()

		m := storage.Metric{At: now}
		if wall := now.Sub(prevAt); wall > 0 {
			m.CPUPct = 100 * float64(cur.CPUTime-prev.CPUTime) / float64(wall)
		}
		if cur.TotalMem > 0 {
			m.RAMPct = 100 * float64(cur.RSS) / float64(cur.TotalMem)
		}
		prev, prevAt = cur, now

		if s.sink == nil || !s.limiter.Allow() {
			continue
		}
		if err := s.sink.LogMetric(context.Background(), server, m); err != nil {
			s.log.Warn("metric write failed", logx.String("server", server), logx.Err(err))
		}
	}
}

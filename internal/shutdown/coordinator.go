// Package shutdown runs the one-time graceful-shutdown sequence: stop the
// scheduler, run registered cleanup callbacks, persist task state.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"

	"mcman/pkg/logx"
)

// Scheduler is the slice of the scheduler the coordinator drives.
type Scheduler interface {
	Stop(ctx context.Context) error
	Persist()
}

// Coordinator collects cleanup callbacks from independent subsystems and
// runs them exactly once, regardless of how many shutdown requests arrive.
type Coordinator struct {
	sched Scheduler
	log   logx.Logger

	mu        sync.Mutex
	order     []string
	callbacks map[string]func()

	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCoordinator(sched Scheduler, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		sched:     sched,
		log:       log,
		callbacks: map[string]func(){},
		done:      make(chan struct{}),
	}
}

// Register adds a named cleanup callback. Re-registering a name is a no-op,
// keeping the first registration. Callbacks run in registration order.
func (c *Coordinator) Register(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callbacks[name]; ok {
		return
	}
	c.callbacks[name] = fn
	c.order = append(c.order, name)
}

// ShuttingDown reports whether a shutdown has been requested. Signal
// handlers only set this flag; the sequence itself runs from ordinary code.
func (c *Coordinator) ShuttingDown() bool { return c.flag.Load() }

// Shutdown runs the graceful sequence once. Concurrent and repeated calls
// wait for the first to finish (bounded by ctx) instead of re-running
// callbacks.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.flag.Store(true)
	c.once.Do(func() {
		defer close(c.done)
		c.log.Info("graceful shutdown started")

		if c.sched != nil {
			if err := c.sched.Stop(ctx); err != nil {
				c.log.Warn("scheduler did not stop cleanly", logx.Err(err))
			}
		}

		// Snapshot names and funcs under the lock; Register may run
		// concurrently and must never race the iteration.
		c.mu.Lock()
		order := append([]string(nil), c.order...)
		fns := make([]func(), len(order))
		for i, name := range order {
			fns[i] = c.callbacks[name]
		}
		c.mu.Unlock()
		for i, name := range order {
			c.runCallback(name, fns[i])
		}

		if c.sched != nil {
			c.sched.Persist()
		}
		c.log.Info("graceful shutdown complete")
	})

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCallback isolates panics so one callback can never block the rest.
func (c *Coordinator) runCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("shutdown callback panicked",
				logx.String("callback", name), logx.Any("panic", r))
		}
	}()
	c.log.Debug("running shutdown callback", logx.String("callback", name))
	fn()
}

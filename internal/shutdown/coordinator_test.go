package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"mcman/pkg/logx"
)

type fakeScheduler struct {
	mu       sync.Mutex
	stops    int
	persists int
}

func (f *fakeScheduler) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeScheduler) Persist() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
}

func TestShutdownRunsCallbacksOnce(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	c := NewCoordinator(sched, logx.Nop())

	var calls atomic.Int32
	c.Register("monitor", func() { calls.Add(1) })
	c.Register("storage", func() { calls.Add(1) })

	ctx := context.Background()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("callback invocations = %d, want 2", got)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if sched.stops != 1 || sched.persists != 1 {
		t.Fatalf("scheduler stops = %d, persists = %d, want 1 each", sched.stops, sched.persists)
	}
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeScheduler{}, logx.Nop())

	var first, second atomic.Int32
	c.Register("cleanup", func() { first.Add(1) })
	c.Register("cleanup", func() { second.Add(1) })

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if first.Load() != 1 || second.Load() != 0 {
		t.Fatalf("first = %d, second = %d", first.Load(), second.Load())
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeScheduler{}, logx.Nop())

	var after atomic.Bool
	c.Register("broken", func() { panic("boom") })
	c.Register("healthy", func() { after.Store(true) })

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !after.Load() {
		t.Fatal("callback after the panicking one never ran")
	}
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeScheduler{}, logx.Nop())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		c.Register(name, func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestRegisterDuringShutdown(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeScheduler{}, logx.Nop())

	release := make(chan struct{})
	c.Register("slow", func() { <-release })

	// Registrations keep arriving while the sequence is running; they must
	// never race the callback iteration.
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		for i := 0; i < 100; i++ {
			c.Register(fmt.Sprintf("late-%d", i), func() {})
		}
		close(release)
	}()

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-registered
}

func TestShuttingDownFlag(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeScheduler{}, logx.Nop())
	if c.ShuttingDown() {
		t.Fatal("flag set before any request")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.ShuttingDown() {
		t.Fatal("flag not set after shutdown")
	}
}

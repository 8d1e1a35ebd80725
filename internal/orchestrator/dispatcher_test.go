package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
)

type funcExecutor func(ctx context.Context, planID string) error

func (f funcExecutor) ExecutePlan(ctx context.Context, planID string) error { return f(ctx, planID) }

func TestDispatchReturnsBeforeExecutionFinishes(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	env.registry.Register("crm", connector.Func(func(ctx context.Context, action string, params map[string]any) (connector.Result, error) {
		close(started)
		<-release
		return connector.Result{"done": true}, nil
	}))
	p := env.savePlan(t, stepOf("crm", "audit_account"))

	d := NewDispatcher(env.orch, 2, observability.NewLoggerTo(io.Discard, ""))
	if err := d.Dispatch(p.ID); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	if !d.Running(p.ID) || d.Active() != 1 {
		t.Fatalf("expected plan to be in flight, active=%d", d.Active())
	}
	if got := env.load(t, p.ID); got.Status != plan.StatusRunning {
		t.Fatalf("expected RUNNING while the step is in flight, got %s", got.Status)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := env.load(t, p.ID); got.Status != plan.StatusCompleted {
		t.Fatalf("expected COMPLETED after shutdown, got %s", got.Status)
	}
	if err := d.Dispatch(p.ID); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestDispatchDeduplicatesInflightPlans(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	d := NewDispatcher(funcExecutor(func(ctx context.Context, planID string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}), 4, nil)

	for i := 0; i < 3; i++ {
		if err := d.Dispatch("plan-1"); err != nil {
			t.Fatal(err)
		}
	}
	if d.Active() != 1 {
		t.Fatalf("expected a single in-flight execution, got %d", d.Active())
	}
	close(release)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 execution, got %d", calls)
	}
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	d := NewDispatcher(funcExecutor(func(ctx context.Context, planID string) error {
		if planID == "bad" {
			panic("boom")
		}
		return nil
	}), 1, nil)

	if err := d.Dispatch("bad"); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch("good"); err != nil {
		t.Fatal(err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Active() != 0 {
		t.Fatalf("expected no in-flight plans, got %d", d.Active())
	}
}

func TestShutdownCancelsWhenDeadlinePasses(t *testing.T) {
	d := NewDispatcher(funcExecutor(func(ctx context.Context, planID string) error {
		<-ctx.Done()
		return ctx.Err()
	}), 1, nil)
	if err := d.Dispatch("slow"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestShutdownLeavesInterruptedPlanResumable(t *testing.T) {
	env := newTestEnv(t, Config{})
	started := make(chan struct{})
	env.registry.Register("crm", connector.Func(func(ctx context.Context, action string, params map[string]any) (connector.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p := env.savePlan(t, stepOf("crm", "audit_account"))

	d := NewDispatcher(env.orch, 1, nil)
	if err := d.Dispatch(p.ID); err != nil {
		t.Fatal(err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = d.Shutdown(ctx)

	got := env.load(t, p.ID)
	if got.Status.Terminal() {
		t.Fatalf("interrupted plan must stay resumable, got %s", got.Status)
	}
	if got.Steps[0].Status != plan.StatusPending || got.Steps[0].Attempts != 1 {
		t.Fatalf("unexpected step: %+v", got.Steps[0])
	}
}

type fakeDispatcher struct {
	running    map[string]bool
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(planID string) error {
	f.dispatched = append(f.dispatched, planID)
	return nil
}

func (f *fakeDispatcher) Running(planID string) bool { return f.running[planID] }

func TestSweepResumesStaleRunningPlans(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	stale := env.savePlan(t, stepOf("crm", "audit_account"))
	stale.Status = plan.StatusRunning
	if err := env.store.SavePlan(ctx, stale); err != nil {
		t.Fatal(err)
	}
	busy := env.savePlan(t, stepOf("crm", "audit_account"))
	busy.Status = plan.StatusRunning
	if err := env.store.SavePlan(ctx, busy); err != nil {
		t.Fatal(err)
	}
	env.savePlan(t, stepOf("crm", "audit_account")) // pending, never swept

	fd := &fakeDispatcher{running: map[string]bool{busy.ID: true}}
	s := NewSweeper(env.store, fd, nil, time.Minute, 15*time.Minute)
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 || len(fd.dispatched) != 1 || fd.dispatched[0] != stale.ID {
		t.Fatalf("expected only %s to be resumed, got %v", stale.ID, fd.dispatched)
	}

	// Nothing is stale yet from the real clock's point of view.
	s.now = time.Now
	fd.dispatched = nil
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("expected no fresh plan to be resumed, got %v", fd.dispatched)
	}
}

func TestSweeperDisabledWithZeroInterval(t *testing.T) {
	s := NewSweeper(nil, &fakeDispatcher{}, nil, 0, 0)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when disabled")
	}
}

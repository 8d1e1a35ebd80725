package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/rahul/missionctl/internal/observability"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Dispatch once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Executor runs a stored plan to completion.
type Executor interface {
	ExecutePlan(ctx context.Context, planID string) error
}

// Dispatcher starts plan executions in the background and returns at once.
// Outcomes are only observable through the plan store.
type Dispatcher struct {
	exec   Executor
	sem    *semaphore.Weighted
	logger *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]bool
}

func NewDispatcher(exec Executor, maxConcurrent int, logger *observability.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		exec:     exec,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
}

// Dispatch schedules planID for execution. A plan already queued or running
// in this dispatcher is not scheduled twice.
func (d *Dispatcher) Dispatch(planID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	if d.inflight[planID] {
		d.mu.Unlock()
		return nil
	}
	d.inflight[planID] = true
	active := len(d.inflight)
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.LogDispatch(planID, "queued", active)
	go d.run(planID)
	return nil
}

func (d *Dispatcher) run(planID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, planID)
		active := len(d.inflight)
		d.mu.Unlock()
		d.logger.LogDispatch(planID, "done", active)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC while executing plan %s: %v\n%s", planID, r, debug.Stack())
			d.logger.LogDispatch(planID, fmt.Sprintf("panic: %v", r), -1)
		}
	}()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		log.Printf("Plan %s not started: %v", planID, err)
		return
	}
	defer d.sem.Release(1)

	if err := d.exec.ExecutePlan(d.ctx, planID); err != nil {
		log.Printf("Background execution of plan %s ended with error: %v", planID, err)
		return
	}
}

// Active returns the number of queued or running plans.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Running reports whether planID is queued or running here.
func (d *Dispatcher) Running(planID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[planID]
}

// Shutdown stops accepting work and waits for running executions. When ctx
// expires first, in-flight executions are cancelled and left resumable.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

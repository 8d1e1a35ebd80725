package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/store"
)

// PlanDispatcher is the subset of Dispatcher the sweeper needs.
type PlanDispatcher interface {
	Dispatch(planID string) error
	Running(planID string) bool
}

// Sweeper periodically re-dispatches RUNNING plans whose execution stopped
// making progress, for example after a crash. Leases keep a resumed plan
// from running twice.
type Sweeper struct {
	Store      store.PlanStore
	Dispatcher PlanDispatcher
	Logger     *observability.Logger
	Interval   time.Duration
	StaleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(st store.PlanStore, d PlanDispatcher, logger *observability.Logger, interval, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Sweeper{
		Store:      st,
		Dispatcher: d,
		Logger:     logger,
		Interval:   interval,
		StaleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start blocks until ctx is done. A zero interval disables sweeping.
func (s *Sweeper) Start(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Plan sweeper started...")
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	observability.Heartbeat()
	s.Logger.LogHeartbeat()
	if _, err := s.Sweep(ctx); err != nil {
		log.Printf("Error sweeping plans: %v", err)
	}
}

// Sweep dispatches every stale RUNNING plan and returns how many it resumed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	plans, err := s.Store.ListPlans(ctx, plan.StatusRunning)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.StaleAfter)
	resumed := 0
	for _, p := range plans {
		if p.UpdatedAt.After(cutoff) || s.Dispatcher.Running(p.ID) {
			continue
		}
		log.Printf("Resuming stale plan %s (last update %s)", p.ID, p.UpdatedAt.Format(time.RFC3339))
		if err := s.Dispatcher.Dispatch(p.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

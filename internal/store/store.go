package store

import (
	"context"
	"errors"
	"time"

	"github.com/rahul/missionctl/internal/plan"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("version conflict")
	ErrLeaseHeld = errors.New("lease held by another owner")
)

// PlanStore persists plans, their logs and execution leases. It is the only
// channel through which background executions report progress.
type PlanStore interface {
	// SavePlan inserts a plan when p.Version is 0 and otherwise updates it
	// only if the stored version still equals p.Version. On success
	// p.Version is advanced in place.
	SavePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	ListPlans(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error)

	AppendLog(ctx context.Context, entry plan.LogEntry) error
	GetLogs(ctx context.Context, planID string) ([]plan.LogEntry, error)

	RequestCancel(ctx context.Context, planID string) error
	CancelRequested(ctx context.Context, planID string) (bool, error)

	// AcquireLease grants or renews ownership of a plan's execution. It
	// fails with ErrLeaseHeld while another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, planID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, planID, owner string) error

	Close() error
}

func statusSet(statuses []plan.Status) map[plan.Status]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[plan.Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

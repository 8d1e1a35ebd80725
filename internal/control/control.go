// Package control is the single entry point the HTTP API, chat gateways
// and CLI use to create, start, inspect and cancel plans.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/mission"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/planner"
	"github.com/rahul/missionctl/internal/postevent"
	"github.com/rahul/missionctl/internal/store"
)

// ErrNoPlanner is returned by goal-based operations when no LLM provider is
// configured.
var ErrNoPlanner = errors.New("no planner configured: enable an LLM provider")

// Dispatcher starts stored plans in the background.
type Dispatcher interface {
	Dispatch(planID string) error
	Active() int
}

type EventTrigger interface {
	Trigger(ctx context.Context, ev postevent.Event) (string, error)
}

type Service struct {
	Store      store.PlanStore
	Planner    planner.Planner
	Dispatcher Dispatcher
	Catalog    planner.CatalogSource
	Missions   *mission.Catalog
	Events     EventTrigger
	Logger     *observability.Logger

	now func() time.Time
}

func New(st store.PlanStore, d Dispatcher, catalog planner.CatalogSource) *Service {
	return &Service{
		Store:      st,
		Dispatcher: d,
		Catalog:    catalog,
		Missions:   mission.Default(),
		now:        time.Now,
	}
}

// Generate asks the planner for a plan and stores it as PENDING.
func (s *Service) Generate(ctx context.Context, instruction string, metadata map[string]string) (*plan.Plan, error) {
	if s.Planner == nil {
		return nil, ErrNoPlanner
	}
	observability.SetStatus(observability.RolePlanner, instruction)
	defer func() {
		if observability.ActiveExecutions() > 0 {
			observability.SetStatus(observability.RoleExecutor, "")
		} else {
			observability.SetStatus(observability.RoleIdle, "")
		}
	}()

	p, err := s.Planner.GeneratePlan(ctx, instruction)
	if err != nil {
		return nil, err
	}
	if err := s.create(ctx, p, metadata, "planner"); err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitGoal plans a goal and starts it right away.
func (s *Service) SubmitGoal(ctx context.Context, goal string, metadata map[string]string) (*plan.Plan, error) {
	p, err := s.Generate(ctx, goal, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.Start(p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// Import stores a caller-supplied plan document from scratch as PENDING. The
// document's statuses, attempts and outputs are reset; doc is not modified.
func (s *Service) Import(ctx context.Context, doc *plan.Plan, metadata map[string]string) (*plan.Plan, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil plan", plan.ErrInvalidPlan)
	}
	p := doc.Clone()
	plan.Normalize(p, s.now())
	if err := plan.Validate(p); err != nil {
		return nil, err
	}
	if err := s.create(ctx, p, metadata, "document"); err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitPlan imports a plan document and starts it.
func (s *Service) SubmitPlan(ctx context.Context, doc *plan.Plan, metadata map[string]string) (*plan.Plan, error) {
	p, err := s.Import(ctx, doc, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.Start(p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// RunMission instantiates a mission template and starts it.
func (s *Service) RunMission(ctx context.Context, name string, vars map[string]string, metadata map[string]string) (*plan.Plan, error) {
	p, err := s.Missions.Build(name, vars, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.create(ctx, p, metadata, "mission"); err != nil {
		return nil, err
	}
	if err := s.Start(p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// TriggerEvent hands a conversation event to the post-event pipeline.
func (s *Service) TriggerEvent(ctx context.Context, ev postevent.Event) (string, error) {
	if s.Events == nil {
		return "", errors.New("event pipeline is not configured")
	}
	return s.Events.Trigger(ctx, ev)
}

// Start dispatches a stored plan. Unknown ids are accepted here and surface
// later as not found when the plan is queried.
func (s *Service) Start(planID string) error {
	return s.Dispatcher.Dispatch(planID)
}

// Status returns the plan with its execution log.
func (s *Service) Status(ctx context.Context, planID string) (*plan.Plan, []plan.LogEntry, error) {
	p, err := s.Store.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.Store.GetLogs(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	return p, logs, nil
}

func (s *Service) List(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error) {
	return s.Store.ListPlans(ctx, statuses...)
}

// Cancel flags the plan; the orchestrator stops at the next step boundary.
func (s *Service) Cancel(ctx context.Context, planID string) error {
	if err := s.Store.RequestCancel(ctx, planID); err != nil {
		return err
	}
	s.Logger.LogPlan(planID, "cancel_requested", nil)
	log.Printf("Cancellation requested for plan %s", planID)
	return nil
}

func (s *Service) Connectors() connector.Catalog {
	if s.Catalog == nil {
		return nil
	}
	return s.Catalog.Catalog()
}

func (s *Service) ActiveExecutions() int {
	if s.Dispatcher == nil {
		return 0
	}
	return s.Dispatcher.Active()
}

func (s *Service) create(ctx context.Context, p *plan.Plan, metadata map[string]string, source string) error {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string, len(metadata)+1)
	}
	for k, v := range metadata {
		if v != "" {
			p.Metadata[k] = v
		}
	}
	if _, ok := p.Metadata["source"]; !ok {
		p.Metadata["source"] = source
	}
	if err := s.Store.SavePlan(ctx, p); err != nil {
		return err
	}
	if err := s.Store.AppendLog(ctx, plan.LogEntry{
		PlanID:    p.ID,
		Type:      plan.LogPlanCreated,
		Message:   p.OriginalGoal,
		Data:      map[string]any{"source": p.Metadata["source"], "steps": len(p.Steps)},
		Timestamp: s.now().UTC(),
	}); err != nil {
		log.Printf("Failed to log creation of plan %s: %v", p.ID, err)
	}
	s.Logger.LogPlan(p.ID, "created", map[string]any{"source": p.Metadata["source"], "steps": len(p.Steps)})
	return nil
}

package server

import (
	"time"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/plan"
)

type GeneratePlanRequest struct {
	Instruction string `json:"instruction" doc:"Natural-language goal to plan"`
}

// PlanDocument is a caller-supplied plan. Execution state is ignored and
// reset on submission.
type PlanDocument struct {
	ID           string            `json:"id,omitempty"`
	OriginalGoal string            `json:"original_goal,omitempty"`
	Steps        []StepDocument    `json:"steps"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type StepDocument struct {
	ID            string         `json:"id,omitempty"`
	ConnectorName string         `json:"connector_name"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
}

type ExecutePlanRequest struct {
	PlanID string        `json:"plan_id,omitempty" doc:"Id of a stored plan"`
	Plan   *PlanDocument `json:"plan,omitempty" doc:"Complete plan document to store and run"`
}

type StartedResponse struct {
	Status string `json:"status" example:"started"`
	PlanID string `json:"plan_id"`
}

type ConversationEventRequest struct {
	ConversationID string            `json:"conversation_id"`
	ContactID      string            `json:"contact_id,omitempty"`
	Type           string            `json:"type,omitempty" example:"call_completed"`
	Vars           map[string]string `json:"vars,omitempty"`
}

type RunMissionRequest struct {
	Vars map[string]string `json:"vars,omitempty"`
}

type PlanStatusResponse struct {
	Plan *plan.Plan      `json:"plan"`
	Logs []plan.LogEntry `json:"logs"`
}

type PlanSummary struct {
	ID           string            `json:"id"`
	OriginalGoal string            `json:"original_goal"`
	Status       plan.Status       `json:"status"`
	Steps        int               `json:"steps"`
	Completed    int               `json:"completed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	ActiveExecutions int    `json:"active_executions"`
}

type ConnectorsResponse struct {
	Connectors connector.Catalog `json:"connectors"`
}

func planSummary(p *plan.Plan) PlanSummary {
	return PlanSummary{
		ID:           p.ID,
		OriginalGoal: p.OriginalGoal,
		Status:       p.Status,
		Steps:        len(p.Steps),
		Completed:    p.Counts()[plan.StatusCompleted],
		Metadata:     p.Metadata,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (d *PlanDocument) toPlan() *plan.Plan {
	p := &plan.Plan{ID: d.ID, OriginalGoal: d.OriginalGoal, Metadata: d.Metadata}
	for _, s := range d.Steps {
		p.Steps = append(p.Steps, plan.Step{
			ID:            s.ID,
			ConnectorName: s.ConnectorName,
			Action:        s.Action,
			Params:        s.Params,
		})
	}
	return p
}

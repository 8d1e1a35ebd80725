package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by plans and steps.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusCancelled is only ever set on a plan, never on a step.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("invalid status %q", v)
}

// Step is a single connector invocation within a Plan.
type Step struct {
	ID            string         `json:"id"`
	ConnectorName string         `json:"connector_name"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	Output        map[string]any `json:"output,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Plan is an ordered sequence of steps produced from a goal.
type Plan struct {
	ID              string            `json:"id"`
	OriginalGoal    string            `json:"original_goal"`
	Status          Status            `json:"status"`
	Steps           []Step            `json:"steps"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Error           string            `json:"error,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StepSpec is the caller-supplied part of a step.
type StepSpec struct {
	ID        string
	Connector string
	Action    string
	Params    map[string]any
}

var ErrInvalidPlan = errors.New("invalid plan")

// New builds a PENDING plan with fresh identifiers.
func New(goal string, specs []StepSpec, now time.Time) *Plan {
	p := &Plan{
		ID:           uuid.NewString(),
		OriginalGoal: goal,
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	for _, s := range specs {
		p.Steps = append(p.Steps, Step{
			ID:            s.ID,
			ConnectorName: s.Connector,
			Action:        s.Action,
			Params:        s.Params,
		})
	}
	Normalize(p, now)
	return p
}

// Normalize resets an externally supplied document to its initial shape so
// it can be stored and executed from scratch.
func Normalize(p *Plan, now time.Time) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now.UTC()
	}
	p.UpdatedAt = now.UTC()
	p.Status = StatusPending
	p.Error = ""
	p.CancelRequested = false
	p.Version = 0
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if s.Params == nil {
			s.Params = map[string]any{}
		}
		s.Status = StatusPending
		s.Attempts = 0
		s.Output = nil
		s.LastError = ""
		s.StartedAt = nil
		s.FinishedAt = nil
	}
}

// Validate checks the structural rules every stored plan must satisfy.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidPlan, s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.ConnectorName) == "" {
			return fmt.Errorf("%w: step %s missing connector_name", ErrInvalidPlan, s.ID)
		}
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("%w: step %s missing action", ErrInvalidPlan, s.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the plan. Params and Output are copied
// recursively through nested maps and slices.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Params = copyMap(s.Params)
		s.Output = copyMap(s.Output)
		s.StartedAt = copyTime(s.StartedAt)
		s.FinishedAt = copyTime(s.FinishedAt)
		c.Steps[i] = s
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

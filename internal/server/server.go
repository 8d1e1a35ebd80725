package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/control"
	"github.com/rahul/missionctl/internal/mission"
	"github.com/rahul/missionctl/internal/orchestrator"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/planner"
	"github.com/rahul/missionctl/internal/postevent"
	"github.com/rahul/missionctl/internal/store"
)

// Backend is the set of plan operations the API exposes.
type Backend interface {
	Generate(ctx context.Context, instruction string, metadata map[string]string) (*plan.Plan, error)
	SubmitPlan(ctx context.Context, doc *plan.Plan, metadata map[string]string) (*plan.Plan, error)
	RunMission(ctx context.Context, name string, vars, metadata map[string]string) (*plan.Plan, error)
	TriggerEvent(ctx context.Context, ev postevent.Event) (string, error)
	Start(planID string) error
	Status(ctx context.Context, planID string) (*plan.Plan, []plan.LogEntry, error)
	List(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error)
	Cancel(ctx context.Context, planID string) error
	Connectors() connector.Catalog
	ActiveExecutions() int
}

// Config for the HTTP API handler.
type Config struct {
	Backend   Backend
	BasePath  string
	JWTSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"plan not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope {"error": {...}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the plan API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("server: backend is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.JWTSecret))
	hcfg := huma.DefaultConfig("Mission Control API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	b := cfg.Backend
	registerHealth(group, b)
	registerConnectors(group, b)
	registerPlans(group, b)
	registerEvents(group, b)
	registerMissions(group, b)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var missing *mission.MissingVarError
	var notFound *orchestrator.PlanNotFoundError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.As(err, &notFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, mission.ErrUnknownMission):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case planner.IsPlanningError(err):
		return newAPIError(http.StatusUnprocessableEntity, "planning_failed", err.Error(), nil)
	case errors.Is(err, control.ErrNoPlanner):
		return newAPIError(http.StatusServiceUnavailable, "planner_unavailable", err.Error(), nil)
	case errors.Is(err, plan.ErrInvalidPlan):
		return newAPIError(http.StatusBadRequest, "invalid_plan", err.Error(), nil)
	case errors.As(err, &missing):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"variable": missing.Var})
	case errors.Is(err, postevent.ErrMissingConversation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestMetadata records who asked for a plan.
func requestMetadata(ctx context.Context) map[string]string {
	m := map[string]string{"source": "api"}
	if sub := subjectFromContext(ctx); sub != "" {
		m["requested_by"] = sub
	}
	return m
}

func registerHealth(api huma.API, b Backend) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", ActiveExecutions: b.ActiveExecutions()}}, nil
	})
}

func registerConnectors(api huma.API, b Backend) {
	huma.Register(api, huma.Operation{
		OperationID: "list-connectors",
		Method:      http.MethodGet,
		Path:        "/connectors",
		Summary:     "List registered connectors and their actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConnectorsResponse `json:"body"`
	}, error) {
		cat := b.Connectors()
		if cat == nil {
			cat = connector.Catalog{}
		}
		return &struct {
			Body ConnectorsResponse `json:"body"`
		}{Body: ConnectorsResponse{Connectors: cat}}, nil
	})
}

type planPath struct {
	PlanID string `path:"plan_id"`
}

func registerPlans(api huma.API, b Backend) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-plan",
		Method:      http.MethodPost,
		Path:        "/plans/generate",
		Summary:     "Generate and store a plan from an instruction",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GeneratePlanRequest `json:"body"`
	}) (*struct {
		Body plan.Plan `json:"body"`
	}, error) {
		p, err := b.Generate(ctx, input.Body.Instruction, requestMetadata(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body plan.Plan `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-plan",
		Method:        http.MethodPost,
		Path:          "/plans/execute",
		Summary:       "Start executing a stored plan or a submitted plan document",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ExecutePlanRequest `json:"body"`
	}) (*struct {
		Body StartedResponse `json:"body"`
	}, error) {
		req := input.Body
		hasID := strings.TrimSpace(req.PlanID) != ""
		if hasID == (req.Plan != nil) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "exactly one of plan_id or plan is required", nil)
		}
		planID := strings.TrimSpace(req.PlanID)
		if req.Plan != nil {
			p, err := b.SubmitPlan(ctx, req.Plan.toPlan(), requestMetadata(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			planID = p.ID
		} else if err := b.Start(planID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartedResponse `json:"body"`
		}{Body: StartedResponse{Status: "started", PlanID: planID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Plan status with its execution log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body PlanStatusResponse `json:"body"`
	}, error) {
		p, logs, err := b.Status(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []plan.LogEntry{}
		}
		return &struct {
			Body PlanStatusResponse `json:"body"`
		}{Body: PlanStatusResponse{Plan: p, Logs: logs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans, optionally filtered by status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma-separated statuses"`
	}) (*struct {
		Body []PlanSummary `json:"body"`
	}, error) {
		var statuses []plan.Status
		for _, raw := range strings.Split(input.Status, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			s, err := plan.ParseStatus(raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			statuses = append(statuses, s)
		}
		plans, err := b.List(ctx, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]PlanSummary, 0, len(plans))
		for _, p := range plans {
			items = append(items, planSummary(p))
		}
		return &struct {
			Body []PlanSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-plan",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/cancel",
		Summary:       "Request cancellation at the next step boundary",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body StartedResponse `json:"body"`
	}, error) {
		if err := b.Cancel(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartedResponse `json:"body"`
		}{Body: StartedResponse{Status: "cancel_requested", PlanID: input.PlanID}}, nil
	})
}

func registerEvents(api huma.API, b Backend) {
	huma.Register(api, huma.Operation{
		OperationID:   "conversation-event",
		Method:        http.MethodPost,
		Path:          "/events/conversation",
		Summary:       "Start the follow-up mission for a conversation",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ConversationEventRequest `json:"body"`
	}) (*struct {
		Body StartedResponse `json:"body"`
	}, error) {
		id, err := b.TriggerEvent(ctx, postevent.Event{
			Type:           input.Body.Type,
			ConversationID: input.Body.ConversationID,
			ContactID:      input.Body.ContactID,
			Vars:           input.Body.Vars,
			Metadata:       requestMetadata(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartedResponse `json:"body"`
		}{Body: StartedResponse{Status: "started", PlanID: id}}, nil
	})
}

func registerMissions(api huma.API, b Backend) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-mission",
		Method:        http.MethodPost,
		Path:          "/missions/{name}/run",
		Summary:       "Instantiate and start a mission template",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string            `path:"name"`
		Body RunMissionRequest `json:"body"`
	}) (*struct {
		Body StartedResponse `json:"body"`
	}, error) {
		p, err := b.RunMission(ctx, input.Name, input.Body.Vars, requestMetadata(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartedResponse `json:"body"`
		}{Body: StartedResponse{Status: "started", PlanID: p.ID}}, nil
	})
}

package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/tmc/langchaingo/llms"
)

// Planner turns a natural-language instruction into an executable plan.
type Planner interface {
	GeneratePlan(ctx context.Context, instruction string) (*plan.Plan, error)
}

// PlanningError reports why no plan could be produced. No partial plan is
// ever returned alongside it.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return "planning failed: " + e.Reason
}

func (e *PlanningError) Unwrap() error { return e.Err }

// IsPlanningError reports whether err came from a planner.
func IsPlanningError(err error) bool {
	var pe *PlanningError
	return errors.As(err, &pe)
}

// CatalogSource supplies the connectors a plan may use.
type CatalogSource interface {
	Catalog() connector.Catalog
}

type Config struct {
	Timeout             time.Duration
	MaxInstructionChars int
	MaxSteps            int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxInstructionChars <= 0 {
		c.MaxInstructionChars = 8000
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	return c
}

// LLMPlanner asks a language model for a plan through the propose_plan tool.
type LLMPlanner struct {
	Model   llms.Model
	Catalog CatalogSource
	Prompts *PromptManager
	Logger  *observability.Logger
	Config  Config
	now     func() time.Time
}

func NewLLMPlanner(model llms.Model, catalog CatalogSource, prompts *PromptManager, logger *observability.Logger, cfg Config) *LLMPlanner {
	return &LLMPlanner{
		Model:   model,
		Catalog: catalog,
		Prompts: prompts,
		Logger:  logger,
		Config:  cfg.withDefaults(),
		now:     time.Now,
	}
}

type proposedStep struct {
	ID          string         `json:"id,omitempty"`
	Connector   string         `json:"connector"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description,omitempty"`
}

type proposal struct {
	Steps []proposedStep `json:"steps"`
}

var proposePlanTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        "propose_plan",
		Description: "Submit the ordered connector calls that fulfil the instruction.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"connector": map[string]any{
								"type":        "string",
								"description": "Registered connector name, exactly as listed.",
							},
							"action": map[string]any{
								"type":        "string",
								"description": "Action supported by the connector.",
							},
							"params": map[string]any{
								"type":        "object",
								"description": "Arguments for the action.",
							},
							"description": map[string]any{
								"type": "string",
							},
						},
						"required": []string{"connector", "action", "params"},
					},
				},
			},
			"required": []string{"steps"},
		},
	},
}

func (p *LLMPlanner) GeneratePlan(ctx context.Context, instruction string) (*plan.Plan, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, &PlanningError{Reason: "instruction is empty"}
	}
	if n := len([]rune(instruction)); n > p.Config.MaxInstructionChars {
		return nil, &PlanningError{Reason: fmt.Sprintf("instruction is %d characters, limit is %d", n, p.Config.MaxInstructionChars)}
	}
	if p.Model == nil {
		return nil, &PlanningError{Reason: "no language model configured"}
	}

	var catalog connector.Catalog
	if p.Catalog != nil {
		catalog = p.Catalog.Catalog()
	}
	if len(catalog) == 0 {
		return nil, &PlanningError{Reason: "no connectors registered"}
	}

	system, err := p.systemPrompt(catalog)
	if err != nil {
		return nil, &PlanningError{Reason: "prompt unavailable", Err: err}
	}
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(instruction)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.Config.Timeout)
	defer cancel()

	observability.SetStatus(observability.RolePlanner, instruction)
	defer observability.SetStatus(observability.RoleIdle, "")

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools([]llms.Tool{proposePlanTool}))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &PlanningError{Reason: fmt.Sprintf("model did not answer within %s", p.Config.Timeout), Err: err}
		}
		return nil, &PlanningError{Reason: "model call failed", Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &PlanningError{Reason: "model returned no choices"}
	}
	choice := resp.Choices[0]
	p.Logger.LogLLM("", messages, choice.Content, choice.ToolCalls)
	p.logCost(choice)

	prop, err := extractProposal(choice)
	if err != nil {
		return nil, &PlanningError{Reason: "unusable model output", Err: err}
	}
	specs, err := p.validate(prop, catalog)
	if err != nil {
		return nil, err
	}

	out := plan.New(instruction, specs, p.now())
	if err := plan.Validate(out); err != nil {
		return nil, &PlanningError{Reason: "model proposed an invalid plan", Err: err}
	}
	log.Printf("Planned %d step(s) for %q as plan %s", len(out.Steps), truncate(instruction, 60), out.ID)
	return out, nil
}

func (p *LLMPlanner) systemPrompt(catalog connector.Catalog) (string, error) {
	base, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(base)
	if extra, err := p.Prompts.GetContextPrompt(); err == nil && extra != "" {
		b.WriteString("\n\n## Organisation Context\n")
		b.WriteString(extra)
	}
	b.WriteString("\n\n## Available Connectors\n")
	b.WriteString(RenderCatalog(catalog))
	return b.String(), nil
}

// RenderCatalog formats the catalog the way the model sees it.
func RenderCatalog(catalog connector.Catalog) string {
	var b strings.Builder
	for _, e := range catalog {
		fmt.Fprintf(&b, "- %s", e.Name)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		b.WriteString("\n")
		if len(e.Actions) == 0 {
			b.WriteString("  - (any action)\n")
		}
		for _, a := range e.Actions {
			fmt.Fprintf(&b, "  - %s", a.Name)
			if a.Description != "" {
				fmt.Fprintf(&b, ": %s", a.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func extractProposal(choice *llms.ContentChoice) (*proposal, error) {
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil && tc.FunctionCall.Name == "propose_plan" {
			var prop proposal
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &prop); err != nil {
				return nil, fmt.Errorf("failed to parse propose_plan arguments: %v", err)
			}
			return &prop, nil
		}
	}
	if strings.TrimSpace(choice.Content) == "" {
		return nil, errors.New("planner failed to provide a plan or text response")
	}
	raw := stripFences(choice.Content)
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("response contains no plan: %s", truncate(choice.Content, 200))
	}
	var prop proposal
	if err := json.Unmarshal([]byte(raw[start:end+1]), &prop); err != nil {
		return nil, fmt.Errorf("failed to parse plan from content: %v", err)
	}
	return &prop, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func (p *LLMPlanner) validate(prop *proposal, catalog connector.Catalog) ([]plan.StepSpec, error) {
	if len(prop.Steps) == 0 {
		return nil, &PlanningError{Reason: "model proposed an empty plan"}
	}
	if len(prop.Steps) > p.Config.MaxSteps {
		return nil, &PlanningError{Reason: fmt.Sprintf("model proposed %d steps, limit is %d", len(prop.Steps), p.Config.MaxSteps)}
	}
	specs := make([]plan.StepSpec, 0, len(prop.Steps))
	seen := map[string]bool{}
	for i, s := range prop.Steps {
		if !catalog.Has(s.Connector, s.Action) {
			return nil, &PlanningError{Reason: fmt.Sprintf("step %d uses unknown connector action %s.%s", i+1, s.Connector, s.Action)}
		}
		id := strings.TrimSpace(s.ID)
		for n := i + 1; id == "" || seen[id]; n++ {
			id = fmt.Sprintf("step-%d", n)
		}
		seen[id] = true
		specs = append(specs, plan.StepSpec{
			ID:        id,
			Connector: s.Connector,
			Action:    s.Action,
			Params:    s.Params,
		})
	}
	return specs, nil
}

func (p *LLMPlanner) logCost(choice *llms.ContentChoice) {
	info := choice.GenerationInfo
	if info == nil {
		return
	}
	prompt, okP := info["PromptTokens"].(int)
	completion, okC := info["CompletionTokens"].(int)
	if okP || okC {
		model, _ := info["Model"].(string)
		p.Logger.LogCost("", prompt, completion, model)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

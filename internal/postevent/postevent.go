// Package postevent turns external conversation events into executing plans.
package postevent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rahul/missionctl/internal/mission"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/store"
)

const DefaultMission = "post_call"

var ErrMissingConversation = errors.New("conversation_id is required")

// Event describes something that happened in a customer conversation.
type Event struct {
	Type           string            `json:"type,omitempty"`
	ConversationID string            `json:"conversation_id"`
	ContactID      string            `json:"contact_id,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Dispatcher starts a stored plan in the background.
type Dispatcher interface {
	Dispatch(planID string) error
}

type Pipeline struct {
	Missions   *mission.Catalog
	Store      store.PlanStore
	Dispatcher Dispatcher
	Logger     *observability.Logger

	// Routes maps event types to mission names. Unmapped types use
	// DefaultMission.
	Routes map[string]string

	now func() time.Time
}

func New(missions *mission.Catalog, st store.PlanStore, d Dispatcher, routes map[string]string) *Pipeline {
	return &Pipeline{
		Missions:   missions,
		Store:      st,
		Dispatcher: d,
		Routes:     routes,
		now:        time.Now,
	}
}

// MissionFor returns the template name used for an event type.
func (p *Pipeline) MissionFor(eventType string) string {
	if name, ok := p.Routes[strings.TrimSpace(eventType)]; ok && name != "" {
		return name
	}
	return DefaultMission
}

// Trigger builds a plan for ev, stores it and hands it to the dispatcher.
// It returns as soon as the plan is stored and dispatched.
func (p *Pipeline) Trigger(ctx context.Context, ev Event) (string, error) {
	if strings.TrimSpace(ev.ConversationID) == "" {
		return "", ErrMissingConversation
	}
	name := p.MissionFor(ev.Type)

	vars := make(map[string]string, len(ev.Vars)+3)
	for k, v := range ev.Vars {
		vars[k] = v
	}
	vars["conversation_id"] = ev.ConversationID
	vars["contact_id"] = ev.ContactID
	vars["event_type"] = ev.Type

	pl, err := p.Missions.Build(name, vars, p.now())
	if err != nil {
		return "", fmt.Errorf("build plan for %s event: %w", name, err)
	}
	for k, v := range ev.Metadata {
		pl.Metadata[k] = v
	}
	pl.Metadata["source"] = "event"
	pl.Metadata["conversation_id"] = ev.ConversationID
	if ev.ContactID != "" {
		pl.Metadata["contact_id"] = ev.ContactID
	}
	if ev.Type != "" {
		pl.Metadata["event_type"] = ev.Type
	}

	if err := p.Store.SavePlan(ctx, pl); err != nil {
		return "", fmt.Errorf("store plan: %w", err)
	}
	if err := p.Store.AppendLog(ctx, plan.LogEntry{
		PlanID:    pl.ID,
		Type:      plan.LogPlanCreated,
		Message:   pl.OriginalGoal,
		Data:      map[string]any{"mission": name, "conversation_id": ev.ConversationID},
		Timestamp: p.now().UTC(),
	}); err != nil {
		log.Printf("Failed to log creation of plan %s: %v", pl.ID, err)
	}
	p.Logger.LogPlan(pl.ID, "created", map[string]any{"source": "event", "mission": name})

	if err := p.Dispatcher.Dispatch(pl.ID); err != nil {
		return pl.ID, fmt.Errorf("dispatch plan %s: %w", pl.ID, err)
	}
	log.Printf("Conversation %s triggered plan %s (%s)", ev.ConversationID, pl.ID, name)
	return pl.ID, nil
}

package postevent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rahul/missionctl/internal/mission"
	"github.com/rahul/missionctl/internal/plan"
	"github.com/rahul/missionctl/internal/store"
)

type recordingDispatcher struct {
	ids []string
	err error
}

func (r *recordingDispatcher) Dispatch(planID string) error {
	r.ids = append(r.ids, planID)
	return r.err
}

func newPipeline(t *testing.T, routes map[string]string) (*Pipeline, *store.SQLiteStore, *recordingDispatcher) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	d := &recordingDispatcher{}
	return New(mission.Default(), st, d, routes), st, d
}

func TestTriggerStoresAndDispatches(t *testing.T) {
	p, st, d := newPipeline(t, nil)
	ctx := context.Background()

	id, err := p.Trigger(ctx, Event{ConversationID: "conv-1", ContactID: "contact-7", Metadata: map[string]string{"requested_by": "ops"}})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if len(d.ids) != 1 || d.ids[0] != id {
		t.Fatalf("expected plan %s to be dispatched, got %v", id, d.ids)
	}

	got, err := st.GetPlan(ctx, id)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got.Status != plan.StatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	for k, want := range map[string]string{
		"mission":         "post_call",
		"source":          "event",
		"conversation_id": "conv-1",
		"contact_id":      "contact-7",
		"requested_by":    "ops",
	} {
		if got.Metadata[k] != want {
			t.Errorf("metadata %s: expected %q, got %q", k, want, got.Metadata[k])
		}
	}

	logs, err := st.GetLogs(ctx, id)
	if err != nil || len(logs) != 1 || logs[0].Type != plan.LogPlanCreated {
		t.Fatalf("expected a creation log, got %v (%v)", logs, err)
	}
}

func TestTriggerRoutesByEventType(t *testing.T) {
	p, st, _ := newPipeline(t, map[string]string{"account_review": "account_audit"})

	id, err := p.Trigger(context.Background(), Event{
		Type:           "account_review",
		ConversationID: "conv-2",
		Vars:           map[string]string{"account_id": "acme"},
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	got, err := st.GetPlan(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.OriginalGoal != "Audit account acme" || got.Metadata["event_type"] != "account_review" {
		t.Fatalf("unexpected plan: %q %v", got.OriginalGoal, got.Metadata)
	}
}

func TestTriggerErrors(t *testing.T) {
	p, st, d := newPipeline(t, map[string]string{"weird": "does_not_exist"})
	ctx := context.Background()

	if _, err := p.Trigger(ctx, Event{}); !errors.Is(err, ErrMissingConversation) {
		t.Errorf("expected ErrMissingConversation, got %v", err)
	}
	if _, err := p.Trigger(ctx, Event{Type: "weird", ConversationID: "c"}); !errors.Is(err, mission.ErrUnknownMission) {
		t.Errorf("expected ErrUnknownMission, got %v", err)
	}
	if len(d.ids) != 0 {
		t.Errorf("nothing should have been dispatched: %v", d.ids)
	}
	plans, err := st.ListPlans(ctx)
	if err != nil || len(plans) != 0 {
		t.Errorf("nothing should have been stored: %d plans (%v)", len(plans), err)
	}
}

func TestTriggerReportsDispatchFailure(t *testing.T) {
	p, st, d := newPipeline(t, nil)
	d.err = errors.New("shutting down")

	id, err := p.Trigger(context.Background(), Event{ConversationID: "conv-3", ContactID: "c"})
	if err == nil || id == "" {
		t.Fatalf("expected dispatch error with a stored plan id, got %q %v", id, err)
	}
	if _, err := st.GetPlan(context.Background(), id); err != nil {
		t.Fatalf("plan should remain stored: %v", err)
	}
}

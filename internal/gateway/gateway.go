package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/missionctl/internal/plan"
)

// Metadata keys that route a plan's outcome back to the chat it came from.
const (
	MetaChannel = "channel"
	MetaChatID  = "chat_id"
	MetaUser    = "requested_by"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop and blocks until ctx is done
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(ctx context.Context, chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Intake turns a free-text goal into a stored, dispatched plan.
type Intake interface {
	SubmitGoal(ctx context.Context, goal string, metadata map[string]string) (*plan.Plan, error)
}

// Notifier reports terminal plans to the chat recorded in their metadata.
// Plans without a known channel are ignored.
type Notifier struct {
	Messengers map[string]Messenger
}

func NewNotifier() *Notifier {
	return &Notifier{Messengers: make(map[string]Messenger)}
}

func (n *Notifier) Register(channel string, m Messenger) {
	n.Messengers[channel] = m
}

func (n *Notifier) NotifyPlan(ctx context.Context, p *plan.Plan) error {
	channel, chatID := p.Metadata[MetaChannel], p.Metadata[MetaChatID]
	if channel == "" || chatID == "" {
		return nil
	}
	m, ok := n.Messengers[channel]
	if !ok {
		return nil
	}
	return m.Send(ctx, chatID, Summary(p))
}

// Summary renders a short, chat-friendly report of a plan.
func Summary(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s: %s\n", shortID(p.ID), p.Status)
	fmt.Fprintf(&b, "Goal: %s\n", p.OriginalGoal)
	for _, s := range p.Steps {
		mark := "·"
		switch s.Status {
		case plan.StatusCompleted:
			mark = "✓"
		case plan.StatusFailed:
			mark = "✗"
		case plan.StatusRunning:
			mark = "…"
		}
		fmt.Fprintf(&b, "%s %s.%s", mark, s.ConnectorName, s.Action)
		if s.Attempts > 1 {
			fmt.Fprintf(&b, " (%d attempts)", s.Attempts)
		}
		b.WriteString("\n")
	}
	if p.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", p.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

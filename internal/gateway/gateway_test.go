package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/missionctl/internal/plan"
)

type fakeBot struct {
	sent    []tgbotapi.MessageConfig
	updates chan tgbotapi.Update
	stopped bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() { f.stopped = true }

type fakeIntake struct {
	goals []string
	meta  []map[string]string
	err   error
}

func (f *fakeIntake) SubmitGoal(ctx context.Context, goal string, metadata map[string]string) (*plan.Plan, error) {
	f.goals = append(f.goals, goal)
	f.meta = append(f.meta, metadata)
	if f.err != nil {
		return nil, f.err
	}
	p := plan.New(goal, []plan.StepSpec{{Connector: "crm", Action: "audit_account"}}, time.Now())
	p.ID = "plan-123"
	return p, nil
}

func TestHandleSubmitsGoal(t *testing.T) {
	intake := &fakeIntake{}
	tg := &TelegramGateway{Bot: &fakeBot{}, Intake: intake}

	reply := tg.Handle(context.Background(), 42, "ana", "  Audit my account  ")
	if len(intake.goals) != 1 || intake.goals[0] != "Audit my account" {
		t.Fatalf("unexpected goals: %v", intake.goals)
	}
	meta := intake.meta[0]
	if meta[MetaChannel] != ChannelTelegram || meta[MetaChatID] != "42" || meta[MetaUser] != "ana" {
		t.Errorf("unexpected metadata: %v", meta)
	}
	if !strings.Contains(reply, "plan-123") || !strings.Contains(reply, "crm.audit_account") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestHandleRejectsAndReports(t *testing.T) {
	intake := &fakeIntake{err: errors.New("no connectors")}
	tg := &TelegramGateway{Bot: &fakeBot{}, Intake: intake, AllowedChats: map[int64]bool{7: true}}

	if reply := tg.Handle(context.Background(), 8, "eve", "do it"); !strings.Contains(reply, "not allowed") {
		t.Errorf("expected refusal, got %q", reply)
	}
	if len(intake.goals) != 0 {
		t.Fatal("unauthorized chat must not reach intake")
	}
	if reply := tg.Handle(context.Background(), 7, "ana", "do it"); !strings.Contains(reply, "no connectors") {
		t.Errorf("expected planning error in reply, got %q", reply)
	}
	if reply := tg.Handle(context.Background(), 7, "ana", "/help"); !strings.Contains(reply, "goal") {
		t.Errorf("expected help text, got %q", reply)
	}
	if reply := tg.Handle(context.Background(), 7, "ana", "   "); reply != "" {
		t.Errorf("expected no reply to empty text, got %q", reply)
	}
}

func TestStartRepliesToUpdates(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 2)}
	tg := &TelegramGateway{Bot: bot, Intake: &fakeIntake{}}

	bot.updates <- tgbotapi.Update{}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "Audit my account",
		Chat: &tgbotapi.Chat{ID: 99},
		From: &tgbotapi.User{UserName: "ana"},
	}}
	close(bot.updates)

	if err := tg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != 99 {
		t.Fatalf("expected one reply to chat 99, got %+v", bot.sent)
	}
	if err := tg.Stop(); err != nil || !bot.stopped {
		t.Fatal("Stop should stop receiving updates")
	}
}

type recordingMessenger struct {
	chatID, text string
}

func (r *recordingMessenger) Start(ctx context.Context) error { return nil }
func (r *recordingMessenger) Stop() error { return nil }
func (r *recordingMessenger) Send(ctx context.Context, chatID, text string) error {
	r.chatID, r.text = chatID, text
	return nil
}

func TestNotifierRoutesByMetadata(t *testing.T) {
	m := &recordingMessenger{}
	n := NewNotifier()
	n.Register(ChannelTelegram, m)

	p := plan.New("Audit my account", []plan.StepSpec{
		{Connector: "crm", Action: "audit_account"},
		{Connector: "email", Action: "send_email"},
	}, time.Now())
	p.Steps[0].Status = plan.StatusCompleted
	p.Steps[0].Attempts = 1
	p.Steps[1].Status = plan.StatusFailed
	p.Steps[1].Attempts = 3
	p.Status = plan.StatusFailed
	p.Error = "smtp down"

	if err := n.NotifyPlan(context.Background(), p); err != nil || m.text != "" {
		t.Fatalf("plan without chat metadata must be ignored: %v %q", err, m.text)
	}

	p.Metadata = map[string]string{MetaChannel: ChannelTelegram, MetaChatID: "42"}
	if err := n.NotifyPlan(context.Background(), p); err != nil {
		t.Fatalf("NotifyPlan failed: %v", err)
	}
	if m.chatID != "42" {
		t.Errorf("expected chat 42, got %q", m.chatID)
	}
	for _, want := range []string{"FAILED", "Audit my account", "✓ crm.audit_account", "✗ email.send_email (3 attempts)", "smtp down"} {
		if !strings.Contains(m.text, want) {
			t.Errorf("summary missing %q:\n%s", want, m.text)
		}
	}
}

func TestSendValidatesChatID(t *testing.T) {
	tg := &TelegramGateway{Bot: &fakeBot{}}
	if err := tg.Send(context.Background(), "abc", "hi"); err == nil {
		t.Fatal("expected invalid chat id error")
	}
}

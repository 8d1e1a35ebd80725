package connector

import (
	"context"
	"fmt"
	netmail "net/mail"
	"time"

	"github.com/wneessen/go-mail"
)

// EmailConfig holds SMTP relay settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc delivers a composed message.
type SendMailFunc func(ctx context.Context, msg *mail.Msg) error

// EmailConnector sends plain-text mail through an SMTP relay.
type EmailConnector struct {
	cfg  EmailConfig
	send SendMailFunc
	now  func() time.Time
}

func NewEmailConnector(cfg EmailConfig) *EmailConnector {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	e := &EmailConnector{cfg: cfg, now: time.Now}
	e.send = e.dialAndSend
	return e
}

// WithSender replaces the SMTP transport.
func (e *EmailConnector) WithSender(send SendMailFunc) *EmailConnector {
	e.send = send
	return e
}

func (e *EmailConnector) Description() string {
	return "Send email messages to customers or colleagues."
}

func (e *EmailConnector) Actions() []Action {
	return []Action{
		{Name: "send_email", Description: "Send an email (to, subject, body; to may be comma separated)."},
	}
}

func (e *EmailConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	if action != "send_email" {
		return nil, UnknownAction("email", action)
	}
	if err := requireParams("email", action, params, "to", "subject", "body"); err != nil {
		return nil, err
	}
	if e.cfg.Host == "" || e.cfg.From == "" {
		return nil, Permanentf("email: smtp host and from address must be configured")
	}
	recipients, err := parseRecipients(stringParam(params, "to"))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := e.buildMessage(recipients, stringParam(params, "subject"), stringParam(params, "body"))
	if err != nil {
		return nil, err
	}
	if err := e.send(ctx, msg); err != nil {
		return nil, fmt.Errorf("email: send failed: %w", err)
	}
	return Result{"to": recipients, "subject": stringParam(params, "subject")}, nil
}

func (e *EmailConnector) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	return mail.NewClient(e.cfg.Host, opts...)
}

func (e *EmailConnector) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	c, err := e.newClient()
	if err != nil {
		return Permanentf("email: invalid smtp settings: %v", err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

func parseRecipients(raw string) ([]string, error) {
	list, err := netmail.ParseAddressList(raw)
	if err != nil {
		return nil, Permanentf("email: invalid recipients %q: %v", raw, err)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out, nil
}

func (e *EmailConnector) buildMessage(to []string, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return nil, Permanentf("email: invalid from address %q: %v", e.cfg.From, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, Permanentf("email: invalid recipients: %v", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(e.now())
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

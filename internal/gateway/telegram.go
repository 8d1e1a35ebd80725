package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const ChannelTelegram = "telegram"

// Bot is the part of *tgbotapi.BotAPI the gateway uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type TelegramGateway struct {
	Bot    Bot
	Intake Intake
	// AllowedChats restricts intake when non-empty.
	AllowedChats map[int64]bool
}

func NewTelegramGateway(token string, intake Intake, allowed []int64) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	tg := &TelegramGateway{Bot: bot, Intake: intake}
	if len(allowed) > 0 {
		tg.AllowedChats = make(map[int64]bool, len(allowed))
		for _, id := range allowed {
			tg.AllowedChats[id] = true
		}
	}
	return tg, nil
}

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			user := ""
			if update.Message.From != nil {
				user = update.Message.From.UserName
			}
			log.Printf("[%s] %s", user, update.Message.Text)

			reply := tg.Handle(ctx, update.Message.Chat.ID, user, update.Message.Text)
			if reply == "" {
				continue
			}
			if err := tg.Send(ctx, strconv.FormatInt(update.Message.Chat.ID, 10), reply); err != nil {
				log.Printf("Error replying to chat %d: %v", update.Message.Chat.ID, err)
			}
		}
	}
}

// Handle processes one inbound message and returns the reply text.
func (tg *TelegramGateway) Handle(ctx context.Context, chatID int64, user, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(tg.AllowedChats) > 0 && !tg.AllowedChats[chatID] {
		log.Printf("Ignoring message from unauthorized chat %d", chatID)
		return "This chat is not allowed to start missions."
	}
	if text == "/start" || text == "/help" {
		return "Send me a goal in plain language and I will plan and run it. I'll report back here when it finishes."
	}

	p, err := tg.Intake.SubmitGoal(ctx, text, map[string]string{
		MetaChannel: ChannelTelegram,
		MetaChatID:  strconv.FormatInt(chatID, 10),
		MetaUser:    user,
	})
	if err != nil {
		log.Printf("Error planning goal from chat %d: %v", chatID, err)
		return fmt.Sprintf("I couldn't plan that: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s started with %d step(s):\n", p.ID, len(p.Steps))
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s.%s\n", i+1, s.ConnectorName, s.Action)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (tg *TelegramGateway) Send(ctx context.Context, chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Plain text: connector and action names contain underscores that
	// Markdown would treat as emphasis.
	_, err = tg.Bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}

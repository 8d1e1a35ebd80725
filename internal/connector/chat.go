package connector

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender is satisfied by *tgbotapi.BotAPI.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConnector posts messages to Telegram chats.
type TelegramConnector struct {
	Bot TelegramSender
}

func NewTelegramConnector(bot TelegramSender) *TelegramConnector {
	return &TelegramConnector{Bot: bot}
}

func (t *TelegramConnector) Description() string {
	return "Send messages to Telegram chats."
}

func (t *TelegramConnector) Actions() []Action {
	return []Action{{Name: "send_message", Description: "Send a text message (chat_id, text)."}}
}

func (t *TelegramConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	if action != "send_message" {
		return nil, UnknownAction("telegram", action)
	}
	if err := requireParams("telegram", action, params, "chat_id", "text"); err != nil {
		return nil, err
	}
	chatID, err := strconv.ParseInt(stringParam(params, "chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		return nil, Permanentf("telegram: invalid chat_id %q", stringParam(params, "chat_id"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := tgbotapi.NewMessage(chatID, stringParam(params, "text"))
	sent, err := t.Bot.Send(msg)
	if err != nil {
		return nil, fmt.Errorf("telegram: send failed: %w", err)
	}
	return Result{"chat_id": chatID, "message_id": sent.MessageID}, nil
}

// DiscordSender is satisfied by *discordgo.Session.
type DiscordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordConnector posts messages to Discord channels.
type DiscordConnector struct {
	Session        DiscordSender
	DefaultChannel string
}

// NewDiscordConnector opens a bot session for the given token. No network
// call happens until the first message is sent.
func NewDiscordConnector(token, defaultChannel string) (*DiscordConnector, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &DiscordConnector{Session: s, DefaultChannel: defaultChannel}, nil
}

func (d *DiscordConnector) Description() string {
	return "Post updates to a Discord channel."
}

func (d *DiscordConnector) Actions() []Action {
	return []Action{{Name: "post_message", Description: "Post a message (content, optional channel_id)."}}
}

func (d *DiscordConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	if action != "post_message" {
		return nil, UnknownAction("discord", action)
	}
	if err := requireParams("discord", action, params, "content"); err != nil {
		return nil, err
	}
	channel := stringParam(params, "channel_id")
	if channel == "" {
		channel = d.DefaultChannel
	}
	if channel == "" {
		return nil, Permanentf("discord: channel_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := d.Session.ChannelMessageSend(channel, stringParam(params, "content"))
	if err != nil {
		return nil, fmt.Errorf("discord: send failed: %w", err)
	}
	return Result{"channel_id": channel, "message_id": m.ID}, nil
}

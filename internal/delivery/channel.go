// Package delivery sends text to the Telegram chat.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Sender is the part of *tgbotapi.BotAPI the channel needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// DeliveryError is a failed send. It is never retried here.
type DeliveryError struct {
	ChatID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("send message to chat %d: %v", e.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Channel delivers messages to the configured owner chat.
type Channel struct {
	api    Sender
	chatID int64
}

func New(api Sender, chatID int64) *Channel {
	return &Channel{api: api, chatID: chatID}
}

// Send delivers text to the configured recipient.
func (c *Channel) Send(ctx context.Context, text string) error {
	return c.SendTo(ctx, c.chatID, text, nil)
}

// SendTo delivers text to chatID with an optional reply markup.
func (c *Channel) SendTo(ctx context.Context, chatID int64, text string, markup interface{}) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{ChatID: chatID, Err: err}
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}

	sent, err := c.api.Send(msg)
	if err != nil {
		return &DeliveryError{ChatID: chatID, Err: err}
	}

	log.Info().Int64("chat_id", chatID).Int("message_id", sent.MessageID).Msg("message sent")
	return nil
}

// Dial connects to the Telegram Bot API. It performs a getMe request, so it
// must only run after the configuration has been validated.
func Dial(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	return DialEndpoint(cfg, tgbotapi.APIEndpoint)
}

// DialEndpoint is Dial against a custom API endpoint such as a local Bot API
// server. endpoint takes the token and method, e.g. "https://host/bot%s/%s".
func DialEndpoint(cfg *config.Config, endpoint string) (*tgbotapi.BotAPI, error) {
	client := &http.Client{
		// long polling holds the request open for UpdatesTimeout seconds
		Timeout: time.Duration(cfg.Telegram.UpdatesTimeout+10) * time.Second,
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	api.Debug = cfg.Telegram.Debug

	log.Info().Str("bot", api.Self.UserName).Msg("authorized on telegram")
	return api, nil
}

// Package bot answers interactive Telegram commands.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/bilal/esphomebot/internal/format"
	"github.com/bilal/esphomebot/internal/poller"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const settingsStub = "Nothing here yet."

// UpdateSource is the long polling side of *tgbotapi.BotAPI.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Replier is implemented by *delivery.Channel.
type Replier interface {
	SendTo(ctx context.Context, chatID int64, text string, markup interface{}) error
}

// StatusSource reports the last poll cycle, see health.Server.
type StatusSource interface {
	LastCycle() (time.Time, bool)
}

type Option func(*Responder)

func WithDiagnoser(d poller.Diagnoser) Option { return func(r *Responder) { r.diagnoser = d } }
func WithStatus(s StatusSource) Option       { return func(r *Responder) { r.status = s } }

// Responder runs fetch and format synchronously inside the command handler.
type Responder struct {
	updates   UpdateSource
	replier   Replier
	fetcher   poller.Fetcher
	formatter format.Formatter
	ownerID   int64
	timeout   int
	diagnoser poller.Diagnoser
	status    StatusSource
}

func New(cfg *config.Config, updates UpdateSource, replier Replier, f poller.Fetcher, opts ...Option) *Responder {
	r := &Responder{
		updates:   updates,
		replier:   replier,
		fetcher:   f,
		formatter: format.Formatter{IDPrefix: cfg.Sensors.IDPrefix},
		ownerID:   cfg.OwnerID,
		timeout:   cfg.Telegram.UpdatesTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run handles updates one at a time until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = r.timeout
	updates := r.updates.GetUpdatesChan(u)

	log.Info().Msg("responder started")
	for {
		select {
		case <-ctx.Done():
			r.updates.StopReceivingUpdates()
			log.Info().Msg("responder stopping")
			return
		case upd, ok := <-updates:
			if !ok {
				log.Warn().Msg("update channel closed")
				return
			}
			if upd.Message == nil {
				continue
			}
			r.Handle(ctx, upd.Message)
		}
	}
}

// Handle dispatches one message. Non-command messages are ignored.
func (r *Responder) Handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID
	cmd := msg.Command()
	log.Debug().Int64("chat_id", chatID).Str("command", cmd).Msg("command received")

	switch cmd {
	case "start":
		r.reply(ctx, chatID, format.Help, r.keyboard(chatID))
	case "sensors":
		r.sensors(ctx, chatID)
	case "settings":
		if r.isOwner(chatID) {
			r.reply(ctx, chatID, settingsStub, nil)
		}
	case "status":
		if r.isOwner(chatID) {
			r.reply(ctx, chatID, r.statusText(ctx), nil)
		}
	default:
		log.Debug().Str("command", cmd).Msg("unknown command ignored")
	}
}

func (r *Responder) isOwner(chatID int64) bool {
	if chatID != r.ownerID {
		log.Warn().Int64("chat_id", chatID).Msg("owner-only command from another chat")
		return false
	}
	return true
}

func (r *Responder) keyboard(chatID int64) tgbotapi.ReplyKeyboardMarkup {
	rows := [][]tgbotapi.KeyboardButton{
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("/start")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("/sensors")),
	}
	if chatID == r.ownerID {
		rows = append(rows,
			tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("/settings")),
			tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("/status")),
		)
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

func (r *Responder) sensors(ctx context.Context, chatID int64) {
	batch, err := r.fetcher.Fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("sensor fetch failed")
		r.reply(ctx, chatID, format.Error(err), nil)
		return
	}

	if err := r.replier.SendTo(ctx, chatID, r.formatter.Readings(batch), nil); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("sending readings failed")
		r.reply(ctx, chatID, "Failed to send sensor data: "+err.Error(), nil)
	}
}

func (r *Responder) statusText(ctx context.Context) string {
	var lines []string
	if r.status != nil {
		at, ok := r.status.LastCycle()
		switch {
		case at.IsZero():
			lines = append(lines, "No poll cycle yet.")
		case ok:
			lines = append(lines, fmt.Sprintf("Last cycle at %s: ok", at.Format(time.RFC3339)))
		default:
			lines = append(lines, fmt.Sprintf("Last cycle at %s: failed", at.Format(time.RFC3339)))
		}
	}
	if r.diagnoser != nil {
		lines = append(lines, r.diagnoser.Diagnose(ctx))
	}
	if len(lines) == 0 {
		return "Polling is not enabled."
	}
	return strings.Join(lines, "\n")
}

// reply sends text and logs a failure; there is nothing left to tell the chat.
func (r *Responder) reply(ctx context.Context, chatID int64, text string, markup interface{}) {
	if err := r.replier.SendTo(ctx, chatID, text, markup); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

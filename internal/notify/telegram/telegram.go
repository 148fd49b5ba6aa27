// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/hray3182/duesync/internal/format"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/notify"
)

// Telegram allows about 30 messages per second per bot.
const defaultRate = 25

type Dispatcher struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

func New(token string) (*Dispatcher, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	log.Info("telegram dispatcher ready", "bot", api.Self.UserName)
	return NewWithAPI(api), nil
}

func NewWithAPI(api *tgbotapi.BotAPI) *Dispatcher {
	return &Dispatcher{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(defaultRate), 5),
	}
}

// Send delivers msg to the chat identified by userID. A message the API
// cannot parse yields notify.ErrTemplateRejected; anything else that fails
// is notify.ErrTransport.
func (d *Dispatcher) Send(ctx context.Context, userID int64, msg notify.Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrTransport, err)
	}

	var out tgbotapi.MessageConfig
	if msg.Text == msg.Plain {
		out = tgbotapi.NewMessage(userID, msg.Plain)
	} else {
		parsed := format.ParseMarkdown(msg.Text)
		out = tgbotapi.NewMessage(userID, parsed.Text)
		out.Entities = parsed.Entities
	}
	out.DisableWebPagePreview = true

	sent, err := d.api.Send(out)
	if err != nil {
		return classify(err)
	}
	log.Debug("telegram message sent", "user_id", userID, "msg_id", sent.MessageID)
	return nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Message)
		if apiErr.Code == 400 && (strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "entity")) {
			return fmt.Errorf("%w: %s", notify.ErrTemplateRejected, apiErr.Message)
		}
		return fmt.Errorf("%w: telegram %d: %s", notify.ErrTransport, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", notify.ErrTransport, err)
}

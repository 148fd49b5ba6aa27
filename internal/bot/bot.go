// Package bot serves the chat side of the engine: users list, pay and
// postpone bills and check their calendar link from Telegram.
package bot

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/bot/handlers"
	"github.com/hray3182/duesync/internal/log"
)

type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *handlers.Handlers
}

// New shares api with the reminder dispatcher so one client talks to
// Telegram.
func New(api *tgbotapi.BotAPI, deps handlers.Deps) *Bot {
	return &Bot{
		api:      api,
		handlers: handlers.New(api, deps),
	}
}

func (b *Bot) Start(ctx context.Context) error {
	log.Info("bot authorized", "account", b.api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	// Updates already being handled finish before Start returns.
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("bot update panicked", fmt.Errorf("%v", r), "update_id", update.UpdateID)
		}
	}()

	if update.CallbackQuery != nil {
		b.handlers.HandleCallbackQuery(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil {
		return
	}

	// Handle commands
	if update.Message.IsCommand() {
		b.handlers.HandleCommand(ctx, update.Message)
		return
	}
	b.handlers.HandleCommand(ctx, helpFor(update.Message))
}

// helpFor answers plain text with the command list.
func helpFor(msg *tgbotapi.Message) *tgbotapi.Message {
	cp := *msg
	cp.Text = "/help"
	cp.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/help")}}
	return &cp
}

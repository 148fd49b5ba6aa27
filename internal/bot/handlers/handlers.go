package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/format"
	"github.com/hray3182/duesync/internal/instances"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/scheduler"
	"github.com/hray3182/duesync/internal/store"
)

// Sender is the part of *tgbotapi.BotAPI the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Runner interface {
	RunUser(ctx context.Context, userID int64) scheduler.UserOutcome
}

type Deps struct {
	Users       store.UserStore
	Connections store.ConnectionStore
	Instances   *instances.Service
	Runner      Runner
	Clock       clock.Clock
	DefaultZone *time.Location
	HorizonDays int
}

type Handlers struct {
	api Sender
	Deps
}

func New(api Sender, deps Deps) *Handlers {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.DefaultZone == nil {
		deps.DefaultZone = time.UTC
	}
	if deps.HorizonDays <= 0 {
		deps.HorizonDays = instances.DefaultHorizonDays
	}
	return &Handlers{api: api, Deps: deps}
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	// Ensure user exists
	if err := h.ensureUser(ctx, msg.From); err != nil {
		log.Error("failed to get or create user", err, "user_id", msg.From.ID)
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(ctx, msg)
	case "upcoming":
		h.handleUpcoming(ctx, msg)
	case "rules":
		h.handleRules(ctx, msg)
	case "paid":
		h.handlePaid(ctx, msg)
	case "postpone":
		h.handlePostpone(ctx, msg)
	case "timezone":
		h.handleTimezone(ctx, msg)
	case "calendar":
		h.handleCalendar(ctx, msg)
	case "run":
		h.handleRun(ctx, msg)
	default:
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
	}
}

func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Answer callback to remove loading state
	if _, err := h.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		log.Warn("failed to answer callback", "err", err)
	}
	if callback.Message == nil {
		return
	}

	// Callback data: "pay:userID:instanceID"
	parts := strings.Split(callback.Data, ":")
	if len(parts) != 3 || parts[0] != "pay" {
		return
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return
	}
	instanceID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return
	}

	// Verify the callback is from the correct user
	if callback.From.ID != userID {
		h.answerCallbackWithAlert(callback.ID, "This is not your bill")
		return
	}

	text := h.pay(ctx, userID, instanceID)
	h.editMessageText(callback.Message.Chat.ID, callback.Message.MessageID, text)
}

func (h *Handlers) ensureUser(ctx context.Context, from *tgbotapi.User) error {
	if from == nil {
		return errors.New("message has no sender")
	}
	_, err := h.Users.GetUser(ctx, from.ID)
	if errors.Is(err, store.ErrNotFound) {
		return h.Users.UpsertUser(ctx, &models.User{UserID: from.ID, UserName: from.UserName})
	}
	return err
}

func (h *Handlers) zone(ctx context.Context, userID int64) *time.Location {
	u, err := h.Users.GetUser(ctx, userID)
	if err != nil || u.Timezone == "" {
		return h.DefaultZone
	}
	return clock.LoadZone(u.Timezone, h.DefaultZone)
}

func (h *Handlers) answerCallbackWithAlert(callbackID string, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallbackWithAlert(callbackID, text)); err != nil {
		log.Warn("failed to answer callback with alert", "err", err)
	}
}

// sendMessage sends text written with **bold** / __italic__ markers as
// message entities.
func (h *Handlers) sendMessage(chatID int64, text string) {
	parsed := format.ParseMarkdown(text)
	reply := tgbotapi.NewMessage(chatID, parsed.Text)
	reply.Entities = parsed.Entities
	if _, err := h.api.Send(reply); err != nil {
		log.Error("failed to send message", err, "chat_id", chatID)
	}
}

func (h *Handlers) sendWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	parsed := format.ParseMarkdown(text)
	reply := tgbotapi.NewMessage(chatID, parsed.Text)
	reply.Entities = parsed.Entities
	reply.ReplyMarkup = keyboard
	if _, err := h.api.Send(reply); err != nil {
		log.Error("failed to send message", err, "chat_id", chatID)
	}
}

func (h *Handlers) editMessageText(chatID int64, messageID int, text string) {
	parsed := format.ParseMarkdown(text)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, parsed.Text)
	edit.Entities = parsed.Entities
	if _, err := h.api.Send(edit); err != nil {
		log.Error("failed to edit message", err, "chat_id", chatID)
	}
}

// errText turns an engine error into a reply.
func errText(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "❌ " + err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "❌ Not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return "❌ That bill is already paid or its rule was deleted"
	case errors.Is(err, store.ErrDueDateTaken):
		return "❌ Another bill of the same rule is already due that day"
	}
	return "❌ Something went wrong, please try again later"
}

func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	text := "👋 Hi " + msg.From.FirstName + "!\n\n" +
		"I remind you of recurring bills and upcoming commitments, and keep them in sync with your calendar.\n\n" +
		"Use /upcoming to see what is due and /help for all commands."
	h.sendMessage(msg.Chat.ID, text)
}

func (h *Handlers) handleHelp(ctx context.Context, msg *tgbotapi.Message) {
	text := `📖 **Commands**

**Bills**
/upcoming - bills due soon
/rules - your recurring rules
/paid <id> - mark a bill paid
/postpone <id> <YYYY-MM-DD> [note] - move a bill

**Settings**
/timezone <Area/City> - set your timezone
/calendar - calendar connection status
/run - check for due reminders now`
	h.sendMessage(msg.Chat.ID, text)
}

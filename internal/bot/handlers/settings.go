package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/scheduler"
	"github.com/hray3182/duesync/internal/store"
)

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// handleTimezone shows or sets the zone reminders and due dates are read in.
func (h *Handlers) handleTimezone(ctx context.Context, msg *tgbotapi.Message) {
	name := strings.TrimSpace(msg.CommandArguments())
	user, err := h.Users.GetUser(ctx, msg.From.ID)
	if err != nil {
		log.Error("failed to get user", err, "user_id", msg.From.ID)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}

	if name == "" {
		current := user.Timezone
		if current == "" {
			current = h.DefaultZone.String() + " (default)"
		}
		h.sendMessage(msg.Chat.ID, "🌍 Timezone: **"+current+"**\nChange it with /timezone <Area/City>")
		return
	}
	if _, err := time.LoadLocation(name); err != nil {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("❌ Unknown timezone %q, try something like Europe/Berlin", name))
		return
	}

	user.Timezone = name
	if err := h.Users.UpsertUser(ctx, user); err != nil {
		log.Error("failed to update timezone", err, "user_id", msg.From.ID)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}
	h.sendMessage(msg.Chat.ID, "🌍 Timezone set to **"+name+"**")
}

// handleCalendar reports the calendar connection, including a revocation
// the user has to act on.
func (h *Handlers) handleCalendar(ctx context.Context, msg *tgbotapi.Message) {
	conn, err := h.Connections.GetConnection(ctx, msg.From.ID)
	if errors.Is(err, store.ErrNotFound) {
		h.sendMessage(msg.Chat.ID, "📅 No calendar connected")
		return
	}
	if err != nil {
		log.Error("failed to get calendar connection", err, "user_id", msg.From.ID)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}

	loc := h.zone(ctx, msg.From.ID)
	if conn.IsRevoked() {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("⚠️ **Calendar access was revoked** on %s.\nSync is paused until you reconnect %s.",
			conn.RevokedAt.In(loc).Format("02 Jan 15:04"), conn.Provider))
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📅 **%s** connected", conn.Provider))
	if conn.CalendarEmail != "" {
		sb.WriteString(" as " + conn.CalendarEmail)
	}
	sb.WriteString("\nSince " + conn.ConnectedAt.In(loc).Format("02 Jan 2006"))
	if conn.LastPulledAt != nil {
		sb.WriteString("\nLast synced " + conn.LastPulledAt.In(loc).Format("02 Jan 15:04"))
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

// handleRun runs the user's pass now, through the same path as a tick.
func (h *Handlers) handleRun(ctx context.Context, msg *tgbotapi.Message) {
	out := h.Runner.RunUser(ctx, msg.From.ID)

	var sb strings.Builder
	switch out.Status {
	case scheduler.StatusOK:
		sb.WriteString("✅ All caught up")
	case scheduler.StatusReconnectRequired:
		sb.WriteString("⚠️ Your calendar needs to be reconnected")
	case scheduler.StatusRetry:
		sb.WriteString("⏳ Some steps failed and will be retried")
	default:
		sb.WriteString("❌ Something went wrong")
	}
	sb.WriteString(fmt.Sprintf("\n🆕 %d new bills, 🔔 %d reminders sent", out.InstancesCreated, out.RemindersSent))
	if out.Status != scheduler.StatusOK {
		log.Warn("on-demand run finished with errors", "user_id", msg.From.ID, "status", out.Status, "errors", out.Errors)
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/recurrence"
	"github.com/hray3182/duesync/internal/store"
)

const (
	maxListed    = 10
	overdueDays  = 30
	dateLayout   = "2006-01-02"
	humanDateFmt = "Mon 02 Jan"
)

func statusIcon(s models.InstanceStatus) string {
	switch s {
	case models.InstanceStatusPaid:
		return "✅"
	case models.InstanceStatusPostponed:
		return "↪️"
	case models.InstanceStatusPaused:
		return "⏸"
	}
	return "⏰"
}

// handleUpcoming lists open bills from the last month up to the horizon,
// with a pay button for each.
func (h *Handlers) handleUpcoming(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	today := clock.LocalDate(h.Clock.Now(), h.zone(ctx, userID))
	list, err := h.Instances.ListInstances(ctx, userID, today.AddDate(0, 0, -overdueDays), today.AddDate(0, 0, h.HorizonDays+1))
	if err != nil {
		log.Error("failed to list instances", err, "user_id", userID)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}

	var sb strings.Builder
	var rows [][]tgbotapi.InlineKeyboardButton
	shown := 0
	for _, inst := range list {
		status := inst.EffectiveStatus()
		if status == models.InstanceStatusPaid {
			continue
		}
		if shown == maxListed {
			sb.WriteString(fmt.Sprintf("\n…and %d more", countOpen(list)-shown))
			break
		}
		shown++
		sb.WriteString(fmt.Sprintf("%s **%d.** %s %s\n", statusIcon(status), inst.InstanceID, inst.Title, inst.Amount.StringFixed(2)))
		due := inst.DueDate.Format(humanDateFmt)
		if inst.DueDate.Before(today) {
			due += " (overdue)"
		}
		sb.WriteString("   📅 " + due + "\n")
		if inst.Remindable() {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("✅ Paid #%d", inst.InstanceID), fmt.Sprintf("pay:%d:%d", userID, inst.InstanceID)),
			))
		}
	}

	if shown == 0 {
		h.sendMessage(msg.Chat.ID, "🎉 Nothing due in the next "+strconv.Itoa(h.HorizonDays)+" days")
		return
	}
	text := "📋 **Upcoming bills**\n\n" + sb.String()
	if len(rows) == 0 {
		h.sendMessage(msg.Chat.ID, text)
		return
	}
	h.sendWithKeyboard(msg.Chat.ID, text, tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func countOpen(list []*models.RecurringInstance) int {
	n := 0
	for _, inst := range list {
		if inst.EffectiveStatus() != models.InstanceStatusPaid {
			n++
		}
	}
	return n
}

func (h *Handlers) handleRules(ctx context.Context, msg *tgbotapi.Message) {
	rules, err := h.Instances.ListRules(ctx, msg.From.ID)
	if err != nil {
		log.Error("failed to list rules", err, "user_id", msg.From.ID)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}
	if len(rules) == 0 {
		h.sendMessage(msg.Chat.ID, "🔄 No recurring rules yet")
		return
	}

	var sb strings.Builder
	sb.WriteString("🔄 **Recurring rules**\n\n")
	for _, r := range rules {
		icon := "▶️"
		if !r.IsActive {
			icon = "⏸"
		}
		sb.WriteString(fmt.Sprintf("%s **%s** %s (%s)\n", icon, r.Title, r.Amount.StringFixed(2), r.Type))
		sb.WriteString("   " + recurrence.Describe(r) + "\n")
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handlePaid(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 1 {
		h.sendMessage(msg.Chat.ID, "Usage: /paid <id>")
		return
	}
	instanceID, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		h.sendMessage(msg.Chat.ID, "❌ Invalid id")
		return
	}
	h.sendMessage(msg.Chat.ID, h.pay(ctx, msg.From.ID, instanceID))
}

// pay marks the user's instance paid and describes the result.
func (h *Handlers) pay(ctx context.Context, userID, instanceID int64) string {
	if _, err := h.ownInstance(ctx, userID, instanceID); err != nil {
		return errText(err)
	}
	inst, err := h.Instances.PayInstance(ctx, instanceID)
	if err != nil {
		log.Warn("pay instance rejected", "user_id", userID, "instance_id", instanceID, "err", err)
		return errText(err)
	}
	return fmt.Sprintf("✅ **%s** %s marked paid", inst.Title, inst.Amount.StringFixed(2))
}

// ownInstance hides other users' instances behind ErrNotFound.
func (h *Handlers) ownInstance(ctx context.Context, userID, instanceID int64) (*models.RecurringInstance, error) {
	inst, err := h.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func (h *Handlers) handlePostpone(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		h.sendMessage(msg.Chat.ID, "Usage: /postpone <id> <YYYY-MM-DD> [note]")
		return
	}
	instanceID, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		h.sendMessage(msg.Chat.ID, "❌ Invalid id")
		return
	}
	due, err := parseDate(args[1])
	if err != nil {
		h.sendMessage(msg.Chat.ID, "❌ Date must look like 2024-03-31")
		return
	}
	notes := strings.Join(args[2:], " ")

	if _, err := h.ownInstance(ctx, msg.From.ID, instanceID); err != nil {
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}
	inst, err := h.Instances.PostponeInstance(ctx, instanceID, due, notes)
	if err != nil {
		log.Warn("postpone rejected", "user_id", msg.From.ID, "instance_id", instanceID, "err", err)
		h.sendMessage(msg.Chat.ID, errText(err))
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("↪️ **%s** moved to %s", inst.Title, inst.DueDate.Format(humanDateFmt)))
}

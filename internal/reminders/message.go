package reminders

import (
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/notify"
	"github.com/hray3182/duesync/internal/recurrence"
)

func describeRule(rule *models.RecurringRule) string {
	return recurrence.Describe(rule)
}

func bold(s string) string { return "**" + s + "**" }

func plain(s string) string { return s }

func instanceMessage(inst *models.RecurringInstance, dueAt time.Time, description string, now time.Time, loc *time.Location) notify.Message {
	build := func(b func(string) string) string {
		var sb strings.Builder
		if inst.Type == models.TransactionTypeIncome {
			sb.WriteString("💰 " + b("Income expected") + "\n\n")
		} else {
			sb.WriteString("⏰ " + b("Payment due") + "\n\n")
		}
		sb.WriteString(b(inst.Title) + "\n")
		sb.WriteString(fmt.Sprintf("💵 %s (%s)\n", inst.Amount.StringFixed(2), inst.Type))
		sb.WriteString("📅 " + dueAt.In(loc).Format("Mon, 02 Jan 2006"))
		sb.WriteString(" (" + relativeDays(inst.DueDate, clock.LocalDate(now, loc)) + ")")
		if inst.Status == models.InstanceStatusPostponed {
			sb.WriteString("\n↪️ postponed from " + inst.OriginalDueDate.Format("02 Jan"))
		}
		if description != "" {
			sb.WriteString("\n🔄 " + description)
		}
		if inst.Notes != "" {
			sb.WriteString("\n\n" + inst.Notes)
		}
		return sb.String()
	}
	return notify.Message{Text: build(bold), Plain: build(plain)}
}

func commitmentMessage(c *models.Commitment, now time.Time, loc *time.Location) notify.Message {
	build := func(b func(string) string) string {
		var sb strings.Builder
		sb.WriteString("📅 " + b("Upcoming: "+c.Title) + "\n")
		sb.WriteString("⏰ " + c.ScheduledAt.In(loc).Format("Mon 02 Jan 15:04"))
		if until := c.ScheduledAt.Sub(now); until > 0 {
			sb.WriteString(" (in " + formatDuration(until) + ")")
		} else {
			sb.WriteString(" (started)")
		}
		if c.DurationMinutes > 0 {
			sb.WriteString(fmt.Sprintf("\n⏱ %d min", c.DurationMinutes))
		}
		if c.Location != "" {
			sb.WriteString("\n📍 " + c.Location)
		}
		if len(c.Participants) > 0 {
			sb.WriteString("\n👥 " + strings.Join(c.Participants, ", "))
		}
		if c.Notes != "" {
			sb.WriteString("\n\n" + c.Notes)
		}
		return sb.String()
	}
	return notify.Message{Text: build(bold), Plain: build(plain)}
}

// relativeDays describes due relative to today, both civil dates.
func relativeDays(due, today time.Time) string {
	days := int(due.Sub(today).Hours() / 24)
	switch {
	case days == 0:
		return "today"
	case days == 1:
		return "tomorrow"
	case days > 1:
		return fmt.Sprintf("in %d days", days)
	case days == -1:
		return "overdue by 1 day"
	default:
		return fmt.Sprintf("overdue by %d days", -days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	minutes := int(d.Minutes())
	if d < time.Hour {
		return fmt.Sprintf("%d min", minutes)
	}
	if d < 48*time.Hour {
		hours := int(d.Hours())
		if mins := minutes % 60; mins > 0 {
			return fmt.Sprintf("%d h %d min", hours, mins)
		}
		return fmt.Sprintf("%d h", hours)
	}
	return fmt.Sprintf("%d days", int(d.Hours()/24))
}

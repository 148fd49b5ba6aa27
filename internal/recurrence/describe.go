package recurrence

import (
	"fmt"
	"strings"

	"github.com/hray3182/duesync/internal/models"
)

// Describe returns a short human readable summary of the rule's cadence.
func Describe(rule *models.RecurringRule) string {
	var b strings.Builder

	switch rule.Frequency {
	case models.FrequencyDaily:
		b.WriteString("Every day")
	case models.FrequencyWeekly:
		if rule.DayOfWeek != nil && *rule.DayOfWeek >= 0 && *rule.DayOfWeek <= 6 {
			b.WriteString("Every " + weekdayNames[*rule.DayOfWeek])
		} else {
			b.WriteString("Every week")
		}
	case models.FrequencyMonthly:
		if rule.DayOfMonth == nil {
			b.WriteString("Every month")
			break
		}
		day := *rule.DayOfMonth
		b.WriteString(fmt.Sprintf("Monthly on the %s", ordinal(day)))
		if day > 28 {
			b.WriteString(" (or the last day of shorter months)")
		}
	case models.FrequencyYearly:
		b.WriteString("Every year on " + rule.StartDate.Format("Jan 2"))
	case models.FrequencyCustom:
		if rule.IntervalDays != nil && *rule.IntervalDays > 1 {
			b.WriteString(fmt.Sprintf("Every %d days", *rule.IntervalDays))
		} else {
			b.WriteString("Every day")
		}
	default:
		return string(rule.Frequency)
	}

	if rule.EndDate != nil {
		b.WriteString(", until " + rule.EndDate.Format("2006-01-02"))
	}
	return b.String()
}

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// Package recurrence expands recurring rules into concrete due dates.
//
// Expansion is pure: the same rule and window always yield the same dates.
// Dates are civil dates represented as midnight UTC.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
)

const DefaultMaxOccurrences = 5000

var ErrTruncated = errors.New("recurrence: occurrence cap reached")

var weekdays = []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Expand returns the rule's due dates inside the half-open window
// [windowStart, windowEnd). start_date and end_date bound the result
// inclusively. Inactive or deleted rules expand to nothing.
func Expand(rule *models.RecurringRule, windowStart, windowEnd time.Time) ([]time.Time, error) {
	return ExpandWithLimit(rule, windowStart, windowEnd, DefaultMaxOccurrences)
}

// ExpandWithLimit is Expand with an explicit occurrence cap. Hitting the cap
// returns the dates found so far together with ErrTruncated.
func ExpandWithLimit(rule *models.RecurringRule, windowStart, windowEnd time.Time, limit int) ([]time.Time, error) {
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}
	ws, we := toDate(windowStart), toDate(windowEnd)

	if !rule.IsActive || rule.IsDeleted() || !ws.Before(we) {
		return nil, nil
	}
	start := toDate(rule.StartDate)
	if !start.Before(we) {
		return nil, nil
	}
	if rule.EndDate != nil && toDate(*rule.EndDate).Before(ws) {
		return nil, nil
	}

	r, err := build(rule)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || !t.Before(we) {
			break
		}
		if t.Before(ws) {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			log.Error("recurrence: truncated expansion", ErrTruncated, "rule_id", rule.RuleID, "cap", limit)
			return out, ErrTruncated
		}
	}
	return out, nil
}

// build maps a rule onto an RRULE. Month days past 28 use BYMONTHDAY=28..D
// with BYSETPOS=-1, which picks D when the month has it and the month's last
// day otherwise.
func build(rule *models.RecurringRule) (*rrule.RRule, error) {
	check := *rule
	if err := check.Validate(); err != nil {
		return nil, err
	}

	start := toDate(rule.StartDate)
	opt := rrule.ROption{Dtstart: start, Interval: 1}
	if rule.EndDate != nil {
		opt.Until = toDate(*rule.EndDate)
	}

	switch rule.Frequency {
	case models.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case models.FrequencyCustom:
		opt.Freq = rrule.DAILY
		opt.Interval = *rule.IntervalDays
	case models.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{weekdays[*rule.DayOfWeek]}
	case models.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(*rule.DayOfMonth)
	case models.FrequencyYearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(start.Month())}
		opt.Bymonthday, opt.Bysetpos = clampedMonthDay(start.Day())
	default:
		return nil, fmt.Errorf("recurrence: unsupported frequency %q", rule.Frequency)
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: build rule %d: %w", rule.RuleID, err)
	}
	return r, nil
}

func clampedMonthDay(day int) (monthdays []int, setpos []int) {
	if day <= 28 {
		return []int{day}, nil
	}
	for d := 28; d <= day; d++ {
		monthdays = append(monthdays, d)
	}
	return monthdays, []int{-1}
}

func toDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

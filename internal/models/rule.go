package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Limits matching the storage columns.
const (
	// MaxReminderOffset is one leap year in minutes.
	MaxReminderOffset  = 366 * 24 * 60
	MaxDurationMinutes = MaxReminderOffset
	MaxIntervalDays    = 3660
	amountScale       = 2
)

// maxAmount is the largest value a NUMERIC(14,2) column holds.
var maxAmount = decimal.New(1, 12)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
	FrequencyCustom  Frequency = "custom"
)

// RecurringRule is a user-defined template for a repeating obligation.
// Dates are civil dates at midnight UTC.
type RecurringRule struct {
	RuleID          int64           `json:"rule_id"`
	UserID          int64           `json:"user_id"`
	OrgID           *int64          `json:"org_id,omitempty"` // visibility only
	Title           string          `json:"title"`
	Amount          decimal.Decimal `json:"amount"`
	Type            TransactionType `json:"type"`
	CategoryID      *int64          `json:"category_id"`
	Frequency       Frequency       `json:"frequency"`
	DayOfMonth      *int            `json:"day_of_month,omitempty"`  // monthly, 1-31
	DayOfWeek       *int            `json:"day_of_week,omitempty"`   // weekly, 0=Sunday
	IntervalDays    *int            `json:"interval_days,omitempty"` // custom, >=1
	StartDate       time.Time       `json:"start_date"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	IsActive        bool            `json:"is_active"`
	ReminderOffsets []int           `json:"reminder_offsets"` // minutes before due time
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

func (r *RecurringRule) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Validate enforces the frequency/parameter invariant and value ranges.
// It also normalizes ReminderOffsets into a descending, de-duplicated set.
func (r *RecurringRule) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if err := validateAmount(r.Amount); err != nil {
		return err
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, r.Type)
	}
	if r.StartDate.IsZero() {
		return fmt.Errorf("%w: start_date is required", ErrValidation)
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: end_date is before start_date", ErrValidation)
	}

	set := 0
	for _, p := range []*int{r.DayOfMonth, r.DayOfWeek, r.IntervalDays} {
		if p != nil {
			set++
		}
	}

	switch r.Frequency {
	case FrequencyDaily, FrequencyYearly:
		if set != 0 {
			return fmt.Errorf("%w: %s rules take no day parameters", ErrValidation, r.Frequency)
		}
	case FrequencyMonthly:
		if set != 1 || r.DayOfMonth == nil {
			return fmt.Errorf("%w: monthly rules require only day_of_month", ErrValidation)
		}
		if *r.DayOfMonth < 1 || *r.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range 1-31", ErrValidation, *r.DayOfMonth)
		}
	case FrequencyWeekly:
		if set != 1 || r.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly rules require only day_of_week", ErrValidation)
		}
		if *r.DayOfWeek < 0 || *r.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week %d out of range 0-6", ErrValidation, *r.DayOfWeek)
		}
	case FrequencyCustom:
		if set != 1 || r.IntervalDays == nil {
			return fmt.Errorf("%w: custom rules require only interval_days", ErrValidation)
		}
		if *r.IntervalDays < 1 || *r.IntervalDays > MaxIntervalDays {
			return fmt.Errorf("%w: interval_days %d out of range 1-%d", ErrValidation, *r.IntervalDays, MaxIntervalDays)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrValidation, r.Frequency)
	}

	offsets, err := NormalizeOffsets(r.ReminderOffsets)
	if err != nil {
		return err
	}
	r.ReminderOffsets = offsets
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !amount.Round(amountScale).Equal(amount) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrValidation, amount, amountScale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: amount %s is too large", ErrValidation, amount)
	}
	return nil
}

// NormalizeOffsets de-duplicates reminder offsets and orders them from the
// earliest reminder (largest offset) to the latest.
func NormalizeOffsets(offsets []int) ([]int, error) {
	seen := make(map[int]bool, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o <= 0 {
			return nil, fmt.Errorf("%w: reminder offset %d must be positive", ErrValidation, o)
		}
		if o > MaxReminderOffset {
			return nil, fmt.Errorf("%w: reminder offset %d exceeds %d minutes", ErrValidation, o, MaxReminderOffset)
		}
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

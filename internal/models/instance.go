package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstanceStatus string

const (
	InstanceStatusScheduled InstanceStatus = "scheduled"
	InstanceStatusPaid      InstanceStatus = "paid"
	InstanceStatusPostponed InstanceStatus = "postponed"
	// InstanceStatusPaused is never stored; it is how a scheduled instance of
	// a paused rule reads.
	InstanceStatusPaused InstanceStatus = "paused"
)

// RecurringInstance is one materialized occurrence of a rule. Title, amount,
// kind and category are snapshots taken at generation time.
type RecurringInstance struct {
	InstanceID      int64           `json:"instance_id"`
	RuleID          int64           `json:"rule_id"`
	UserID          int64           `json:"user_id"`
	Title           string          `json:"title"`
	Amount          decimal.Decimal `json:"amount"`
	Type            TransactionType `json:"type"`
	CategoryID      *int64          `json:"category_id"`
	DueDate         time.Time       `json:"due_date"`
	OriginalDueDate time.Time       `json:"original_due_date"`
	Status          InstanceStatus  `json:"status"`
	Notes           string          `json:"notes"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Reminders       []ReminderState `json:"reminders"`

	// RuleActive and RuleDeleted are read alongside the instance.
	RuleActive  bool `json:"-"`
	RuleDeleted bool `json:"-"`
}

// EffectiveStatus reports paused for scheduled instances of a paused rule.
func (i *RecurringInstance) EffectiveStatus() InstanceStatus {
	if i.Status == InstanceStatusScheduled && !i.RuleActive && !i.RuleDeleted {
		return InstanceStatusPaused
	}
	return i.Status
}

// Remindable reports whether reminders for the instance may still fire.
func (i *RecurringInstance) Remindable() bool {
	if i.RuleDeleted || !i.RuleActive {
		return false
	}
	return i.Status == InstanceStatusScheduled || i.Status == InstanceStatusPostponed
}

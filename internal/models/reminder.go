package models

import "time"

type EntityKind string

const (
	EntityInstance   EntityKind = "instance"
	EntityCommitment EntityKind = "commitment"
)

// ReminderKey identifies one reminder offset of one entity.
type ReminderKey struct {
	Kind          EntityKind `json:"kind"`
	EntityID      int64      `json:"entity_id"`
	MinutesBefore int        `json:"minutes_before"`
}

// ReminderState tracks delivery of a single offset.
type ReminderState struct {
	MinutesBefore  int        `json:"minutes_before"`
	Sent           bool       `json:"sent"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ClaimToken     string     `json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`
}

// FireTime is when a reminder becomes due.
func FireTime(dueAt time.Time, minutesBefore int) time.Time {
	return dueAt.Add(-time.Duration(minutesBefore) * time.Minute)
}

// ReminderStatesFor builds unsent states for the given offsets.
func ReminderStatesFor(offsets []int) []ReminderState {
	states := make([]ReminderState, 0, len(offsets))
	for _, o := range offsets {
		states = append(states, ReminderState{MinutesBefore: o})
	}
	return states
}

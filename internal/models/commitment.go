package models

import (
	"fmt"
	"time"
)

type SyncState string

const (
	SyncStateUnlinked SyncState = "unlinked" // no remote event yet
	SyncStateLinked   SyncState = "linked"
	SyncStateStale    SyncState = "stale"    // local edit not yet pushed
	SyncStateDeleting SyncState = "deleting" // local delete not yet pushed
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Commitment is a personal calendar entry, optionally linked to a remote event.
type Commitment struct {
	CommitmentID    int64           `json:"commitment_id"`
	UserID          int64           `json:"user_id"`
	Title           string          `json:"title"`
	ScheduledAt     time.Time       `json:"scheduled_at"` // UTC
	DurationMinutes int             `json:"duration_minutes"`
	Category        string          `json:"category"`
	Location        string          `json:"location"`
	Participants    []string        `json:"participants"`
	Notes           string          `json:"notes"`
	Reminders       []ReminderState `json:"reminders"`
	GoogleEventID   *string         `json:"google_event_id"`
	RemoteUID       string          `json:"remote_uid,omitempty"` // fixed before the first create push
	SyncState       SyncState       `json:"sync_state"`
	Origin          Origin          `json:"origin"`
	UpdatedAt       time.Time       `json:"updated_at"`
	RemoteUpdatedAt *time.Time      `json:"remote_updated_at,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (c *Commitment) IsLinked() bool {
	return c.GoogleEventID != nil && *c.GoogleEventID != ""
}

// NeedsPush reports whether local state has not reached the remote calendar.
func (c *Commitment) NeedsPush() bool {
	return c.SyncState == SyncStateUnlinked || c.SyncState == SyncStateStale || c.SyncState == SyncStateDeleting
}

// EndsAt returns the end of the commitment.
func (c *Commitment) EndsAt() time.Time {
	return c.ScheduledAt.Add(time.Duration(c.DurationMinutes) * time.Minute)
}

func (c *Commitment) Validate() error {
	if c.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if c.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	if c.DurationMinutes < 0 || c.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: duration_minutes %d out of range 0-%d", ErrValidation, c.DurationMinutes, MaxDurationMinutes)
	}
	offsets := make([]int, 0, len(c.Reminders))
	for _, r := range c.Reminders {
		offsets = append(offsets, r.MinutesBefore)
	}
	normalized, err := NormalizeOffsets(offsets)
	if err != nil {
		return err
	}
	if len(normalized) != len(c.Reminders) {
		return fmt.Errorf("%w: duplicate reminder offsets", ErrValidation)
	}
	c.ScheduledAt = c.ScheduledAt.UTC()
	return nil
}

// CalendarConnection holds a user's credentials for the remote calendar.
type CalendarConnection struct {
	UserID        int64      `json:"user_id"`
	Provider      string     `json:"provider"`
	AccessToken   string     `json:"-"`
	RefreshToken  string     `json:"-"`
	TokenExpiry   time.Time  `json:"token_expiry"`
	CalendarID    string     `json:"calendar_id"`
	CalendarEmail string     `json:"calendar_email"`
	ConnectedAt   time.Time  `json:"connected_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastPulledAt  *time.Time `json:"last_pulled_at,omitempty"`
}

func (c *CalendarConnection) IsRevoked() bool {
	return c.RevokedAt != nil
}

// User is the owner of rules, instances and commitments. UserID doubles as
// the Telegram chat id.
type User struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Timezone string `json:"timezone"`
}

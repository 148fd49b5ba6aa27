package store

import (
	"context"
	"time"

	"github.com/hray3182/duesync/internal/models"
)

// RuleStore persists recurring rules. Deleted rules stay readable through
// GetRule so in-flight work can tell "deleted" from "missing".
type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.RecurringRule) error
	GetRule(ctx context.Context, ruleID int64) (*models.RecurringRule, error)
	UpdateRule(ctx context.Context, rule *models.RecurringRule) error
	SetRuleActive(ctx context.Context, ruleID int64, active bool, at time.Time) error
	// SoftDeleteRule marks the rule deleted and removes its still-scheduled
	// instances. Paid and postponed instances are kept.
	SoftDeleteRule(ctx context.Context, ruleID int64, at time.Time) (removed int, err error)
	ListRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error)
	ListActiveRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error)
}

// InstanceStore persists generated instances. Every status change is a single
// compare-and-set keyed by instance id.
type InstanceStore interface {
	// InsertInstanceIfAbsent creates the instance and its reminder rows unless
	// an instance of the rule already covers inst.DueDate. With preserveSlots a
	// postponed instance also covers its original due date. It reports false
	// without error when nothing was inserted, including when the rule was
	// deleted concurrently.
	InsertInstanceIfAbsent(ctx context.Context, inst *models.RecurringInstance, preserveSlots bool) (bool, error)
	GetInstance(ctx context.Context, instanceID int64) (*models.RecurringInstance, error)
	ListInstances(ctx context.Context, userID int64, from, to time.Time) ([]*models.RecurringInstance, error)
	// ListRemindableInstances returns scheduled or postponed instances of
	// active rules that still have an unsent reminder, with reminders loaded.
	ListRemindableInstances(ctx context.Context, userID int64) ([]*models.RecurringInstance, error)
	MarkPaid(ctx context.Context, instanceID int64, paidAt time.Time) error
	// Postpone moves the instance to newDueDate and resets its reminders.
	Postpone(ctx context.Context, instanceID int64, newDueDate time.Time, notes string) error
}

// ReminderStore tracks per-offset delivery. Claims are leases: a claim whose
// expiry has passed may be taken by another worker.
type ReminderStore interface {
	ClaimReminder(ctx context.Context, key models.ReminderKey, token string, now, expiresAt time.Time) (bool, error)
	MarkReminderSent(ctx context.Context, key models.ReminderKey, token string, sentAt time.Time) error
	ReleaseReminder(ctx context.Context, key models.ReminderKey, token string) error
}

// CommitmentStore persists commitments and their sync bookkeeping.
type CommitmentStore interface {
	CreateCommitment(ctx context.Context, c *models.Commitment) error
	GetCommitment(ctx context.Context, commitmentID int64) (*models.Commitment, error)
	GetCommitmentByRemoteID(ctx context.Context, userID int64, remoteID string) (*models.Commitment, error)
	// UpdateCommitment applies a local edit; a linked commitment becomes stale.
	UpdateCommitment(ctx context.Context, c *models.Commitment) error
	// DeleteCommitment removes an unlinked commitment outright and turns a
	// linked one into a tombstone pending remote deletion.
	DeleteCommitment(ctx context.Context, commitmentID int64, at time.Time) error
	ListCommitments(ctx context.Context, userID int64, from, to time.Time) ([]*models.Commitment, error)
	ListUnsynced(ctx context.Context, userID int64) ([]*models.Commitment, error)
	ListRemindableCommitments(ctx context.Context, userID int64) ([]*models.Commitment, error)

	// SetRemoteLink records the remote id after a successful push. The
	// commitment becomes linked only if updated_at still equals pushedVersion;
	// otherwise it keeps the link but stays stale.
	SetRemoteLink(ctx context.Context, commitmentID int64, remoteID string, pushedVersion, remoteUpdated time.Time) error
	ClearRemoteLink(ctx context.Context, commitmentID int64) error
	// AssignRemoteUID stores uid unless the commitment already has one and
	// returns the uid in effect.
	AssignRemoteUID(ctx context.Context, commitmentID int64, uid string) (string, error)
	PurgeCommitment(ctx context.Context, commitmentID int64) error
	// ImportRemote inserts a remote-origin commitment. ErrConflict if the
	// remote id is already linked for the user.
	ImportRemote(ctx context.Context, c *models.Commitment) error
	// ApplyRemote overwrites local fields with a newer remote version, guarded
	// by expectedUpdatedAt.
	ApplyRemote(ctx context.Context, c *models.Commitment, expectedUpdatedAt time.Time) error
}

// ConnectionStore persists calendar connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID int64) (*models.CalendarConnection, error)
	// UpsertConnection stores fresh credentials and clears any revocation.
	UpsertConnection(ctx context.Context, conn *models.CalendarConnection) error
	UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiry time.Time) error
	RevokeConnection(ctx context.Context, userID int64, at time.Time) error
	SetLastPulled(ctx context.Context, userID int64, at time.Time) error
}

// UserStore persists users.
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
	// ListActiveUsers returns users with an active rule, an unsynced
	// commitment, a pending reminder or a live calendar connection.
	ListActiveUsers(ctx context.Context) ([]int64, error)
}

// Store aggregates the repositories behind one backend.
type Store struct {
	Users       UserStore
	Rules       RuleStore
	Instances   InstanceStore
	Reminders   ReminderStore
	Commitments CommitmentStore
	Connections ConnectionStore

	// Ping reports backend health; nil means always healthy.
	Ping func(ctx context.Context) error
}

// HealthCheck verifies that the backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.Ping == nil {
		return nil
	}
	return s.Ping(ctx)
}

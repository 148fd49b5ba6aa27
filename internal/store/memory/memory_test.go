package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

func seedRule(t *testing.T, db *DB) *models.RecurringRule {
	t.Helper()
	day := 15
	rule := &models.RecurringRule{
		UserID:          1,
		Title:           "Internet",
		Amount:          decimal.RequireFromString("39.90"),
		Type:            models.TransactionTypeExpense,
		Frequency:       models.FrequencyMonthly,
		DayOfMonth:      &day,
		StartDate:       clock.Date(2024, 1, 1),
		IsActive:        true,
		ReminderOffsets: []int{1440},
	}
	if err := db.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func insert(t *testing.T, db *DB, rule *models.RecurringRule, due time.Time, preserve bool) (*models.RecurringInstance, bool) {
	t.Helper()
	inst := &models.RecurringInstance{
		RuleID:    rule.RuleID,
		UserID:    rule.UserID,
		Title:     rule.Title,
		Amount:    rule.Amount,
		Type:      rule.Type,
		DueDate:   due,
		Status:    models.InstanceStatusScheduled,
		Reminders: models.ReminderStatesFor(rule.ReminderOffsets),
	}
	created, err := db.InsertInstanceIfAbsent(context.Background(), inst, preserve)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return inst, created
}

func TestInsertInstanceIfAbsentKeysOnDueDate(t *testing.T) {
	db := New()
	rule := seedRule(t, db)
	due := clock.Date(2024, 2, 15)

	if _, created := insert(t, db, rule, due, false); !created {
		t.Fatal("first insert should create")
	}
	if _, created := insert(t, db, rule, due, false); created {
		t.Fatal("second insert on the same date must be a no-op")
	}
}

func TestPostponeSlotPolicies(t *testing.T) {
	ctx := context.Background()
	due := clock.Date(2024, 2, 15)

	for _, preserve := range []bool{false, true} {
		db := New()
		rule := seedRule(t, db)
		inst, _ := insert(t, db, rule, due, preserve)
		if err := db.Postpone(ctx, inst.InstanceID, clock.Date(2024, 2, 20), "short month"); err != nil {
			t.Fatalf("postpone: %v", err)
		}
		_, created := insert(t, db, rule, due, preserve)
		if created == preserve {
			t.Fatalf("preserve=%v: vacated slot regenerated=%v", preserve, created)
		}
	}
}

func TestPostponeOntoTakenDate(t *testing.T) {
	ctx := context.Background()
	db := New()
	rule := seedRule(t, db)
	first, _ := insert(t, db, rule, clock.Date(2024, 2, 15), false)
	insert(t, db, rule, clock.Date(2024, 3, 15), false)

	err := db.Postpone(ctx, first.InstanceID, clock.Date(2024, 3, 15), "")
	if !errors.Is(err, store.ErrDueDateTaken) {
		t.Fatalf("expected ErrDueDateTaken, got %v", err)
	}
}

func TestClaimLease(t *testing.T) {
	ctx := context.Background()
	db := New()
	rule := seedRule(t, db)
	inst, _ := insert(t, db, rule, clock.Date(2024, 2, 15), false)
	key := models.ReminderKey{Kind: models.EntityInstance, EntityID: inst.InstanceID, MinutesBefore: 1440}
	now := time.Date(2024, 2, 14, 1, 0, 0, 0, time.UTC)

	ok, err := db.ClaimReminder(ctx, key, "a", now, now.Add(5*time.Minute))
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := db.ClaimReminder(ctx, key, "b", now.Add(time.Minute), now.Add(6*time.Minute)); ok {
		t.Fatal("claim must not be taken while the lease is live")
	}
	if ok, _ := db.ClaimReminder(ctx, key, "b", now.Add(10*time.Minute), now.Add(15*time.Minute)); !ok {
		t.Fatal("expired lease should be claimable")
	}
	if err := db.MarkReminderSent(ctx, key, "a", now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale token must not mark sent, got %v", err)
	}
	if err := db.MarkReminderSent(ctx, key, "b", now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if ok, _ := db.ClaimReminder(ctx, key, "c", now.Add(time.Hour), now.Add(2*time.Hour)); ok {
		t.Fatal("sent reminder must not be claimable")
	}
}

func TestSoftDeleteRuleKeepsHistory(t *testing.T) {
	ctx := context.Background()
	db := New()
	rule := seedRule(t, db)
	paid, _ := insert(t, db, rule, clock.Date(2024, 1, 15), false)
	postponed, _ := insert(t, db, rule, clock.Date(2024, 2, 15), false)
	scheduled, _ := insert(t, db, rule, clock.Date(2024, 3, 15), false)

	if err := db.MarkPaid(ctx, paid.InstanceID, time.Now()); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := db.Postpone(ctx, postponed.InstanceID, clock.Date(2024, 2, 25), ""); err != nil {
		t.Fatalf("postpone: %v", err)
	}

	removed, err := db.SoftDeleteRule(ctx, rule.RuleID, time.Now())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 scheduled instance removed, got %d", removed)
	}
	left, _ := db.ListInstances(ctx, 1, clock.Date(2024, 1, 1), clock.Date(2025, 1, 1))
	if len(left) != 2 {
		t.Fatalf("expected paid and postponed history to remain, got %d", len(left))
	}
	if _, created := insert(t, db, rule, clock.Date(2024, 4, 15), false); created {
		t.Fatal("deleted rule must not generate")
	}
	if err := db.MarkPaid(ctx, scheduled.InstanceID, time.Now()); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("pay of a removed instance: expected ErrInvalidTransition, got %v", err)
	}
	if err := db.Postpone(ctx, scheduled.InstanceID, clock.Date(2024, 3, 20), ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("postpone of a removed instance: expected ErrInvalidTransition, got %v", err)
	}
	if err := db.MarkPaid(ctx, 9999, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown instance: expected ErrNotFound, got %v", err)
	}
}

func TestCommitmentLinkLifecycle(t *testing.T) {
	ctx := context.Background()
	db := New()
	v1 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := &models.Commitment{UserID: 1, Title: "Dentist", ScheduledAt: v1.Add(48 * time.Hour), UpdatedAt: v1}
	if err := db.CreateCommitment(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A local edit lands while the create push is in flight.
	edited := *c
	edited.Title = "Dentist (moved)"
	edited.UpdatedAt = v1.Add(time.Minute)
	if err := db.UpdateCommitment(ctx, &edited); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.SetRemoteLink(ctx, c.CommitmentID, "evt-1", v1, v1.Add(30*time.Second)); err != nil {
		t.Fatalf("link: %v", err)
	}
	got, _ := db.GetCommitment(ctx, c.CommitmentID)
	if got.SyncState != models.SyncStateStale {
		t.Fatalf("edit during push must keep the commitment stale, got %s", got.SyncState)
	}

	if err := db.DeleteCommitment(ctx, c.CommitmentID, v1.Add(time.Hour)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = db.GetCommitment(ctx, c.CommitmentID)
	if got.SyncState != models.SyncStateDeleting || got.DeletedAt == nil {
		t.Fatalf("linked delete should leave a tombstone, got %+v", got)
	}

	dup := &models.Commitment{UserID: 1, Title: "x", ScheduledAt: v1, GoogleEventID: &[]string{"evt-1"}[0]}
	if err := db.ImportRemote(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("import of a linked remote id must conflict, got %v", err)
	}
}

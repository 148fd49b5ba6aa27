package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

const instanceColumns = `i.instance_id, i.rule_id, i.user_id, i.title, i.amount::text, i.kind, i.category_id,
	i.due_date, i.original_due_date, i.status, i.notes, i.paid_at, i.created_at,
	r.is_active, r.deleted_at IS NOT NULL`

const instanceFrom = ` FROM recurring_instances i JOIN recurring_rules r ON r.rule_id = i.rule_id`

type InstanceRepository struct {
	db        *database.DB
	reminders *ReminderRepository
}

func NewInstanceRepository(db *database.DB, reminders *ReminderRepository) *InstanceRepository {
	return &InstanceRepository{db: db, reminders: reminders}
}

// InsertInstanceIfAbsent relies on the (rule_id, due_date) unique constraint
// for idempotency. The insert selects from the live rule row, so a rule
// deleted concurrently yields no row.
func (r *InstanceRepository) InsertInstanceIfAbsent(ctx context.Context, inst *models.RecurringInstance, preserveSlots bool) (bool, error) {
	defer observe(ctx, "instances.insert")()
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inst.CreatedAt = stamp(inst.CreatedAt)
	err = tx.QueryRow(ctx,
		`INSERT INTO recurring_instances (rule_id, user_id, title, amount, kind, category_id,
		 due_date, original_due_date, status, created_at)
		 SELECT r.rule_id, $2, $3, $4::numeric, $5, $6, $7::date, $7::date, 'scheduled', $8
		 FROM recurring_rules r
		 WHERE r.rule_id = $1 AND r.deleted_at IS NULL
		   AND NOT ($9::boolean AND EXISTS (
		       SELECT 1 FROM recurring_instances o WHERE o.rule_id = $1 AND o.original_due_date = $7::date))
		 ON CONFLICT (rule_id, due_date) DO NOTHING
		 RETURNING instance_id`,
		inst.RuleID, inst.UserID, inst.Title, inst.Amount.String(), inst.Type, inst.CategoryID,
		inst.DueDate, inst.CreatedAt, preserveSlots,
	).Scan(&inst.InstanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	inst.OriginalDueDate = inst.DueDate
	inst.Status = models.InstanceStatusScheduled

	if err := r.reminders.replace(ctx, tx, models.EntityInstance, inst.InstanceID, offsetsOf(inst.Reminders)); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit instance insert: %w", err)
	}
	return true, nil
}

func (r *InstanceRepository) GetInstance(ctx context.Context, instanceID int64) (*models.RecurringInstance, error) {
	defer observe(ctx, "instances.get")()
	inst, err := scanInstance(r.db.Pool.QueryRow(ctx,
		`SELECT `+instanceColumns+instanceFrom+` WHERE i.instance_id = $1`,
		instanceID,
	))
	if err != nil {
		return nil, mapNoRows(err)
	}
	reminders, err := r.reminders.load(ctx, models.EntityInstance, []int64{inst.InstanceID})
	if err != nil {
		return nil, err
	}
	inst.Reminders = reminders[inst.InstanceID]
	return inst, nil
}

func (r *InstanceRepository) ListInstances(ctx context.Context, userID int64, from, to time.Time) ([]*models.RecurringInstance, error) {
	defer observe(ctx, "instances.list")()
	return r.list(ctx,
		`SELECT `+instanceColumns+instanceFrom+`
		 WHERE i.user_id = $1 AND i.due_date >= $2::date AND i.due_date < $3::date
		 ORDER BY i.due_date, i.instance_id`,
		userID, from, to,
	)
}

func (r *InstanceRepository) ListRemindableInstances(ctx context.Context, userID int64) ([]*models.RecurringInstance, error) {
	defer observe(ctx, "instances.list_remindable")()
	return r.list(ctx,
		`SELECT `+instanceColumns+instanceFrom+`
		 WHERE i.user_id = $1 AND i.status IN ('scheduled', 'postponed')
		   AND r.is_active AND r.deleted_at IS NULL
		   AND EXISTS (SELECT 1 FROM reminders m
		               WHERE m.kind = 'instance' AND m.entity_id = i.instance_id AND NOT m.sent)
		 ORDER BY i.due_date, i.instance_id`,
		userID,
	)
}

// MarkPaid is a compare-and-set on status; the join keeps payments off
// deleted rules.
func (r *InstanceRepository) MarkPaid(ctx context.Context, instanceID int64, paidAt time.Time) error {
	defer observe(ctx, "instances.mark_paid")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE recurring_instances i SET status = 'paid', paid_at = $1
		 FROM recurring_rules r
		 WHERE i.instance_id = $2 AND r.rule_id = i.rule_id AND r.deleted_at IS NULL
		   AND i.status IN ('scheduled', 'postponed')`,
		stamp(paidAt), instanceID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrInvalid(ctx, r.db.Pool, instanceID)
	}
	return nil
}

func (r *InstanceRepository) Postpone(ctx context.Context, instanceID int64, newDueDate time.Time, notes string) error {
	defer observe(ctx, "instances.postpone")()
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE recurring_instances i SET due_date = $1::date, status = 'postponed', notes = $2
		 FROM recurring_rules r
		 WHERE i.instance_id = $3 AND r.rule_id = i.rule_id AND r.deleted_at IS NULL
		   AND i.status IN ('scheduled', 'postponed')`,
		newDueDate, notes, instanceID,
	)
	if isUniqueViolation(err, "recurring_instances_rule_due") {
		return store.ErrDueDateTaken
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrInvalid(ctx, tx, instanceID)
	}

	// The only path that clears delivered reminders.
	if _, err := tx.Exec(ctx,
		`UPDATE reminders SET sent = FALSE, sent_at = NULL, claim_token = NULL, claim_expires_at = NULL
		 WHERE kind = 'instance' AND entity_id = $1`,
		instanceID,
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postpone: %w", err)
	}
	return nil
}

func (r *InstanceRepository) missingOrInvalid(ctx context.Context, q querier, instanceID int64) error {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM recurring_instances WHERE instance_id = $1)
		     OR EXISTS(SELECT 1 FROM removed_instances WHERE instance_id = $1)`,
		instanceID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

func (r *InstanceRepository) list(ctx context.Context, query string, args ...any) ([]*models.RecurringInstance, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.RecurringInstance
	var ids []int64
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
		ids = append(ids, inst.InstanceID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reminders, err := r.reminders.load(ctx, models.EntityInstance, ids)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		inst.Reminders = reminders[inst.InstanceID]
	}
	return instances, nil
}

func scanInstance(row scanner) (*models.RecurringInstance, error) {
	inst := &models.RecurringInstance{}
	var amount string
	if err := row.Scan(&inst.InstanceID, &inst.RuleID, &inst.UserID, &inst.Title, &amount, &inst.Type,
		&inst.CategoryID, &inst.DueDate, &inst.OriginalDueDate, &inst.Status, &inst.Notes, &inst.PaidAt,
		&inst.CreatedAt, &inst.RuleActive, &inst.RuleDeleted); err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("instance %d amount: %w", inst.InstanceID, err)
	}
	inst.Amount = value
	return inst, nil
}

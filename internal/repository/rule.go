package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

const ruleColumns = `rule_id, user_id, org_id, title, amount::text, kind, category_id, frequency,
	day_of_month, day_of_week, interval_days, start_date, end_date, is_active, reminder_offsets,
	created_at, updated_at, deleted_at`

type RuleRepository struct {
	db *database.DB
}

func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) CreateRule(ctx context.Context, rule *models.RecurringRule) error {
	defer observe(ctx, "rules.create")()
	rule.CreatedAt = stamp(rule.CreatedAt)
	rule.UpdatedAt = rule.CreatedAt
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO recurring_rules (user_id, org_id, title, amount, kind, category_id, frequency,
		 day_of_month, day_of_week, interval_days, start_date, end_date, is_active, reminder_offsets, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		 RETURNING rule_id`,
		rule.UserID, rule.OrgID, rule.Title, rule.Amount.String(), rule.Type, rule.CategoryID, rule.Frequency,
		rule.DayOfMonth, rule.DayOfWeek, rule.IntervalDays, rule.StartDate, rule.EndDate, rule.IsActive,
		toInt32s(rule.ReminderOffsets), rule.CreatedAt,
	).Scan(&rule.RuleID)
}

func (r *RuleRepository) GetRule(ctx context.Context, ruleID int64) (*models.RecurringRule, error) {
	defer observe(ctx, "rules.get")()
	rule, err := scanRule(r.db.Pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM recurring_rules WHERE rule_id = $1`,
		ruleID,
	))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return rule, nil
}

func (r *RuleRepository) UpdateRule(ctx context.Context, rule *models.RecurringRule) error {
	defer observe(ctx, "rules.update")()
	rule.UpdatedAt = stamp(rule.UpdatedAt)
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE recurring_rules SET org_id = $1, title = $2, amount = $3::numeric, kind = $4, category_id = $5,
		 frequency = $6, day_of_month = $7, day_of_week = $8, interval_days = $9, start_date = $10, end_date = $11,
		 is_active = $12, reminder_offsets = $13, updated_at = $14
		 WHERE rule_id = $15 AND deleted_at IS NULL`,
		rule.OrgID, rule.Title, rule.Amount.String(), rule.Type, rule.CategoryID, rule.Frequency,
		rule.DayOfMonth, rule.DayOfWeek, rule.IntervalDays, rule.StartDate, rule.EndDate,
		rule.IsActive, toInt32s(rule.ReminderOffsets), rule.UpdatedAt, rule.RuleID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *RuleRepository) SetRuleActive(ctx context.Context, ruleID int64, active bool, at time.Time) error {
	defer observe(ctx, "rules.set_active")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE recurring_rules SET is_active = $1, updated_at = $2 WHERE rule_id = $3 AND deleted_at IS NULL`,
		active, stamp(at), ruleID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SoftDeleteRule tombstones the rule and drops its scheduled instances in one
// transaction; paid and postponed rows stay as history. Dropped instance ids
// are kept in removed_instances so later transitions on them are refused
// rather than reported missing.
func (r *RuleRepository) SoftDeleteRule(ctx context.Context, ruleID int64, at time.Time) (int, error) {
	defer observe(ctx, "rules.delete")()
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	at = stamp(at)
	tag, err := tx.Exec(ctx,
		`UPDATE recurring_rules SET deleted_at = $1, is_active = FALSE, updated_at = $1
		 WHERE rule_id = $2 AND deleted_at IS NULL`,
		at, ruleID,
	)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, store.ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO removed_instances (instance_id, rule_id, removed_at)
		 SELECT instance_id, rule_id, $2 FROM recurring_instances
		 WHERE rule_id = $1 AND status = 'scheduled'
		 ON CONFLICT (instance_id) DO NOTHING`,
		ruleID, at,
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM reminders WHERE kind = 'instance' AND entity_id IN
		 (SELECT instance_id FROM recurring_instances WHERE rule_id = $1 AND status = 'scheduled')`,
		ruleID,
	); err != nil {
		return 0, err
	}
	tag, err = tx.Exec(ctx,
		`DELETE FROM recurring_instances WHERE rule_id = $1 AND status = 'scheduled'`,
		ruleID,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit rule delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *RuleRepository) ListRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error) {
	defer observe(ctx, "rules.list")()
	return r.list(ctx,
		`SELECT `+ruleColumns+` FROM recurring_rules
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY rule_id`,
		userID,
	)
}

func (r *RuleRepository) ListActiveRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error) {
	defer observe(ctx, "rules.list_active")()
	return r.list(ctx,
		`SELECT `+ruleColumns+` FROM recurring_rules
		 WHERE user_id = $1 AND deleted_at IS NULL AND is_active ORDER BY rule_id`,
		userID,
	)
}

func (r *RuleRepository) list(ctx context.Context, query string, args ...any) ([]*models.RecurringRule, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.RecurringRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row scanner) (*models.RecurringRule, error) {
	rule := &models.RecurringRule{}
	var amount string
	var offsets []int32
	if err := row.Scan(&rule.RuleID, &rule.UserID, &rule.OrgID, &rule.Title, &amount, &rule.Type, &rule.CategoryID,
		&rule.Frequency, &rule.DayOfMonth, &rule.DayOfWeek, &rule.IntervalDays, &rule.StartDate, &rule.EndDate,
		&rule.IsActive, &offsets, &rule.CreatedAt, &rule.UpdatedAt, &rule.DeletedAt); err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("rule %d amount: %w", rule.RuleID, err)
	}
	rule.Amount = value
	rule.ReminderOffsets = toInts(offsets)
	return rule, nil
}

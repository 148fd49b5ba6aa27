package repository

import (
	"context"
	"time"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

// ReminderRepository owns the reminders table shared by instances and
// commitments.
type ReminderRepository struct {
	db *database.DB
}

func NewReminderRepository(db *database.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// ClaimReminder takes a lease on one unsent offset. A live lease held by
// another token blocks the claim; an expired one does not.
func (r *ReminderRepository) ClaimReminder(ctx context.Context, key models.ReminderKey, token string, now, expiresAt time.Time) (bool, error) {
	defer observe(ctx, "reminders.claim")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET claim_token = $1, claim_expires_at = $2
		 WHERE kind = $3 AND entity_id = $4 AND minutes_before = $5 AND NOT sent
		   AND (claim_token IS NULL OR claim_expires_at <= $6)`,
		token, expiresAt, key.Kind, key.EntityID, key.MinutesBefore, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReminderRepository) MarkReminderSent(ctx context.Context, key models.ReminderKey, token string, sentAt time.Time) error {
	defer observe(ctx, "reminders.mark_sent")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET sent = TRUE, sent_at = $1, claim_token = NULL, claim_expires_at = NULL
		 WHERE kind = $2 AND entity_id = $3 AND minutes_before = $4 AND NOT sent AND claim_token = $5`,
		sentAt, key.Kind, key.EntityID, key.MinutesBefore, token,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *ReminderRepository) ReleaseReminder(ctx context.Context, key models.ReminderKey, token string) error {
	defer observe(ctx, "reminders.release")()
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET claim_token = NULL, claim_expires_at = NULL
		 WHERE kind = $1 AND entity_id = $2 AND minutes_before = $3 AND claim_token = $4`,
		key.Kind, key.EntityID, key.MinutesBefore, token,
	)
	return err
}

// load returns reminder states for the given entities, largest offset first.
func (r *ReminderRepository) load(ctx context.Context, kind models.EntityKind, ids []int64) (map[int64][]models.ReminderState, error) {
	out := make(map[int64][]models.ReminderState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT entity_id, minutes_before, sent, sent_at FROM reminders
		 WHERE kind = $1 AND entity_id = ANY($2) ORDER BY entity_id, minutes_before DESC`,
		kind, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var state models.ReminderState
		var minutes int32
		if err := rows.Scan(&id, &minutes, &state.Sent, &state.SentAt); err != nil {
			return nil, err
		}
		state.MinutesBefore = int(minutes)
		out[id] = append(out[id], state)
	}
	return out, rows.Err()
}

// replace makes the entity's reminder rows match offsets, keeping delivery
// state for offsets that survive.
func (r *ReminderRepository) replace(ctx context.Context, q querier, kind models.EntityKind, id int64, offsets []int) error {
	wanted := toInt32s(offsets)
	if _, err := q.Exec(ctx,
		`DELETE FROM reminders WHERE kind = $1 AND entity_id = $2 AND NOT (minutes_before = ANY($3))`,
		kind, id, wanted,
	); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO reminders (kind, entity_id, minutes_before)
		 SELECT $1, $2, unnest($3::int[])
		 ON CONFLICT (kind, entity_id, minutes_before) DO NOTHING`,
		kind, id, wanted,
	)
	return err
}

func (r *ReminderRepository) deleteFor(ctx context.Context, q querier, kind models.EntityKind, id int64) error {
	_, err := q.Exec(ctx, `DELETE FROM reminders WHERE kind = $1 AND entity_id = $2`, kind, id)
	return err
}

func offsetsOf(states []models.ReminderState) []int {
	offsets := make([]int, 0, len(states))
	for _, s := range states {
		offsets = append(offsets, s.MinutesBefore)
	}
	return offsets
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

const commitmentColumns = `commitment_id, user_id, title, scheduled_at, duration_minutes, category, location,
	participants, notes, google_event_id, remote_uid, sync_state, origin, updated_at, remote_updated_at, deleted_at, created_at`

type CommitmentRepository struct {
	db        *database.DB
	reminders *ReminderRepository
}

func NewCommitmentRepository(db *database.DB, reminders *ReminderRepository) *CommitmentRepository {
	return &CommitmentRepository{db: db, reminders: reminders}
}

func (r *CommitmentRepository) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	defer observe(ctx, "commitments.create")()
	if c.SyncState == "" {
		c.SyncState = models.SyncStateUnlinked
	}
	if c.Origin == "" {
		c.Origin = models.OriginLocal
	}
	return r.insert(ctx, c, false)
}

// ImportRemote inserts a commitment first seen on the remote calendar. The
// (user_id, google_event_id) constraint makes a repeated import a conflict.
func (r *CommitmentRepository) ImportRemote(ctx context.Context, c *models.Commitment) error {
	defer observe(ctx, "commitments.import")()
	c.Origin = models.OriginRemote
	c.SyncState = models.SyncStateLinked
	return r.insert(ctx, c, true)
}

func (r *CommitmentRepository) insert(ctx context.Context, c *models.Commitment, skipOnConflict bool) error {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	c.CreatedAt = stamp(c.CreatedAt)
	c.UpdatedAt = stamp(c.UpdatedAt)
	query := `INSERT INTO commitments (user_id, title, scheduled_at, duration_minutes, category, location,
		 participants, notes, google_event_id, remote_uid, sync_state, origin, updated_at, remote_updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if skipOnConflict {
		query += ` ON CONFLICT (user_id, google_event_id) DO NOTHING`
	}
	query += ` RETURNING commitment_id`

	err = tx.QueryRow(ctx, query,
		c.UserID, c.Title, c.ScheduledAt, c.DurationMinutes, c.Category, c.Location,
		nonNil(c.Participants), c.Notes, c.GoogleEventID, c.RemoteUID, c.SyncState, c.Origin, c.UpdatedAt, c.RemoteUpdatedAt, c.CreatedAt,
	).Scan(&c.CommitmentID)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err, "commitments_remote_id") {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}

	if err := r.reminders.replace(ctx, tx, models.EntityCommitment, c.CommitmentID, offsetsOf(c.Reminders)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit commitment insert: %w", err)
	}
	return nil
}

func (r *CommitmentRepository) GetCommitment(ctx context.Context, commitmentID int64) (*models.Commitment, error) {
	defer observe(ctx, "commitments.get")()
	return r.getOne(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE commitment_id = $1`, commitmentID)
}

func (r *CommitmentRepository) GetCommitmentByRemoteID(ctx context.Context, userID int64, remoteID string) (*models.Commitment, error) {
	defer observe(ctx, "commitments.get_by_remote")()
	return r.getOne(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE user_id = $1 AND google_event_id = $2`,
		userID, remoteID,
	)
}

func (r *CommitmentRepository) getOne(ctx context.Context, query string, args ...any) (*models.Commitment, error) {
	c, err := scanCommitment(r.db.Pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapNoRows(err)
	}
	reminders, err := r.reminders.load(ctx, models.EntityCommitment, []int64{c.CommitmentID})
	if err != nil {
		return nil, err
	}
	c.Reminders = reminders[c.CommitmentID]
	return c, nil
}

func (r *CommitmentRepository) UpdateCommitment(ctx context.Context, c *models.Commitment) error {
	defer observe(ctx, "commitments.update")()
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	c.UpdatedAt = stamp(c.UpdatedAt)
	tag, err := tx.Exec(ctx,
		`UPDATE commitments SET title = $1, scheduled_at = $2, duration_minutes = $3, category = $4,
		 location = $5, participants = $6, notes = $7, updated_at = $8,
		 sync_state = CASE WHEN sync_state = 'linked' THEN 'stale' ELSE sync_state END
		 WHERE commitment_id = $9 AND deleted_at IS NULL`,
		c.Title, c.ScheduledAt, c.DurationMinutes, c.Category, c.Location, nonNil(c.Participants), c.Notes,
		c.UpdatedAt, c.CommitmentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := r.reminders.replace(ctx, tx, models.EntityCommitment, c.CommitmentID, offsetsOf(c.Reminders)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteCommitment tombstones a linked commitment until the remote delete
// lands; an unlinked one has nothing remote to clean up and goes at once.
func (r *CommitmentRepository) DeleteCommitment(ctx context.Context, commitmentID int64, at time.Time) error {
	defer observe(ctx, "commitments.delete")()
	at = stamp(at)
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE commitments SET deleted_at = $1, updated_at = $1, sync_state = 'deleting'
		 WHERE commitment_id = $2 AND deleted_at IS NULL AND google_event_id IS NOT NULL`,
		at, commitmentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err = tx.Exec(ctx,
		`DELETE FROM commitments WHERE commitment_id = $1 AND deleted_at IS NULL`,
		commitmentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := r.reminders.deleteFor(ctx, tx, models.EntityCommitment, commitmentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *CommitmentRepository) ListCommitments(ctx context.Context, userID int64, from, to time.Time) ([]*models.Commitment, error) {
	defer observe(ctx, "commitments.list")()
	return r.list(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE user_id = $1 AND deleted_at IS NULL AND scheduled_at >= $2 AND scheduled_at < $3
		 ORDER BY scheduled_at, commitment_id`,
		userID, from, to,
	)
}

func (r *CommitmentRepository) ListUnsynced(ctx context.Context, userID int64) ([]*models.Commitment, error) {
	defer observe(ctx, "commitments.list_unsynced")()
	return r.list(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE user_id = $1 AND sync_state <> 'linked'
		 ORDER BY scheduled_at, commitment_id`,
		userID,
	)
}

func (r *CommitmentRepository) ListRemindableCommitments(ctx context.Context, userID int64) ([]*models.Commitment, error) {
	defer observe(ctx, "commitments.list_remindable")()
	return r.list(ctx,
		`SELECT `+commitmentColumns+` FROM commitments c
		 WHERE user_id = $1 AND deleted_at IS NULL
		   AND EXISTS (SELECT 1 FROM reminders m
		               WHERE m.kind = 'commitment' AND m.entity_id = c.commitment_id AND NOT m.sent)
		 ORDER BY scheduled_at, commitment_id`,
		userID,
	)
}

// SetRemoteLink stores the id returned by a create push. The linked state is
// only granted if no local edit landed while the push was in flight.
func (r *CommitmentRepository) SetRemoteLink(ctx context.Context, commitmentID int64, remoteID string, pushedVersion, remoteUpdated time.Time) error {
	defer observe(ctx, "commitments.set_remote_link")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE commitments SET google_event_id = $1, remote_updated_at = $2,
		 sync_state = CASE
		     WHEN deleted_at IS NOT NULL THEN 'deleting'
		     WHEN updated_at = $3 THEN 'linked'
		     ELSE 'stale' END
		 WHERE commitment_id = $4`,
		remoteID, remoteUpdated, pushedVersion, commitmentID,
	)
	if isUniqueViolation(err, "commitments_remote_id") {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *CommitmentRepository) ClearRemoteLink(ctx context.Context, commitmentID int64) error {
	defer observe(ctx, "commitments.clear_remote_link")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE commitments SET google_event_id = NULL, remote_updated_at = NULL, sync_state = 'unlinked'
		 WHERE commitment_id = $1`,
		commitmentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AssignRemoteUID keeps the first uid ever stored for the commitment.
func (r *CommitmentRepository) AssignRemoteUID(ctx context.Context, commitmentID int64, uid string) (string, error) {
	defer observe(ctx, "commitments.assign_remote_uid")()
	var stored string
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE commitments SET remote_uid = CASE WHEN remote_uid = '' THEN $1 ELSE remote_uid END
		 WHERE commitment_id = $2
		 RETURNING remote_uid`,
		uid, commitmentID,
	).Scan(&stored)
	if err != nil {
		return "", mapNoRows(err)
	}
	return stored, nil
}

func (r *CommitmentRepository) PurgeCommitment(ctx context.Context, commitmentID int64) error {
	defer observe(ctx, "commitments.purge")()
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM commitments WHERE commitment_id = $1`, commitmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := r.reminders.deleteFor(ctx, tx, models.EntityCommitment, commitmentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyRemote overwrites the commitment with a newer remote version unless a
// local edit moved updated_at since it was read.
func (r *CommitmentRepository) ApplyRemote(ctx context.Context, c *models.Commitment, expectedUpdatedAt time.Time) error {
	defer observe(ctx, "commitments.apply_remote")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE commitments SET title = $1, scheduled_at = $2, duration_minutes = $3, location = $4,
		 participants = $5, notes = $6, updated_at = $7, remote_updated_at = $8, sync_state = 'linked'
		 WHERE commitment_id = $9 AND deleted_at IS NULL AND updated_at = $10`,
		c.Title, c.ScheduledAt, c.DurationMinutes, c.Location, nonNil(c.Participants), c.Notes,
		c.UpdatedAt, c.RemoteUpdatedAt, c.CommitmentID, expectedUpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM commitments WHERE commitment_id = $1 AND deleted_at IS NULL)`,
		c.CommitmentID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (r *CommitmentRepository) list(ctx context.Context, query string, args ...any) ([]*models.Commitment, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commitments []*models.Commitment
	var ids []int64
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, c)
		ids = append(ids, c.CommitmentID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reminders, err := r.reminders.load(ctx, models.EntityCommitment, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range commitments {
		c.Reminders = reminders[c.CommitmentID]
	}
	return commitments, nil
}

func scanCommitment(row scanner) (*models.Commitment, error) {
	c := &models.Commitment{}
	if err := row.Scan(&c.CommitmentID, &c.UserID, &c.Title, &c.ScheduledAt, &c.DurationMinutes, &c.Category,
		&c.Location, &c.Participants, &c.Notes, &c.GoogleEventID, &c.RemoteUID, &c.SyncState, &c.Origin, &c.UpdatedAt,
		&c.RemoteUpdatedAt, &c.DeletedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ScheduledAt = c.ScheduledAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/secret"
	"github.com/hray3182/duesync/internal/store"
)

// ConnectionRepository stores calendar credentials sealed at rest.
type ConnectionRepository struct {
	db     *database.DB
	sealer *secret.Sealer
}

func NewConnectionRepository(db *database.DB, sealer *secret.Sealer) *ConnectionRepository {
	return &ConnectionRepository{db: db, sealer: sealer}
}

func (r *ConnectionRepository) GetConnection(ctx context.Context, userID int64) (*models.CalendarConnection, error) {
	defer observe(ctx, "connections.get")()
	conn := &models.CalendarConnection{}
	var access, refresh string
	var expiry *time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, provider, access_token, refresh_token, token_expiry, calendar_id, calendar_email,
		 connected_at, revoked_at, last_pulled_at
		 FROM calendar_connections WHERE user_id = $1`,
		userID,
	).Scan(&conn.UserID, &conn.Provider, &access, &refresh, &expiry, &conn.CalendarID, &conn.CalendarEmail,
		&conn.ConnectedAt, &conn.RevokedAt, &conn.LastPulledAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if expiry != nil {
		conn.TokenExpiry = *expiry
	}
	if conn.AccessToken, err = r.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token for user %d: %w", userID, err)
	}
	if conn.RefreshToken, err = r.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token for user %d: %w", userID, err)
	}
	return conn, nil
}

// UpsertConnection stores a fresh grant. Reconnecting clears revoked_at but
// keeps the pull cursor.
func (r *ConnectionRepository) UpsertConnection(ctx context.Context, conn *models.CalendarConnection) error {
	defer observe(ctx, "connections.upsert")()
	access, err := r.sealer.Seal(conn.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.sealer.Seal(conn.RefreshToken)
	if err != nil {
		return err
	}
	conn.ConnectedAt = stamp(conn.ConnectedAt)
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO calendar_connections (user_id, provider, access_token, refresh_token, token_expiry,
		 calendar_id, calendar_email, connected_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
		 ON CONFLICT (user_id) DO UPDATE SET provider = EXCLUDED.provider, access_token = EXCLUDED.access_token,
		 refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN calendar_connections.refresh_token
		                      ELSE EXCLUDED.refresh_token END,
		 token_expiry = EXCLUDED.token_expiry, calendar_id = EXCLUDED.calendar_id,
		 calendar_email = EXCLUDED.calendar_email, connected_at = EXCLUDED.connected_at, revoked_at = NULL`,
		conn.UserID, conn.Provider, access, refresh, conn.TokenExpiry, conn.CalendarID, conn.CalendarEmail,
		conn.ConnectedAt,
	)
	return err
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiry time.Time) error {
	defer observe(ctx, "connections.update_tokens")()
	access, err := r.sealer.Seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := r.sealer.Seal(refreshToken)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE calendar_connections SET access_token = $1,
		 refresh_token = CASE WHEN $2 = '' THEN refresh_token ELSE $2 END, token_expiry = $3
		 WHERE user_id = $4`,
		access, refresh, expiry, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ConnectionRepository) RevokeConnection(ctx context.Context, userID int64, at time.Time) error {
	defer observe(ctx, "connections.revoke")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE calendar_connections SET revoked_at = COALESCE(revoked_at, $1) WHERE user_id = $2`,
		stamp(at), userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ConnectionRepository) SetLastPulled(ctx context.Context, userID int64, at time.Time) error {
	defer observe(ctx, "connections.set_last_pulled")()
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE calendar_connections SET last_pulled_at = $1 WHERE user_id = $2`,
		at, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

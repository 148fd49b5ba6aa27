package repository

import (
	"context"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	defer observe(ctx, "users.get")()
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, user_name, timezone FROM users WHERE user_id = $1`,
		userID,
	).Scan(&user.UserID, &user.UserName, &user.Timezone)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return user, nil
}

func (r *UserRepository) UpsertUser(ctx context.Context, u *models.User) error {
	defer observe(ctx, "users.upsert")()
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO users (user_id, user_name, timezone) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET user_name = EXCLUDED.user_name, timezone = EXCLUDED.timezone`,
		u.UserID, u.UserName, u.Timezone,
	)
	return err
}

// ListActiveUsers returns every user the scheduler has work for.
func (r *UserRepository) ListActiveUsers(ctx context.Context) ([]int64, error) {
	defer observe(ctx, "users.list_active")()
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id FROM recurring_rules WHERE is_active AND deleted_at IS NULL
		UNION
		SELECT user_id FROM commitments WHERE sync_state <> 'linked'
		UNION
		SELECT c.user_id FROM commitments c
		  JOIN reminders m ON m.kind = 'commitment' AND m.entity_id = c.commitment_id
		 WHERE NOT m.sent AND c.deleted_at IS NULL
		UNION
		SELECT i.user_id FROM recurring_instances i
		  JOIN recurring_rules r ON r.rule_id = i.rule_id
		  JOIN reminders m ON m.kind = 'instance' AND m.entity_id = i.instance_id
		 WHERE NOT m.sent AND i.status IN ('scheduled', 'postponed') AND r.is_active AND r.deleted_at IS NULL
		UNION
		SELECT user_id FROM calendar_connections WHERE revoked_at IS NULL
		ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

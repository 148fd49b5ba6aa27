package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/secret"
	"github.com/hray3182/duesync/internal/store"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NewStore wires the PostgreSQL repositories into the store aggregate.
func NewStore(db *database.DB, sealer *secret.Sealer) *store.Store {
	reminders := NewReminderRepository(db)
	return &store.Store{
		Users:       NewUserRepository(db),
		Rules:       NewRuleRepository(db),
		Instances:   NewInstanceRepository(db, reminders),
		Reminders:   reminders,
		Commitments: NewCommitmentRepository(db, reminders),
		Connections: NewConnectionRepository(db, sealer),
		Ping: func(ctx context.Context) error {
			defer observe(ctx, "db.ping")()
			return db.Ping(ctx)
		},
	}
}

func observe(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func toInt32s(values []int) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out
}

func toInts(values []int32) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

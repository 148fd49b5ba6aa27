package memory

import (
	"context"
	"sort"
	"time"

	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

// ==================== Commitments ====================

func (db *DB) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.insertCommitmentLocked(c)
	return nil
}

func (db *DB) insertCommitmentLocked(c *models.Commitment) {
	db.nextCommitmentID++
	c.CommitmentID = db.nextCommitmentID
	c.CreatedAt = stamp(c.CreatedAt)
	c.UpdatedAt = stamp(c.UpdatedAt)
	if c.SyncState == "" {
		c.SyncState = models.SyncStateUnlinked
	}
	if c.Origin == "" {
		c.Origin = models.OriginLocal
	}
	cp := copyCommitment(c)
	cp.Reminders = nil
	db.commitments[c.CommitmentID] = cp
	db.replaceRemindersLocked(entityRef{models.EntityCommitment, c.CommitmentID}, c.Reminders)
}

func (db *DB) GetCommitment(ctx context.Context, commitmentID int64) (*models.Commitment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.commitments[commitmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return db.readCommitmentLocked(c), nil
}

func (db *DB) GetCommitmentByRemoteID(ctx context.Context, userID int64, remoteID string) (*models.Commitment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c := db.byRemoteIDLocked(userID, remoteID); c != nil {
		return db.readCommitmentLocked(c), nil
	}
	return nil, store.ErrNotFound
}

func (db *DB) byRemoteIDLocked(userID int64, remoteID string) *models.Commitment {
	for _, c := range db.commitments {
		if c.UserID == userID && c.GoogleEventID != nil && *c.GoogleEventID == remoteID {
			return c
		}
	}
	return nil
}

func (db *DB) UpdateCommitment(ctx context.Context, c *models.Commitment) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.commitments[c.CommitmentID]
	if !ok || existing.DeletedAt != nil {
		return store.ErrNotFound
	}
	existing.Title = c.Title
	existing.ScheduledAt = c.ScheduledAt
	existing.DurationMinutes = c.DurationMinutes
	existing.Category = c.Category
	existing.Location = c.Location
	existing.Participants = append([]string(nil), c.Participants...)
	existing.Notes = c.Notes
	existing.UpdatedAt = stamp(c.UpdatedAt)
	if existing.SyncState == models.SyncStateLinked {
		existing.SyncState = models.SyncStateStale
	}
	db.replaceRemindersLocked(entityRef{models.EntityCommitment, c.CommitmentID}, c.Reminders)
	return nil
}

func (db *DB) DeleteCommitment(ctx context.Context, commitmentID int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.commitments[commitmentID]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	if !c.IsLinked() {
		db.purgeLocked(commitmentID)
		return nil
	}
	at = stamp(at)
	c.DeletedAt = &at
	c.UpdatedAt = at
	c.SyncState = models.SyncStateDeleting
	return nil
}

func (db *DB) ListCommitments(ctx context.Context, userID int64, from, to time.Time) ([]*models.Commitment, error) {
	return db.listCommitments(func(c *models.Commitment) bool {
		return c.UserID == userID && c.DeletedAt == nil && !c.ScheduledAt.Before(from) && c.ScheduledAt.Before(to)
	}), nil
}

func (db *DB) ListUnsynced(ctx context.Context, userID int64) ([]*models.Commitment, error) {
	return db.listCommitments(func(c *models.Commitment) bool {
		return c.UserID == userID && c.NeedsPush()
	}), nil
}

func (db *DB) ListRemindableCommitments(ctx context.Context, userID int64) ([]*models.Commitment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Commitment
	for _, c := range db.commitments {
		if c.UserID != userID || c.DeletedAt != nil {
			continue
		}
		if !db.hasUnsentLocked(entityRef{models.EntityCommitment, c.CommitmentID}) {
			continue
		}
		out = append(out, db.readCommitmentLocked(c))
	}
	sortCommitments(out)
	return out, nil
}

func (db *DB) listCommitments(match func(*models.Commitment) bool) []*models.Commitment {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Commitment
	for _, c := range db.commitments {
		if match(c) {
			out = append(out, db.readCommitmentLocked(c))
		}
	}
	sortCommitments(out)
	return out
}

func (db *DB) SetRemoteLink(ctx context.Context, commitmentID int64, remoteID string, pushedVersion, remoteUpdated time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.commitments[commitmentID]
	if !ok {
		return store.ErrNotFound
	}
	if other := db.byRemoteIDLocked(c.UserID, remoteID); other != nil && other.CommitmentID != commitmentID {
		return store.ErrConflict
	}
	id := remoteID
	c.GoogleEventID = &id
	ru := remoteUpdated
	c.RemoteUpdatedAt = &ru
	switch {
	case c.DeletedAt != nil:
		c.SyncState = models.SyncStateDeleting
	case c.UpdatedAt.Equal(pushedVersion):
		c.SyncState = models.SyncStateLinked
	default:
		c.SyncState = models.SyncStateStale
	}
	return nil
}

func (db *DB) ClearRemoteLink(ctx context.Context, commitmentID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.commitments[commitmentID]
	if !ok {
		return store.ErrNotFound
	}
	c.GoogleEventID = nil
	c.RemoteUpdatedAt = nil
	c.SyncState = models.SyncStateUnlinked
	return nil
}

func (db *DB) AssignRemoteUID(ctx context.Context, commitmentID int64, uid string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.commitments[commitmentID]
	if !ok {
		return "", store.ErrNotFound
	}
	if c.RemoteUID == "" {
		c.RemoteUID = uid
	}
	return c.RemoteUID, nil
}

func (db *DB) PurgeCommitment(ctx context.Context, commitmentID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.commitments[commitmentID]; !ok {
		return store.ErrNotFound
	}
	db.purgeLocked(commitmentID)
	return nil
}

func (db *DB) purgeLocked(commitmentID int64) {
	delete(db.commitments, commitmentID)
	delete(db.reminders, entityRef{models.EntityCommitment, commitmentID})
}

func (db *DB) ImportRemote(ctx context.Context, c *models.Commitment) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.GoogleEventID == nil {
		return store.ErrConflict
	}
	if db.byRemoteIDLocked(c.UserID, *c.GoogleEventID) != nil {
		return store.ErrConflict
	}
	c.Origin = models.OriginRemote
	c.SyncState = models.SyncStateLinked
	db.insertCommitmentLocked(c)
	return nil
}

func (db *DB) ApplyRemote(ctx context.Context, c *models.Commitment, expectedUpdatedAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.commitments[c.CommitmentID]
	if !ok || existing.DeletedAt != nil {
		return store.ErrNotFound
	}
	if !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return store.ErrConflict
	}
	existing.Title = c.Title
	existing.ScheduledAt = c.ScheduledAt
	existing.DurationMinutes = c.DurationMinutes
	existing.Location = c.Location
	existing.Participants = append([]string(nil), c.Participants...)
	existing.Notes = c.Notes
	existing.UpdatedAt = c.UpdatedAt
	if c.RemoteUpdatedAt != nil {
		ru := *c.RemoteUpdatedAt
		existing.RemoteUpdatedAt = &ru
	}
	existing.SyncState = models.SyncStateLinked
	return nil
}

func (db *DB) readCommitmentLocked(c *models.Commitment) *models.Commitment {
	cp := copyCommitment(c)
	cp.Reminders = db.readRemindersLocked(entityRef{models.EntityCommitment, c.CommitmentID})
	return cp
}

func copyCommitment(c *models.Commitment) *models.Commitment {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.GoogleEventID != nil {
		id := *c.GoogleEventID
		cp.GoogleEventID = &id
	}
	return &cp
}

func sortCommitments(list []*models.Commitment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].CommitmentID < list[j].CommitmentID
	})
}

// ==================== Connections ====================

func (db *DB) GetConnection(ctx context.Context, userID int64) (*models.CalendarConnection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn, ok := db.connections[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (db *DB) UpsertConnection(ctx context.Context, conn *models.CalendarConnection) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *conn
	cp.RevokedAt = nil
	cp.ConnectedAt = stamp(conn.ConnectedAt)
	if existing, ok := db.connections[conn.UserID]; ok {
		if cp.LastPulledAt == nil {
			cp.LastPulledAt = existing.LastPulledAt
		}
		if cp.RefreshToken == "" {
			cp.RefreshToken = existing.RefreshToken
		}
	}
	db.connections[conn.UserID] = &cp
	return nil
}

func (db *DB) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiry time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn, ok := db.connections[userID]
	if !ok {
		return store.ErrNotFound
	}
	conn.AccessToken = accessToken
	if refreshToken != "" {
		conn.RefreshToken = refreshToken
	}
	conn.TokenExpiry = expiry
	return nil
}

func (db *DB) RevokeConnection(ctx context.Context, userID int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn, ok := db.connections[userID]
	if !ok {
		return store.ErrNotFound
	}
	if conn.RevokedAt == nil {
		at = stamp(at)
		conn.RevokedAt = &at
	}
	return nil
}

func (db *DB) SetLastPulled(ctx context.Context, userID int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	conn, ok := db.connections[userID]
	if !ok {
		return store.ErrNotFound
	}
	conn.LastPulledAt = &at
	return nil
}

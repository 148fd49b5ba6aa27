package calsync

import (
	"context"
	"fmt"
	"time"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
)

// ToFields maps a commitment onto the synchronized event attributes.
func ToFields(cm *models.Commitment) calendar.EventFields {
	return calendar.EventFields{
		Title:       cm.Title,
		Start:       cm.ScheduledAt,
		End:         cm.EndsAt(),
		Location:    cm.Location,
		Description: cm.Notes,
		Attendees:   append([]string(nil), cm.Participants...),
		// Lets a pull recognise our event even if the create response was lost.
		CommitmentID: cm.CommitmentID,
	}
}

func fromEvent(userID int64, ev calendar.RemoteEvent, loc *time.Location) *models.Commitment {
	id := ev.ID
	updated := ev.Updated
	f := ev.Fields
	start, end := f.Start.UTC(), f.End.UTC()
	if ev.AllDay {
		start, end = inZone(f.Start, loc), inZone(f.End, loc)
	}
	if end.Before(start) {
		end = start
	}
	// Multi-year remote events are cut to the longest storable span.
	duration := min(int(end.Sub(start)/time.Minute), models.MaxDurationMinutes)
	return &models.Commitment{
		UserID:          userID,
		Title:           f.Title,
		ScheduledAt:     start,
		DurationMinutes: duration,
		Location:        f.Location,
		Participants:    append([]string(nil), f.Attendees...),
		Notes:           f.Description,
		GoogleEventID:   &id,
		Origin:          models.OriginRemote,
		SyncState:       models.SyncStateLinked,
		RemoteUpdatedAt: &updated,
	}
}

// inZone reads a civil date as midnight in loc.
func inZone(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc).UTC()
}

// ==================== Local edits ====================

// CreateCommitment stores a new local commitment. It reaches the remote
// calendar on the next sync pass.
func (c *Coordinator) CreateCommitment(ctx context.Context, cm *models.Commitment) error {
	if err := cm.Validate(); err != nil {
		return err
	}
	now := c.now()
	cm.CreatedAt = now
	cm.UpdatedAt = now
	cm.Origin = models.OriginLocal
	cm.SyncState = models.SyncStateUnlinked
	cm.RemoteUID = newRemoteUID()
	cm.GoogleEventID = nil
	cm.RemoteUpdatedAt = nil
	cm.DeletedAt = nil
	if err := c.commitments.CreateCommitment(ctx, cm); err != nil {
		return fmt.Errorf("create commitment: %w", err)
	}
	log.Info("commitment created", "commitment_id", cm.CommitmentID, "user_id", cm.UserID)
	return nil
}

// UpdateCommitment applies a local edit. A linked commitment turns stale
// until the edit is pushed.
func (c *Coordinator) UpdateCommitment(ctx context.Context, cm *models.Commitment) error {
	if err := cm.Validate(); err != nil {
		return err
	}
	existing, err := c.commitments.GetCommitment(ctx, cm.CommitmentID)
	if err != nil {
		return err
	}
	cm.UserID = existing.UserID
	cm.UpdatedAt = c.now()
	if err := c.commitments.UpdateCommitment(ctx, cm); err != nil {
		return fmt.Errorf("update commitment %d: %w", cm.CommitmentID, err)
	}
	return nil
}

// DeleteCommitment removes an unlinked commitment at once; a linked one
// stays as a tombstone until the remote event is deleted.
func (c *Coordinator) DeleteCommitment(ctx context.Context, commitmentID int64) error {
	if err := c.commitments.DeleteCommitment(ctx, commitmentID, c.now()); err != nil {
		return fmt.Errorf("delete commitment %d: %w", commitmentID, err)
	}
	return nil
}

func (c *Coordinator) GetCommitment(ctx context.Context, commitmentID int64) (*models.Commitment, error) {
	return c.commitments.GetCommitment(ctx, commitmentID)
}

func (c *Coordinator) ListCommitments(ctx context.Context, userID int64, from, to time.Time) ([]*models.Commitment, error) {
	return c.commitments.ListCommitments(ctx, userID, from, to)
}

// PushNow pushes whatever change the commitment is waiting for.
func (c *Coordinator) PushNow(ctx context.Context, commitmentID int64) error {
	cm, err := c.commitments.GetCommitment(ctx, commitmentID)
	if err != nil {
		return err
	}
	unlock := c.lock(cm.UserID)
	defer unlock()

	// Re-read under the user lock; a sync pass may have pushed it already.
	cm, err = c.commitments.GetCommitment(ctx, commitmentID)
	if err != nil {
		return err
	}
	if !cm.NeedsPush() {
		return nil
	}
	adapter, _, err := c.adapterFor(ctx, cm.UserID)
	if err != nil {
		return err
	}
	return c.push(ctx, adapter, cm, OpFor(cm))
}

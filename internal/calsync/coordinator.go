// Package calsync keeps commitments and a remote calendar in step: local
// changes are pushed, remote changes are pulled, and the link between the two
// is keyed by the remote event id.
package calsync

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

var (
	// ErrReconnectRequired means the user's calendar authorization was
	// revoked. No remote call is made for the user until they reconnect.
	ErrReconnectRequired = errors.New("calendar reconnect required")
	ErrNotConnected      = errors.New("calendar not connected")
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// pullOverlap re-lists a little before the last watermark; already applied
// events are recognised and skipped.
const pullOverlap = time.Minute

// uidEncoding yields ids in [0-9a-v], which both Google event ids and
// CalDAV object names accept.
var uidEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

func newRemoteUID() string {
	id := uuid.New()
	return strings.ToLower(uidEncoding.EncodeToString(id[:]))
}

// Result summarizes one sync pass for a user.
type Result struct {
	UserID   int64 `json:"user_id"`
	Pushed   int   `json:"pushed"`
	Imported int   `json:"imported"`
	Updated  int   `json:"updated"`
	Deleted  int   `json:"deleted"`
	// Linked counts remote events matched to a commitment whose create
	// response never arrived.
	Linked  int     `json:"linked"`
	Skipped int     `json:"skipped"`
	Errs    []error `json:"-"`
}

func (r *Result) Err() error {
	return errors.Join(r.Errs...)
}

type Config struct {
	// DefaultZone places all-day events of users without a timezone.
	DefaultZone *time.Location
}

type Coordinator struct {
	commitments store.CommitmentStore
	connections store.ConnectionStore
	users       store.UserStore
	provider    calendar.Provider
	clock       clock.Clock
	zone        *time.Location

	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(st *store.Store, provider calendar.Provider, clk clock.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.DefaultZone == nil {
		cfg.DefaultZone = time.UTC
	}
	return &Coordinator{
		commitments: st.Commitments,
		connections: st.Connections,
		users:       st.Users,
		provider:    provider,
		clock:       clk,
		zone:        cfg.DefaultZone,
		locks:       make(map[int64]*userLock),
	}
}

// userZone resolves the zone all-day events of the user are read in.
func (c *Coordinator) userZone(ctx context.Context, userID int64) *time.Location {
	if c.users == nil {
		return c.zone
	}
	u, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return c.zone
	}
	return clock.LoadZone(u.Timezone, c.zone)
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().Truncate(time.Microsecond)
}

// lock serializes sync work per user and returns the matching unlock.
func (c *Coordinator) lock(userID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[userID]
	if !ok {
		l = &userLock{}
		c.locks[userID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, userID)
		}
		c.mu.Unlock()
	}
}

// Connect stores fresh credentials for a user. Reconnecting clears a
// previous revocation.
func (c *Coordinator) Connect(ctx context.Context, conn *models.CalendarConnection) error {
	if c.provider == nil {
		return ErrNotConnected
	}
	if conn.Provider == "" {
		conn.Provider = c.provider.Name()
	}
	conn.ConnectedAt = c.now()
	if err := c.connections.UpsertConnection(ctx, conn); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	log.Info("calendar connected", "user_id", conn.UserID, "provider", conn.Provider, "calendar", conn.CalendarEmail)
	return nil
}

// adapterFor resolves a usable adapter for the user without touching the
// remote side when the connection is revoked.
func (c *Coordinator) adapterFor(ctx context.Context, userID int64) (calendar.Adapter, *models.CalendarConnection, error) {
	if c.provider == nil {
		return nil, nil, ErrNotConnected
	}
	conn, err := c.connections.GetConnection(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotConnected
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load connection: %w", err)
	}
	if conn.IsRevoked() {
		return nil, nil, fmt.Errorf("%w: user %d", ErrReconnectRequired, userID)
	}
	adapter, err := c.provider.ForConnection(ctx, conn)
	if err != nil {
		return nil, nil, c.classify(ctx, userID, err)
	}
	return adapter, conn, nil
}

// classify turns a revoked-authorization error into ErrReconnectRequired
// after recording the revocation.
func (c *Coordinator) classify(ctx context.Context, userID int64, err error) error {
	if !errors.Is(err, calendar.ErrAuthRevoked) {
		return err
	}
	if rerr := c.connections.RevokeConnection(context.WithoutCancel(ctx), userID, c.now()); rerr != nil {
		log.Error("record calendar revocation", rerr, "user_id", userID)
	}
	log.Warn("calendar authorization revoked", "user_id", userID)
	return fmt.Errorf("%w: user %d: %v", ErrReconnectRequired, userID, err)
}

// OpFor derives the push operation a commitment is waiting for.
func OpFor(cm *models.Commitment) Op {
	switch {
	case cm.SyncState == models.SyncStateDeleting || cm.DeletedAt != nil:
		return OpDelete
	case cm.IsLinked():
		return OpUpdate
	default:
		return OpCreate
	}
}

// Push sends one local change to the remote calendar. A failure leaves the
// local record untouched and still pending.
func (c *Coordinator) Push(ctx context.Context, cm *models.Commitment, op Op) error {
	unlock := c.lock(cm.UserID)
	defer unlock()

	adapter, _, err := c.adapterFor(ctx, cm.UserID)
	if err != nil {
		return err
	}
	return c.push(ctx, adapter, cm, op)
}

func (c *Coordinator) push(ctx context.Context, adapter calendar.Adapter, cm *models.Commitment, op Op) error {
	if op == OpUpdate && !cm.IsLinked() {
		op = OpCreate
	}
	err := c.pushOp(ctx, adapter, cm, op)
	result := "ok"
	if err != nil {
		err = c.classify(ctx, cm.UserID, err)
		result = "error"
		if errors.Is(err, ErrReconnectRequired) {
			result = "revoked"
		}
	}
	metrics.IncSyncOp(string(op), result)
	if err != nil {
		return fmt.Errorf("push %s commitment %d: %w", op, cm.CommitmentID, err)
	}
	return nil
}

func (c *Coordinator) pushOp(ctx context.Context, adapter calendar.Adapter, cm *models.Commitment, op Op) error {
	switch op {
	case OpCreate:
		uid, err := c.remoteUID(ctx, cm)
		if err != nil {
			return err
		}
		ev, err := adapter.CreateEvent(ctx, uid, ToFields(cm))
		if err != nil {
			return err
		}
		// The commitment only becomes linked if it was not edited meanwhile.
		if err := c.commitments.SetRemoteLink(context.WithoutCancel(ctx), cm.CommitmentID, ev.ID, cm.UpdatedAt, ev.Updated); err != nil {
			return fmt.Errorf("link remote event %s: %w", ev.ID, err)
		}
		log.Info("commitment pushed", "commitment_id", cm.CommitmentID, "remote_id", ev.ID)
		return nil

	case OpUpdate:
		remoteID := *cm.GoogleEventID
		ev, err := adapter.UpdateEvent(ctx, remoteID, ToFields(cm))
		if errors.Is(err, calendar.ErrRemoteNotFound) {
			// Local data wins; the event is recreated on the next pass.
			log.Warn("remote event gone, unlinking", "commitment_id", cm.CommitmentID, "remote_id", remoteID)
			return c.commitments.ClearRemoteLink(context.WithoutCancel(ctx), cm.CommitmentID)
		}
		if err != nil {
			return err
		}
		return c.commitments.SetRemoteLink(context.WithoutCancel(ctx), cm.CommitmentID, remoteID, cm.UpdatedAt, ev.Updated)

	case OpDelete:
		if cm.IsLinked() {
			err := adapter.DeleteEvent(ctx, *cm.GoogleEventID)
			if err != nil && !errors.Is(err, calendar.ErrRemoteNotFound) {
				return err
			}
		}
		if err := c.commitments.PurgeCommitment(context.WithoutCancel(ctx), cm.CommitmentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Info("commitment deleted remotely", "commitment_id", cm.CommitmentID)
		return nil
	}
	return fmt.Errorf("unknown sync op %q", op)
}

// remoteUID returns the commitment's create id, storing a fresh one before
// the first attempt.
func (c *Coordinator) remoteUID(ctx context.Context, cm *models.Commitment) (string, error) {
	if cm.RemoteUID != "" {
		return cm.RemoteUID, nil
	}
	uid, err := c.commitments.AssignRemoteUID(context.WithoutCancel(ctx), cm.CommitmentID, newRemoteUID())
	if err != nil {
		return "", fmt.Errorf("assign remote uid: %w", err)
	}
	cm.RemoteUID = uid
	return uid, nil
}

// Pull applies remote changes for a user. Unknown events are imported; known
// events are overwritten or deleted only when the remote version is strictly
// newer than both the local edit and the last version seen from the remote.
func (c *Coordinator) Pull(ctx context.Context, userID int64, events []calendar.RemoteEvent) *Result {
	res := &Result{UserID: userID}
	loc := c.userZone(ctx, userID)
	for _, ev := range events {
		if err := c.pullOne(ctx, userID, loc, ev, res); err != nil {
			res.Errs = append(res.Errs, fmt.Errorf("pull %s: %w", ev.ID, err))
		}
	}
	return res
}

func (c *Coordinator) pullOne(ctx context.Context, userID int64, loc *time.Location, ev calendar.RemoteEvent, res *Result) error {
	existing, err := c.commitments.GetCommitmentByRemoteID(ctx, userID, ev.ID)
	if errors.Is(err, store.ErrNotFound) {
		switch {
		case ev.Cancelled:
			res.Skipped++
			return nil
		case ev.Fields.CommitmentID != 0:
			return c.adopt(ctx, userID, ev, res)
		}
		return c.importEvent(ctx, userID, loc, ev, res)
	}
	if err != nil {
		return err
	}

	if existing.DeletedAt != nil || !remoteIsNewer(existing, ev) {
		res.Skipped++
		return nil
	}

	if ev.Cancelled {
		if err := c.commitments.PurgeCommitment(ctx, existing.CommitmentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		res.Deleted++
		metrics.IncSyncOp("pull_delete", "ok")
		log.Info("commitment removed by remote cancellation", "commitment_id", existing.CommitmentID, "remote_id", ev.ID)
		return nil
	}

	updated := fromEvent(userID, ev, loc)
	updated.CommitmentID = existing.CommitmentID
	updated.UpdatedAt = c.now()
	err = c.commitments.ApplyRemote(ctx, updated, existing.UpdatedAt)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// A local edit or delete landed first; it is pushed next pass.
		log.Debug("remote update lost to local change", "commitment_id", existing.CommitmentID)
		res.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	res.Updated++
	metrics.IncSyncOp("pull_update", "ok")
	return nil
}

// adopt links an event we created for a commitment whose create response
// was lost. Tagged events without a matching unlinked commitment are left
// alone rather than imported as copies.
func (c *Coordinator) adopt(ctx context.Context, userID int64, ev calendar.RemoteEvent, res *Result) error {
	cm, err := c.commitments.GetCommitment(ctx, ev.Fields.CommitmentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil || cm.UserID != userID || cm.IsLinked() || cm.RemoteUID != ev.ID {
		log.Debug("tagged remote event has no pending commitment", "remote_id", ev.ID, "commitment_id", ev.Fields.CommitmentID)
		res.Skipped++
		return nil
	}

	// The event may predate local edits, so the link stays stale and the next
	// push rewrites it from local state.
	err = c.commitments.SetRemoteLink(ctx, cm.CommitmentID, ev.ID, time.Time{}, ev.Updated)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		res.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	res.Linked++
	metrics.IncSyncOp("pull_link", "ok")
	log.Info("remote event linked to pending commitment", "commitment_id", cm.CommitmentID, "remote_id", ev.ID)
	return nil
}

func (c *Coordinator) importEvent(ctx context.Context, userID int64, loc *time.Location, ev calendar.RemoteEvent, res *Result) error {
	cm := fromEvent(userID, ev, loc)
	now := c.now()
	cm.CreatedAt = now
	cm.UpdatedAt = now
	err := c.commitments.ImportRemote(ctx, cm)
	if errors.Is(err, store.ErrConflict) {
		res.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	res.Imported++
	metrics.IncSyncOp("pull_import", "ok")
	log.Info("remote event imported", "commitment_id", cm.CommitmentID, "remote_id", ev.ID)
	return nil
}

func remoteIsNewer(cm *models.Commitment, ev calendar.RemoteEvent) bool {
	if !ev.Updated.After(cm.UpdatedAt) {
		return false
	}
	return cm.RemoteUpdatedAt == nil || ev.Updated.After(*cm.RemoteUpdatedAt)
}

// SyncUser pushes every pending local change and then pulls remote changes
// since the last pull.
func (c *Coordinator) SyncUser(ctx context.Context, userID int64) (*Result, error) {
	unlock := c.lock(userID)
	defer unlock()

	res := &Result{UserID: userID}
	adapter, conn, err := c.adapterFor(ctx, userID)
	if errors.Is(err, ErrNotConnected) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	pending, err := c.commitments.ListUnsynced(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list unsynced: %w", err)
	}
	for _, cm := range pending {
		if err := c.push(ctx, adapter, cm, OpFor(cm)); err != nil {
			if errors.Is(err, ErrReconnectRequired) {
				return res, err
			}
			res.Errs = append(res.Errs, err)
			continue
		}
		res.Pushed++
	}

	started := c.now()
	var since time.Time
	if conn.LastPulledAt != nil {
		since = conn.LastPulledAt.Add(-pullOverlap)
	}
	events, err := adapter.ListEvents(ctx, since)
	if err != nil {
		err = c.classify(ctx, userID, err)
		metrics.IncSyncOp("list", "error")
		return res, fmt.Errorf("list remote events: %w", err)
	}
	metrics.IncSyncOp("list", "ok")

	pulled := c.Pull(ctx, userID, events)
	res.Imported += pulled.Imported
	res.Updated += pulled.Updated
	res.Deleted += pulled.Deleted
	res.Linked += pulled.Linked
	res.Skipped += pulled.Skipped
	res.Errs = append(res.Errs, pulled.Errs...)

	if len(pulled.Errs) == 0 {
		if err := c.connections.SetLastPulled(ctx, userID, started); err != nil {
			res.Errs = append(res.Errs, fmt.Errorf("advance pull watermark: %w", err))
		}
	}
	log.Debug("calendar sync done", "user_id", userID, "pushed", res.Pushed, "imported", res.Imported,
		"updated", res.Updated, "deleted", res.Deleted, "linked", res.Linked, "skipped", res.Skipped)
	return res, nil
}

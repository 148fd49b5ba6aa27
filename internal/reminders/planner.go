// Package reminders finds due reminders and delivers each of them once.
//
// Delivery is at-least-once: offsets are claimed with a lease before the
// message goes out and marked sent only after the dispatcher confirms. A
// crash between send and mark lets the lease expire and the reminder is sent
// again on a later tick.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/notify"
	"github.com/hray3182/duesync/internal/store"
)

const (
	DefaultDueTime    = "09:00"
	DefaultClaimLease = 5 * time.Minute
)

type Config struct {
	// DueTime is the wall-clock time in the user's zone at which an instance
	// is considered due on its due date.
	DueTime string
	// DefaultZone applies to users without a stored timezone.
	DefaultZone *time.Location
	// ClaimLease must outlive a dispatcher call.
	ClaimLease time.Duration
}

// Due is one entity with at least one reminder offset whose fire time has
// passed and which has not been sent yet.
type Due struct {
	Kind       models.EntityKind
	EntityID   int64
	UserID     int64
	DueAt      time.Time
	Offsets    []int
	Instance   *models.RecurringInstance
	Commitment *models.Commitment
}

// Result summarizes one Dispatch call.
type Result struct {
	UserID    int64
	Due       int
	Sent      int
	Skipped   int
	Failed    int
	Fallbacks int
	Errs      []error
}

func (r *Result) Err() error {
	return errors.Join(r.Errs...)
}

type Planner struct {
	users       store.UserStore
	rules       store.RuleStore
	instances   store.InstanceStore
	commitments store.CommitmentStore
	reminders   store.ReminderStore
	dispatcher  notify.Dispatcher
	cfg         Config
}

func NewPlanner(st *store.Store, dispatcher notify.Dispatcher, cfg Config) *Planner {
	if cfg.DueTime == "" {
		cfg.DueTime = DefaultDueTime
	}
	if cfg.DefaultZone == nil {
		cfg.DefaultZone = time.UTC
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	return &Planner{
		users:       st.Users,
		rules:       st.Rules,
		instances:   st.Instances,
		commitments: st.Commitments,
		reminders:   st.Reminders,
		dispatcher:  dispatcher,
		cfg:         cfg,
	}
}

// Zone returns the user's timezone.
func (p *Planner) Zone(ctx context.Context, userID int64) *time.Location {
	u, err := p.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("load user zone", "user_id", userID, "err", err)
		}
		return p.cfg.DefaultZone
	}
	return clock.LoadZone(u.Timezone, p.cfg.DefaultZone)
}

// DueReminders lists everything whose reminders should fire at now.
func (p *Planner) DueReminders(ctx context.Context, userID int64, now time.Time) ([]Due, error) {
	loc := p.Zone(ctx, userID)
	return p.dueIn(ctx, userID, now, loc)
}

func (p *Planner) dueIn(ctx context.Context, userID int64, now time.Time, loc *time.Location) ([]Due, error) {
	instances, err := p.instances.ListRemindableInstances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list remindable instances: %w", err)
	}
	commitments, err := p.commitments.ListRemindableCommitments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list remindable commitments: %w", err)
	}

	var out []Due
	for _, inst := range instances {
		if !inst.Remindable() {
			continue
		}
		dueAt, err := clock.At(inst.DueDate, p.cfg.DueTime, loc)
		if err != nil {
			return nil, err
		}
		if offsets := dueOffsets(inst.Reminders, dueAt, now); len(offsets) > 0 {
			out = append(out, Due{
				Kind:     models.EntityInstance,
				EntityID: inst.InstanceID,
				UserID:   userID,
				DueAt:    dueAt,
				Offsets:  offsets,
				Instance: inst,
			})
		}
	}
	for _, c := range commitments {
		if c.DeletedAt != nil {
			continue
		}
		if offsets := dueOffsets(c.Reminders, c.ScheduledAt, now); len(offsets) > 0 {
			out = append(out, Due{
				Kind:       models.EntityCommitment,
				EntityID:   c.CommitmentID,
				UserID:     userID,
				DueAt:      c.ScheduledAt,
				Offsets:    offsets,
				Commitment: c,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func dueOffsets(states []models.ReminderState, dueAt, now time.Time) []int {
	var offsets []int
	for _, r := range states {
		if r.Sent {
			continue
		}
		if !models.FireTime(dueAt, r.MinutesBefore).After(now) {
			offsets = append(offsets, r.MinutesBefore)
		}
	}
	return offsets
}

// Dispatch claims, sends and marks every due reminder of the user. One
// message covers all offsets of an entity that are due together.
func (p *Planner) Dispatch(ctx context.Context, userID int64, now time.Time) *Result {
	res := &Result{UserID: userID}
	loc := p.Zone(ctx, userID)

	due, err := p.dueIn(ctx, userID, now, loc)
	if err != nil {
		res.Errs = append(res.Errs, err)
		return res
	}
	res.Due = len(due)

	descriptions := make(map[int64]string)
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			res.Errs = append(res.Errs, err)
			break
		}
		p.deliver(ctx, d, now, loc, descriptions, res)
	}

	if res.Sent > 0 || res.Failed > 0 {
		log.Info("reminders dispatched", "user_id", userID, "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res
}

func (p *Planner) deliver(ctx context.Context, d Due, now time.Time, loc *time.Location, descriptions map[int64]string, res *Result) {
	token := uuid.NewString()
	claimed := make([]models.ReminderKey, 0, len(d.Offsets))
	for _, off := range d.Offsets {
		key := models.ReminderKey{Kind: d.Kind, EntityID: d.EntityID, MinutesBefore: off}
		ok, err := p.reminders.ClaimReminder(ctx, key, token, now, now.Add(p.cfg.ClaimLease))
		if err != nil {
			res.Errs = append(res.Errs, fmt.Errorf("claim %s %d/%d: %w", d.Kind, d.EntityID, off, err))
			continue
		}
		if ok {
			claimed = append(claimed, key)
		}
	}
	if len(claimed) == 0 {
		res.Skipped++
		metrics.IncReminder("skipped")
		return
	}

	msg := p.render(ctx, d, now, loc, descriptions)
	err := p.dispatcher.Send(ctx, d.UserID, msg)
	if errors.Is(err, notify.ErrTemplateRejected) {
		log.Warn("template rejected, sending plain text", "user_id", d.UserID, "kind", d.Kind, "entity_id", d.EntityID)
		res.Fallbacks++
		metrics.IncReminder("fallback")
		err = p.dispatcher.Send(ctx, d.UserID, msg.PlainOnly())
	}
	if err != nil {
		res.Failed++
		res.Errs = append(res.Errs, fmt.Errorf("send %s %d: %w", d.Kind, d.EntityID, err))
		metrics.IncReminder("failed")
		// Released claims become claimable on the next tick.
		releaseCtx := context.WithoutCancel(ctx)
		for _, key := range claimed {
			if rerr := p.reminders.ReleaseReminder(releaseCtx, key, token); rerr != nil {
				log.Warn("release reminder claim", "kind", key.Kind, "entity_id", key.EntityID, "minutes_before", key.MinutesBefore, "err", rerr)
			}
		}
		return
	}

	res.Sent++
	metrics.IncReminder("sent")
	markCtx := context.WithoutCancel(ctx)
	for _, key := range claimed {
		if err := p.reminders.MarkReminderSent(markCtx, key, token, now); err != nil {
			// Another worker took over after our lease ran out; the user may
			// get this reminder twice.
			log.Warn("mark reminder sent", "kind", key.Kind, "entity_id", key.EntityID, "minutes_before", key.MinutesBefore, "err", err)
		}
	}
}

func (p *Planner) render(ctx context.Context, d Due, now time.Time, loc *time.Location, descriptions map[int64]string) notify.Message {
	if d.Instance != nil {
		desc, ok := descriptions[d.Instance.RuleID]
		if !ok && p.rules != nil {
			if rule, err := p.rules.GetRule(ctx, d.Instance.RuleID); err == nil {
				desc = describeRule(rule)
			}
			descriptions[d.Instance.RuleID] = desc
		}
		return instanceMessage(d.Instance, d.DueAt, desc, now, loc)
	}
	return commitmentMessage(d.Commitment, now, loc)
}

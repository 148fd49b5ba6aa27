// Package scheduler runs the periodic per-user pass: generate instances,
// dispatch due reminders, then sync the calendar.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/reminders"
)

const (
	DefaultSchedule     = "* * * * *"
	DefaultWorkers      = 4
	DefaultTickDeadline = 50 * time.Second
	DefaultCallTimeout  = 30 * time.Second
)

type Status string

const (
	StatusOK                Status = "ok"
	StatusRetry             Status = "retry"
	StatusReconnectRequired Status = "reconnect_required"
	StatusFailed            Status = "failed"
)

// severity orders statuses so the worst step decides a user's outcome.
func (s Status) severity() int {
	switch s {
	case StatusRetry:
		return 1
	case StatusReconnectRequired:
		return 2
	case StatusFailed:
		return 3
	}
	return 0
}

var errPanic = errors.New("step panicked")

type Generator interface {
	Generate(ctx context.Context, userID int64, today time.Time) (int, error)
}

type ReminderDispatcher interface {
	Zone(ctx context.Context, userID int64) *time.Location
	Dispatch(ctx context.Context, userID int64, now time.Time) *reminders.Result
}

type Syncer interface {
	SyncUser(ctx context.Context, userID int64) (*calsync.Result, error)
}

type UserLister interface {
	ListActiveUsers(ctx context.Context) ([]int64, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string
	Workers  int
	// TickDeadline bounds a pass; users not started by then wait for the
	// next tick.
	TickDeadline time.Duration
	// CallTimeout bounds each step of a user, independent of the tick.
	CallTimeout time.Duration
	// StartDelay postpones the first pass after Start.
	StartDelay time.Duration
}

// UserOutcome is the result of one user's pass.
type UserOutcome struct {
	UserID           int64             `json:"user_id"`
	Status           Status            `json:"status"`
	InstancesCreated int               `json:"instances_created"`
	Reminders        *reminders.Result `json:"-"`
	RemindersSent    int               `json:"reminders_sent"`
	Sync             *calsync.Result   `json:"-"`
	Errors           []string          `json:"errors,omitempty"`
}

// Report aggregates a full pass.
type Report struct {
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Users    []UserOutcome `json:"users"`
	// Deferred counts users not started before the tick deadline.
	Deferred int `json:"deferred"`
}

func (r *Report) Count(status Status) int {
	n := 0
	for _, u := range r.Users {
		if u.Status == status {
			n++
		}
	}
	return n
}

type Scheduler struct {
	users      UserLister
	generator  Generator
	dispatcher ReminderDispatcher
	syncer     Syncer
	clock      clock.Clock
	schedule   cron.Schedule
	cfg        Config
	notifyCh   chan struct{}
}

// New builds a scheduler. syncer may be nil when no calendar is configured.
func New(users UserLister, generator Generator, dispatcher ReminderDispatcher, syncer Syncer, clk clock.Clock, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TickDeadline <= 0 {
		cfg.TickDeadline = DefaultTickDeadline
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{
		users:      users,
		generator:  generator,
		dispatcher: dispatcher,
		syncer:     syncer,
		clock:      clk,
		schedule:   schedule,
		cfg:        cfg,
		notifyCh:   make(chan struct{}, 1),
	}, nil
}

// Notify triggers an immediate pass. Non-blocking if a pass is already pending.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs passes on the cron schedule and on Notify until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	cronCh := make(chan struct{}, 1)
	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		select {
		case cronCh <- struct{}{}:
		default:
		}
	}))
	c.Start()
	defer c.Stop()
	log.Info("scheduler started", "schedule", s.cfg.Schedule, "workers", s.cfg.Workers)

	if s.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.StartDelay):
		}
	}
	s.run(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-cronCh:
			s.run(ctx, "cron")
		case <-s.notifyCh:
			s.run(ctx, "notify")
		}
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	report, err := s.runOnce(ctx, trigger)
	if err != nil {
		log.Error("scheduler pass failed", err, "trigger", trigger)
		return
	}
	log.Info("scheduler pass done", "trigger", trigger, "users", len(report.Users),
		"retry", report.Count(StatusRetry), "reconnect_required", report.Count(StatusReconnectRequired),
		"failed", report.Count(StatusFailed), "deferred", report.Deferred,
		"took", report.Finished.Sub(report.Started).Round(time.Millisecond))
}

// RunOnce runs a pass over every active user.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	return s.runOnce(ctx, "manual")
}

func (s *Scheduler) runOnce(ctx context.Context, trigger string) (*Report, error) {
	start := time.Now()
	defer metrics.ObserveTick(trigger, start)

	report := &Report{Trigger: trigger, Started: s.clock.Now()}
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	defer cancel()

	userIDs, err := s.users.ListActiveUsers(tickCtx)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	defer func() {
		if report.Deferred > 0 {
			log.Warn("tick deadline reached", "deferred", report.Deferred)
		}
	}()
	for i, userID := range userIDs {
		// Past the deadline nothing new starts; started users finish.
		if tickCtx.Err() != nil {
			mu.Lock()
			report.Deferred += len(userIDs) - i
			mu.Unlock()
			break
		}
		// g.Go blocks until a worker frees up, which may be after the deadline.
		g.Go(func() error {
			if tickCtx.Err() != nil {
				mu.Lock()
				report.Deferred++
				mu.Unlock()
				return nil
			}
			outcome := s.RunUser(ctx, userID)
			mu.Lock()
			report.Users = append(report.Users, outcome)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report.Finished = s.clock.Now()
	return report, nil
}

// RunUser runs one user's pass. It shares the code path and guarantees of
// a scheduled pass and is safe to call concurrently with it.
func (s *Scheduler) RunUser(ctx context.Context, userID int64) UserOutcome {
	out := UserOutcome{UserID: userID, Status: StatusOK}
	now := s.clock.Now()

	fail := func(step string, status Status, err error) {
		if err == nil {
			return
		}
		if errors.Is(err, errPanic) {
			status = StatusFailed
		}
		if status.severity() > out.Status.severity() {
			out.Status = status
		}
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", step, err))
		log.Error("user step failed", err, "user_id", userID, "step", step, "status", status)
	}

	var loc *time.Location
	err := s.step(ctx, "zone", func(ctx context.Context) error {
		loc = s.dispatcher.Zone(ctx, userID)
		return nil
	})
	fail("zone", StatusRetry, err)
	if loc == nil {
		loc = time.UTC
	}

	err = s.step(ctx, "generate", func(ctx context.Context) error {
		n, err := s.generator.Generate(ctx, userID, clock.LocalDate(now, loc))
		out.InstancesCreated = n
		return err
	})
	status := StatusRetry
	if errors.Is(err, models.ErrValidation) {
		status = StatusFailed
	}
	fail("generate", status, err)

	err = s.step(ctx, "reminders", func(ctx context.Context) error {
		res := s.dispatcher.Dispatch(ctx, userID, now)
		out.Reminders = res
		if res == nil {
			return nil
		}
		out.RemindersSent = res.Sent
		return res.Err()
	})
	fail("reminders", StatusRetry, err)

	if s.syncer != nil {
		err = s.step(ctx, "sync", func(ctx context.Context) error {
			res, err := s.syncer.SyncUser(ctx, userID)
			out.Sync = res
			if err != nil {
				return err
			}
			if res != nil {
				return res.Err()
			}
			return nil
		})
		status = StatusRetry
		if errors.Is(err, calsync.ErrReconnectRequired) {
			status = StatusReconnectRequired
		}
		fail("sync", status, err)
	}

	metrics.IncUserOutcome(string(out.Status))
	return out
}

// step runs fn on a context detached from the tick and bounded by
// CallTimeout, turning a panic into an error.
func (s *Scheduler) step(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", errPanic, name, r)
		}
	}()
	return fn(stepCtx)
}

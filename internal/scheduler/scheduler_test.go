package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/instances"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/notify"
	"github.com/hray3182/duesync/internal/reminders"
	"github.com/hray3182/duesync/internal/store/memory"
)

type recorder struct {
	mu    sync.Mutex
	sent  []int64
	delay time.Duration
	fail  error
}

func (r *recorder) Send(ctx context.Context, userID int64, msg notify.Message) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, userID)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls map[int64]int
	err   map[int64]error
	panic map[int64]bool
	delay time.Duration
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: map[int64]int{}, err: map[int64]error{}, panic: map[int64]bool{}}
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID int64) (*calsync.Result, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.calls[userID]++
	err, boom := f.err[userID], f.panic[userID]
	f.mu.Unlock()
	if boom {
		panic("nil adapter")
	}
	return &calsync.Result{UserID: userID}, err
}

type fixture struct {
	db    *memory.DB
	clock *clock.Manual
	rec   *recorder
	sync  *fakeSyncer
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config, users ...int64) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	clk := clock.NewManual(time.Date(2024, 2, 15, 8, 30, 0, 0, time.UTC))
	svc := instances.NewService(db, db, clk, instances.Config{HorizonDays: 45, RegeneratePostponedSlots: true})

	for _, userID := range users {
		day := 15
		rule := &models.RecurringRule{
			UserID:          userID,
			Title:           "Internet",
			Amount:          decimal.RequireFromString("39.90"),
			Type:            models.TransactionTypeExpense,
			Frequency:       models.FrequencyMonthly,
			DayOfMonth:      &day,
			StartDate:       clock.Date(2024, 2, 1),
			IsActive:        true,
			ReminderOffsets: []int{60},
		}
		if err := svc.CreateRule(ctx, rule); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}

	rec := &recorder{}
	planner := reminders.NewPlanner(db.Store(), rec, reminders.Config{ClaimLease: time.Minute})
	syncer := newFakeSyncer()
	sched, err := New(db, svc, planner, syncer, clk, cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return &fixture{db: db, clock: clk, rec: rec, sync: syncer, sched: sched}
}

func TestRunOnceRunsEveryStep(t *testing.T) {
	f := newFixture(t, Config{}, 7, 8)

	report, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Users) != 2 {
		t.Fatalf("expected two users, got %+v", report.Users)
	}
	for _, u := range report.Users {
		if u.Status != StatusOK {
			t.Fatalf("user %d: status %s, errors %v", u.UserID, u.Status, u.Errors)
		}
		if u.InstancesCreated != 2 {
			t.Fatalf("user %d: expected Feb 15 and Mar 15 instances, got %d", u.UserID, u.InstancesCreated)
		}
		if u.RemindersSent != 1 {
			t.Fatalf("user %d: expected the hour-before reminder, got %d", u.UserID, u.RemindersSent)
		}
		if f.sync.calls[u.UserID] != 1 {
			t.Fatalf("user %d: sync should run once", u.UserID)
		}
	}

	report, _ = f.sched.RunOnce(context.Background())
	for _, u := range report.Users {
		if u.InstancesCreated != 0 || u.RemindersSent != 0 {
			t.Fatalf("second pass must be idempotent, got %+v", u)
		}
	}
	if f.rec.count() != 2 {
		t.Fatalf("expected two messages in total, got %d", f.rec.count())
	}
}

func TestConcurrentRunUserDispatchesOnce(t *testing.T) {
	f := newFixture(t, Config{}, 7)
	f.rec.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	outcomes := make([]UserOutcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.sched.RunUser(context.Background(), 7)
		}(i)
	}
	wg.Wait()

	if f.rec.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", f.rec.count())
	}
	if outcomes[0].RemindersSent+outcomes[1].RemindersSent != 1 {
		t.Fatalf("expected exactly one sender, got %+v %+v", outcomes[0], outcomes[1])
	}
	list, _ := f.db.ListInstances(context.Background(), 7, clock.Date(2024, 1, 1), clock.Date(2025, 1, 1))
	if len(list) != 2 {
		t.Fatalf("concurrent generation must not duplicate instances, got %d", len(list))
	}
}

func TestReconnectRequiredOutcome(t *testing.T) {
	f := newFixture(t, Config{}, 7)
	f.sync.err[7] = fmt.Errorf("push: %w", calsync.ErrReconnectRequired)

	out := f.sched.RunUser(context.Background(), 7)
	if out.Status != StatusReconnectRequired {
		t.Fatalf("expected reconnect_required, got %s", out.Status)
	}
	if out.RemindersSent != 1 {
		t.Fatal("a sync failure must not block reminders")
	}
}

func TestTransportFailureIsRetry(t *testing.T) {
	f := newFixture(t, Config{}, 7)
	f.rec.fail = fmt.Errorf("%w: timeout", notify.ErrTransport)

	out := f.sched.RunUser(context.Background(), 7)
	if out.Status != StatusRetry {
		t.Fatalf("expected retry, got %s (%v)", out.Status, out.Errors)
	}
	if f.sync.calls[7] != 1 {
		t.Fatal("sync should still run after a reminder failure")
	}
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t, Config{Workers: 2}, 7, 8)
	f.sync.panic[7] = true

	report, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	statuses := map[int64]Status{}
	for _, u := range report.Users {
		statuses[u.UserID] = u.Status
	}
	if statuses[7] != StatusFailed || statuses[8] != StatusOK {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

type staticUsers []int64

func (s staticUsers) ListActiveUsers(ctx context.Context) ([]int64, error) { return s, nil }

type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, userID int64, today time.Time) (int, error) {
	return 0, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Zone(ctx context.Context, userID int64) *time.Location { return time.UTC }

func (noopDispatcher) Dispatch(ctx context.Context, userID int64, now time.Time) *reminders.Result {
	return &reminders.Result{UserID: userID}
}

func TestTickDeadlineDefersUnstartedUsers(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.delay = 50 * time.Millisecond
	sched, err := New(staticUsers{1, 2, 3}, noopGenerator{}, noopDispatcher{}, syncer, nil, Config{
		Workers:      1,
		TickDeadline: 20 * time.Millisecond,
		CallTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// User 2 waited for the only worker until after the deadline.
	if len(report.Users) != 1 || report.Deferred != 2 {
		t.Fatalf("expected one user run and two deferred, got %d run, %d deferred", len(report.Users), report.Deferred)
	}
	if syncer.calls[2] != 0 || syncer.calls[3] != 0 {
		t.Fatalf("deferred users must not sync, got %v", syncer.calls)
	}
	for _, u := range report.Users {
		if u.Status != StatusOK {
			t.Fatalf("started users finish past the deadline, got %+v", u)
		}
	}
}

func TestGenerateValidationErrorIsFailed(t *testing.T) {
	sched, _ := New(staticUsers{1}, failingGenerator{}, noopDispatcher{}, nil, nil, Config{})
	out := sched.RunUser(context.Background(), 1)
	if out.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, userID int64, today time.Time) (int, error) {
	return 0, fmt.Errorf("rule 3: %w: bad day", models.ErrValidation)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(staticUsers{}, noopGenerator{}, noopDispatcher{}, nil, nil, Config{Schedule: "every minute"})
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestNotifyCoalesces(t *testing.T) {
	sched, _ := New(staticUsers{}, noopGenerator{}, noopDispatcher{}, nil, nil, Config{})
	sched.Notify()
	sched.Notify()
	sched.Notify()
	if len(sched.notifyCh) != 1 {
		t.Fatalf("expected one pending notification, got %d", len(sched.notifyCh))
	}
}

func TestStartRunsOnNotify(t *testing.T) {
	syncer := newFakeSyncer()
	sched, _ := New(staticUsers{5}, noopGenerator{}, noopDispatcher{}, syncer, nil, Config{Schedule: "0 0 1 1 *"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	sched.Notify()
	deadline := time.Now().Add(2 * time.Second)
	for {
		syncer.mu.Lock()
		n := syncer.calls[5]
		syncer.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected startup and notify passes, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

// gatedSyncer blocks every sync until released.
type gatedSyncer struct {
	started chan int64
	release chan struct{}
	done    chan int64
}

func (g *gatedSyncer) SyncUser(ctx context.Context, userID int64) (*calsync.Result, error) {
	g.started <- userID
	<-g.release
	g.done <- userID
	return &calsync.Result{UserID: userID}, nil
}

func TestStartReturnsAfterInFlightPass(t *testing.T) {
	syncer := &gatedSyncer{started: make(chan int64, 1), release: make(chan struct{}), done: make(chan int64, 1)}
	sched, _ := New(staticUsers{5}, noopGenerator{}, noopDispatcher{}, syncer, nil, Config{Schedule: "0 0 1 1 *"})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(stopped)
	}()

	select {
	case <-syncer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("startup pass never reached the sync step")
	}
	cancel()
	select {
	case <-stopped:
		t.Fatal("Start returned while a pass was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(syncer.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the pass finished")
	}
	select {
	case <-syncer.done:
	default:
		t.Fatal("in-flight sync was cut short")
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/instances"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/notify"
	"github.com/hray3182/duesync/internal/reminders"
	"github.com/hray3182/duesync/internal/scheduler"
	"github.com/hray3182/duesync/internal/store"
	"github.com/hray3182/duesync/internal/store/memory"
)

const testToken = "s3cret-admin-token"

type fakeAdapter struct {
	mu      sync.Mutex
	created int
	err     error
}

func (a *fakeAdapter) CreateEvent(ctx context.Context, uid string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return calendar.RemoteEvent{}, a.err
	}
	a.created++
	return calendar.RemoteEvent{
		ID:      uid,
		Fields:  fields,
		Updated: time.Date(2024, 2, 15, 8, 31, 0, 0, time.UTC),
	}, nil
}

func (a *fakeAdapter) UpdateEvent(ctx context.Context, id string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	return calendar.RemoteEvent{ID: id, Fields: fields, Updated: time.Date(2024, 2, 15, 8, 32, 0, 0, time.UTC)}, a.err
}

func (a *fakeAdapter) DeleteEvent(ctx context.Context, id string) error { return a.err }

func (a *fakeAdapter) ListEvents(ctx context.Context, since time.Time) ([]calendar.RemoteEvent, error) {
	return nil, a.err
}

type fakeProvider struct {
	adapter *fakeAdapter
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ForConnection(ctx context.Context, conn *models.CalendarConnection) (calendar.Adapter, error) {
	return p.adapter, nil
}

type fakeOAuth struct {
	fakeProvider
	exchanged []string
}

func (p *fakeOAuth) AuthCodeURL(state string) string {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeOAuth) Exchange(ctx context.Context, userID int64, code string) (*models.CalendarConnection, error) {
	p.exchanged = append(p.exchanged, code)
	return &models.CalendarConnection{
		UserID:        userID,
		Provider:      "fake",
		AccessToken:   "access-" + code,
		RefreshToken:  "refresh",
		CalendarID:    "primary",
		CalendarEmail: "me@example.com",
	}, nil
}

type fixture struct {
	db      *memory.DB
	clock   *clock.Manual
	handler http.Handler
}

func newFixture(t *testing.T, provider calendar.Provider) *fixture {
	t.Helper()
	db := memory.New()
	st := db.Store()
	clk := clock.NewManual(time.Date(2024, 2, 15, 8, 30, 0, 0, time.UTC))

	svc := instances.NewService(db, db, clk, instances.Config{HorizonDays: 45, RegeneratePostponedSlots: true})
	planner := reminders.NewPlanner(st, notify.LogDispatcher{}, reminders.Config{ClaimLease: time.Minute})
	coord := calsync.New(st, provider, clk, calsync.Config{})
	var syncer scheduler.Syncer
	if provider != nil {
		syncer = coord
	}
	sched, err := scheduler.New(db, svc, planner, syncer, clk, scheduler.Config{})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	handler := NewRouter(Config{
		AdminToken:  testToken,
		StateSecret: "0123456789abcdef0123456789abcdef",
	}, Deps{
		Store:     st,
		Instances: svc,
		Sync:      coord,
		Scheduler: sched,
		Provider:  provider,
		Clock:     clk,
	})
	return &fixture{db: db, clock: clk, handler: handler}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const monthlyRule = `{
	"title": "Rent",
	"amount": "1200.00",
	"type": "expense",
	"frequency": "monthly",
	"day_of_month": 15,
	"start_date": "2024-02-01"
}`

type instanceJSON struct {
	InstanceID int64  `json:"instance_id"`
	DueDate    string `json:"due_date"`
	Status     string `json:"status"`
}

func (f *fixture) instances(t *testing.T, userID int64) []instanceJSON {
	t.Helper()
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/instances", userID), "")
	expectStatus(t, rec, http.StatusOK)
	var list []instanceJSON
	decodeBody(t, rec, &list)
	return list
}

func TestHealthEndpointsNeedNoToken(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		expectStatus(t, rec, http.StatusOK)
	}
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	st := f.db.Store()
	st.Ping = func(ctx context.Context) error { return fmt.Errorf("connection refused") }
	handler := NewRouter(Config{}, Deps{Store: st})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	expectStatus(t, rec, http.StatusServiceUnavailable)
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users/7/rules", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			expectStatus(t, rec, tc.want)
		})
	}
}

func TestRuleAndInstanceLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/users/7/rules", monthlyRule)
	expectStatus(t, rec, http.StatusCreated)
	var rule models.RecurringRule
	decodeBody(t, rec, &rule)
	if rule.RuleID == 0 || !rule.IsActive {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	rec = f.do(t, http.MethodPost, "/users/7/run", "")
	expectStatus(t, rec, http.StatusOK)
	var outcome scheduler.UserOutcome
	decodeBody(t, rec, &outcome)
	if outcome.Status != scheduler.StatusOK || outcome.InstancesCreated != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	list := f.instances(t, 7)
	if len(list) != 2 || list[0].DueDate[:10] != "2024-02-15" || list[1].DueDate[:10] != "2024-03-15" {
		t.Fatalf("unexpected instances: %+v", list)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/instances/%d/pay", list[0].InstanceID), "")
	expectStatus(t, rec, http.StatusOK)
	var paid instanceJSON
	decodeBody(t, rec, &paid)
	if paid.Status != "paid" {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/instances/%d/pay", list[0].InstanceID), "")
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/rules/%d/pause", rule.RuleID), "")
	expectStatus(t, rec, http.StatusOK)
	list = f.instances(t, 7)
	if list[0].Status != "paid" || list[1].Status != "paused" {
		t.Fatalf("pause should only affect scheduled instances: %+v", list)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/rules/%d/resume", rule.RuleID), "")
	expectStatus(t, rec, http.StatusOK)
	if list = f.instances(t, 7); list[1].Status != "scheduled" {
		t.Fatalf("resume should restore scheduled, got %s", list[1].Status)
	}

	removed := list[1].InstanceID
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/rules/%d", rule.RuleID), "")
	expectStatus(t, rec, http.StatusNoContent)
	list = f.instances(t, 7)
	if len(list) != 1 || list[0].Status != "paid" {
		t.Fatalf("delete keeps paid history only, got %+v", list)
	}
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/instances/%d/pay", removed), "")
	expectStatus(t, rec, http.StatusConflict)
}

func TestPostponeOntoTakenDateConflicts(t *testing.T) {
	f := newFixture(t, nil)
	expectStatus(t, f.do(t, http.MethodPost, "/users/7/rules", monthlyRule), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/users/7/run", ""), http.StatusOK)
	list := f.instances(t, 7)

	path := fmt.Sprintf("/instances/%d/postpone", list[0].InstanceID)
	rec := f.do(t, http.MethodPost, path, `{"due_date": "2024-03-15"}`)
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodPost, path, `{"due_date": "2024-02-20", "notes": "payday is late"}`)
	expectStatus(t, rec, http.StatusOK)
	var moved instanceJSON
	decodeBody(t, rec, &moved)
	if moved.Status != "postponed" || moved.DueDate[:10] != "2024-02-20" {
		t.Fatalf("unexpected postponed instance: %+v", moved)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad user id", http.MethodGet, "/users/abc/rules", "", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/users/7/rules", `{"title": "x", "colour": "red"}`, http.StatusBadRequest},
		{"bad start date", http.MethodPost, "/users/7/rules", `{"title": "x", "amount": "1", "type": "expense", "frequency": "daily", "start_date": "15/02/2024"}`, http.StatusBadRequest},
		{"weekly without day", http.MethodPost, "/users/7/rules", `{"title": "x", "amount": "1", "type": "expense", "frequency": "weekly", "start_date": "2024-02-01"}`, http.StatusBadRequest},
		{"missing rule", http.MethodGet, "/rules/999", "", http.StatusNotFound},
		{"missing instance", http.MethodPost, "/instances/999/pay", "", http.StatusNotFound},
		{"bad range", http.MethodGet, "/users/7/instances?from=2024-03-01&to=2024-02-01", "", http.StatusBadRequest},
		{"bad timezone", http.MethodPut, "/users/7", `{"timezone": "Mars/Olympus"}`, http.StatusBadRequest},
		{"commitment without time", http.MethodPost, "/users/7/commitments", `{"title": "Dentist"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, f.do(t, tc.method, tc.path, tc.body), tc.want)
		})
	}
}

const dentist = `{
	"title": "Dentist",
	"scheduled_at": "2024-02-20T09:00:00Z",
	"duration_minutes": 30,
	"location": "Main St 1",
	"reminders": [60]
}`

func TestPushCommitmentLinksIt(t *testing.T) {
	adapter := &fakeAdapter{}
	f := newFixture(t, &fakeProvider{adapter: adapter})
	expectStatus(t, f.do(t, http.MethodPut, "/users/7/calendar/credentials",
		`{"calendar_id": "/work/", "username": "me", "password": "pw"}`), http.StatusOK)

	rec := f.do(t, http.MethodPost, "/users/7/commitments", dentist)
	expectStatus(t, rec, http.StatusCreated)
	var cm models.Commitment
	decodeBody(t, rec, &cm)
	if cm.SyncState != models.SyncStateUnlinked {
		t.Fatalf("new commitment should be unlinked, got %s", cm.SyncState)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), "")
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &cm)
	if cm.SyncState != models.SyncStateLinked || cm.RemoteUID == "" || cm.GoogleEventID == nil || *cm.GoogleEventID != cm.RemoteUID {
		t.Fatalf("push should link the commitment: %+v", cm)
	}

	// Nothing pending: a second push is a no-op.
	expectStatus(t, f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), ""), http.StatusOK)
	if adapter.created != 1 {
		t.Fatalf("expected one remote create, got %d", adapter.created)
	}

	expectStatus(t, f.do(t, http.MethodDelete, fmt.Sprintf("/commitments/%d", cm.CommitmentID), ""), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), ""), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, fmt.Sprintf("/commitments/%d", cm.CommitmentID), ""), http.StatusNotFound)
}

func TestPushSurfacesRevocation(t *testing.T) {
	adapter := &fakeAdapter{err: calendar.ErrAuthRevoked}
	f := newFixture(t, &fakeProvider{adapter: adapter})
	expectStatus(t, f.do(t, http.MethodPut, "/users/7/calendar/credentials",
		`{"calendar_id": "work", "username": "me", "password": "pw"}`), http.StatusOK)

	rec := f.do(t, http.MethodPost, "/users/7/commitments", dentist)
	var cm models.Commitment
	decodeBody(t, rec, &cm)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), "")
	expectStatus(t, rec, http.StatusFailedDependency)

	rec = f.do(t, http.MethodGet, "/users/7/calendar", "")
	expectStatus(t, rec, http.StatusOK)
	var conn struct {
		Revoked     bool   `json:"revoked"`
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rec, &conn)
	if !conn.Revoked {
		t.Fatal("connection should be marked revoked")
	}
	if conn.AccessToken != "" {
		t.Fatal("credentials must not be exposed")
	}

	// Reconnecting clears the revocation.
	adapter.err = nil
	expectStatus(t, f.do(t, http.MethodPut, "/users/7/calendar/credentials",
		`{"calendar_id": "work", "username": "me", "password": "new"}`), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), ""), http.StatusOK)
}

func TestPushWithoutConnection(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/users/7/commitments", dentist)
	expectStatus(t, rec, http.StatusCreated)
	var cm models.Commitment
	decodeBody(t, rec, &cm)

	expectStatus(t, f.do(t, http.MethodPost, fmt.Sprintf("/commitments/%d/push", cm.CommitmentID), ""), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/users/7/calendar/sync", ""), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodGet, "/users/7/calendar/connect", ""), http.StatusNotFound)
}

func TestOAuthConnectAndCallback(t *testing.T) {
	provider := &fakeOAuth{fakeProvider: fakeProvider{adapter: &fakeAdapter{}}}
	f := newFixture(t, provider)

	expectStatus(t, f.do(t, http.MethodPut, "/users/7/calendar/credentials", `{}`), http.StatusConflict)

	rec := f.do(t, http.MethodGet, "/users/7/calendar/connect", "")
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		AuthURL string `json:"auth_url"`
	}
	decodeBody(t, rec, &body)
	u, err := url.Parse(body.AuthURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")

	callback := func(state, code string) *httptest.ResponseRecorder {
		q := url.Values{"state": {state}, "code": {code}}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calendar/callback?"+q.Encode(), nil))
		return rec
	}

	expectStatus(t, callback(state+"x", "abc"), http.StatusBadRequest)
	expectStatus(t, callback(state, "abc"), http.StatusOK)

	conn, err := f.db.GetConnection(context.Background(), 7)
	if err != nil {
		t.Fatalf("connection not stored: %v", err)
	}
	if conn.AccessToken != "access-abc" || conn.CalendarEmail != "me@example.com" {
		t.Fatalf("unexpected connection: %+v", conn)
	}

	f.clock.Advance(16 * time.Minute)
	expectStatus(t, callback(state, "late"), http.StatusBadRequest)
	if len(provider.exchanged) != 1 {
		t.Fatalf("rejected states must not reach the provider, got %v", provider.exchanged)
	}
}

func TestRunAllReportsUsers(t *testing.T) {
	f := newFixture(t, nil)
	expectStatus(t, f.do(t, http.MethodPost, "/users/7/rules", monthlyRule), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/users/8/rules", monthlyRule), http.StatusCreated)

	rec := f.do(t, http.MethodPost, "/run", "")
	expectStatus(t, rec, http.StatusOK)
	var report scheduler.Report
	decodeBody(t, rec, &report)
	if report.Trigger != "manual" || len(report.Users) != 2 || report.Count(scheduler.StatusOK) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", models.ErrValidation), http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrInvalidTransition, http.StatusConflict},
		{store.ErrDueDateTaken, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{calsync.ErrNotConnected, http.StatusConflict},
		{fmt.Errorf("push: %w", calsync.ErrReconnectRequired), http.StatusFailedDependency},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/models"
)

type tokenRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (r *tokenRecorder) UpdateTokens(ctx context.Context, userID int64, access, refresh string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, access)
	return nil
}

type fakeGoogle struct {
	t            *testing.T
	mu           sync.Mutex
	refreshError bool
	apiStatus    int
	authHeaders  []string
	created      []event
	stored       map[string]event
	puts         int
	query        []string
}

func (f *fakeGoogle) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if f.refreshError {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"refresh-2","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("GET /calendars/primary", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"me@example.com"}`)
	})
	mux.HandleFunc("POST /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		var ev event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			f.t.Errorf("decode body: %v", err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.created = append(f.created, ev)
		if _, ok := f.stored[ev.ID]; ok {
			http.Error(w, `{"error":{"code":409,"message":"The requested identifier already exists."}}`, http.StatusConflict)
			return
		}
		ev.Updated = "2024-05-01T08:00:01.250Z"
		f.store(ev)
		json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("PUT /calendars/primary/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.stored[id]; !ok {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		var ev event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			f.t.Errorf("decode body: %v", err)
		}
		f.puts++
		ev.ID = id
		ev.Updated = "2024-05-01T08:05:00Z"
		f.store(ev)
		json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("DELETE /calendars/primary/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		f.mu.Lock()
		f.query = append(f.query, r.URL.RawQuery)
		f.mu.Unlock()
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items":[{"id":"a","summary":"Lunch","start":{"dateTime":"2024-05-02T12:00:00+02:00"},"end":{"dateTime":"2024-05-02T13:00:00+02:00"},"updated":"2024-05-01T09:00:00Z","attendees":[{"email":"bob@example.com"}]}],"nextPageToken":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"b","status":"cancelled","updated":"2024-05-01T10:00:00Z"},{"id":"c","summary":"Holiday","start":{"date":"2024-05-10"},"end":{"date":"2024-05-11"},"updated":"2024-05-01T11:00:00Z"}]}`)
	})
	return mux
}

func (f *fakeGoogle) store(ev event) {
	if f.stored == nil {
		f.stored = map[string]event{}
	}
	f.stored[ev.ID] = ev
}

func (f *fakeGoogle) reject(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	status := f.apiStatus
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return true
	}
	return false
}

func setup(t *testing.T) (*Provider, *fakeGoogle, *tokenRecorder) {
	t.Helper()
	fake := &fakeGoogle{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	tokens := &tokenRecorder{}
	p := NewProvider(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/calendar/callback",
		BaseURL:      srv.URL,
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		HTTPClient:   srv.Client(),
	}, tokens)
	return p, fake, tokens
}

func connection(expiry time.Time) *models.CalendarConnection {
	return &models.CalendarConnection{
		UserID:       7,
		Provider:     ProviderName,
		AccessToken:  "current",
		RefreshToken: "refresh-1",
		TokenExpiry:  expiry,
		CalendarID:   "primary",
	}
}

func fields() calendar.EventFields {
	start := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	return calendar.EventFields{
		Title:     "Dentist",
		Start:     start,
		End:       start.Add(45 * time.Minute),
		Location:  "Main St 4",
		Attendees: []string{"alice@example.com", "Bob"},
	}
}

const uid = "c5h6mtbkdpj3cdhn6gr3ge9m4c"


func TestCreateEvent(t *testing.T) {
	ctx := context.Background()
	p, fake, tokens := setup(t)
	a, err := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}

	ev, err := a.CreateEvent(ctx, uid, fields())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev.ID != uid || fake.created[0].ID != uid {
		t.Fatalf("client id must be sent and kept, got %q (body %q)", ev.ID, fake.created[0].ID)
	}
	if want := time.Date(2024, 5, 1, 8, 0, 1, 250_000_000, time.UTC); !ev.Updated.Equal(want) {
		t.Fatalf("updated = %s, want %s", ev.Updated, want)
	}
	if fake.authHeaders[0] != "Bearer current" {
		t.Fatalf("authorization = %q", fake.authHeaders[0])
	}
	if got := fake.created[0].Attendees; len(got) != 1 || got[0].Email != "alice@example.com" {
		t.Fatalf("only addressable attendees are sent, got %+v", got)
	}
	if len(tokens.updates) != 0 {
		t.Fatalf("valid token must not be persisted again, got %v", tokens.updates)
	}
}

func TestExpiredTokenIsRefreshedAndPersisted(t *testing.T) {
	ctx := context.Background()
	p, fake, tokens := setup(t)
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(-time.Hour)))

	if _, err := a.CreateEvent(ctx, uid, fields()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fake.authHeaders[0] != "Bearer fresh" {
		t.Fatalf("request should use the refreshed token, got %q", fake.authHeaders[0])
	}
	if len(tokens.updates) != 1 || tokens.updates[0] != "fresh" {
		t.Fatalf("refreshed token should be persisted once, got %v", tokens.updates)
	}
}

func TestInvalidGrantIsRevocation(t *testing.T) {
	ctx := context.Background()
	p, fake, _ := setup(t)
	fake.refreshError = true
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(-time.Hour)))

	_, err := a.CreateEvent(ctx, uid, fields())
	if !errors.Is(err, calendar.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
	if len(fake.authHeaders) != 0 {
		t.Fatal("no API call should be made without a token")
	}
}

func TestUnauthorizedIsRevocation(t *testing.T) {
	ctx := context.Background()
	p, fake, _ := setup(t)
	fake.apiStatus = http.StatusUnauthorized
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))

	if _, err := a.ListEvents(ctx, time.Time{}); !errors.Is(err, calendar.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
}

func TestRevokedConnectionMakesNoCalls(t *testing.T) {
	p, fake, _ := setup(t)
	conn := connection(time.Now().Add(time.Hour))
	revoked := time.Now()
	conn.RevokedAt = &revoked

	if _, err := p.ForConnection(context.Background(), conn); !errors.Is(err, calendar.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
	if len(fake.authHeaders) != 0 {
		t.Fatal("revoked connection must not reach the API")
	}
}

func TestMissingEvents(t *testing.T) {
	ctx := context.Background()
	p, _, _ := setup(t)
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))

	if _, err := a.UpdateEvent(ctx, "missing", fields()); !errors.Is(err, calendar.ErrRemoteNotFound) {
		t.Fatalf("update: expected ErrRemoteNotFound, got %v", err)
	}
	if err := a.DeleteEvent(ctx, "gone"); !errors.Is(err, calendar.ErrRemoteNotFound) {
		t.Fatalf("delete: expected ErrRemoteNotFound, got %v", err)
	}
	if err := a.DeleteEvent(ctx, uid); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestListEventsPages(t *testing.T) {
	ctx := context.Background()
	p, fake, _ := setup(t)
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	events, err := a.ListEvents(ctx, since)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events across two pages, got %d", len(events))
	}
	if len(fake.query) != 2 {
		t.Fatalf("expected two page requests, got %d", len(fake.query))
	}

	lunch := events[0]
	if !lunch.Fields.Start.Equal(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)) || lunch.Fields.End.Sub(lunch.Fields.Start) != time.Hour {
		t.Fatalf("unexpected lunch times: %+v", lunch.Fields)
	}
	if len(lunch.Fields.Attendees) != 1 || lunch.Fields.Attendees[0] != "bob@example.com" {
		t.Fatalf("attendees = %v", lunch.Fields.Attendees)
	}
	if !events[1].Cancelled || events[1].ID != "b" {
		t.Fatalf("expected cancelled event b, got %+v", events[1])
	}
	if lunch.AllDay {
		t.Fatal("timed event flagged all-day")
	}
	holiday := events[2]
	if !holiday.AllDay || !holiday.Fields.Start.Equal(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("all-day event should carry its civil date, got %+v", holiday)
	}
	if holiday.Fields.End.Sub(holiday.Fields.Start) != 24*time.Hour {
		t.Fatalf("all-day span = %s", holiday.Fields.End.Sub(holiday.Fields.Start))
	}
}

func TestExchange(t *testing.T) {
	p, _, _ := setup(t)
	conn, err := p.Exchange(context.Background(), 7, "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if conn.AccessToken != "fresh" || conn.RefreshToken != "refresh-2" || conn.CalendarEmail != "me@example.com" {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if url := p.AuthCodeURL("state-1"); url == "" {
		t.Fatal("empty auth url")
	}
}

func TestCreateExistingIDUpdatesInstead(t *testing.T) {
	ctx := context.Background()
	p, fake, _ := setup(t)
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))

	if _, err := a.CreateEvent(ctx, uid, fields()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	f := fields()
	f.Title = "Dentist (moved)"
	ev, err := a.CreateEvent(ctx, uid, f)
	if err != nil {
		t.Fatalf("repeated create should succeed, got %v", err)
	}
	if ev.ID != uid || ev.Fields.Title != "Dentist (moved)" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(fake.stored) != 1 || fake.puts != 1 {
		t.Fatalf("expected one event rewritten once, got %d events and %d puts", len(fake.stored), fake.puts)
	}
}

func TestPrivatePropertiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, fake, _ := setup(t)
	a, _ := p.ForConnection(ctx, connection(time.Now().Add(time.Hour)))

	f := fields()
	f.CommitmentID = 42
	ev, err := a.CreateEvent(ctx, uid, f)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	private := fake.created[0].ExtendedProperties.Private
	if private[propCommitment] != "42" {
		t.Fatalf("commitment tag = %q", private[propCommitment])
	}
	if ev.Fields.CommitmentID != 42 {
		t.Fatalf("decoded commitment id = %d", ev.Fields.CommitmentID)
	}
	if got := ev.Fields.Attendees; len(got) != 2 || got[0] != "alice@example.com" || got[1] != "Bob" {
		t.Fatalf("participants without an address must survive, got %v", got)
	}
}

func TestInviteesAddedRemotelyAreKept(t *testing.T) {
	e := event{
		ID:      "x",
		Summary: "Standup",
		Start:   &eventTime{DateTime: "2024-05-02T09:00:00Z"},
		End:     &eventTime{DateTime: "2024-05-02T09:15:00Z"},
		Attendees: []attendee{
			{Email: "alice@example.com"},
			{Email: "carol@example.com"},
		},
		ExtendedProperties: &extendedProperties{Private: map[string]string{
			propParticipants: "alice@example.com\nBob",
		}},
	}
	ev, err := e.remote()
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	want := []string{"alice@example.com", "Bob", "carol@example.com"}
	if fmt.Sprint(ev.Fields.Attendees) != fmt.Sprint(want) {
		t.Fatalf("attendees = %v, want %v", ev.Fields.Attendees, want)
	}
	if ev.Fields.CommitmentID != 0 {
		t.Fatalf("untagged event decoded commitment %d", ev.Fields.CommitmentID)
	}
}

// Package google talks to the Google Calendar v3 REST API.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
)

const (
	ProviderName   = "google"
	DefaultBaseURL = "https://www.googleapis.com/calendar/v3"
	calendarScope  = "https://www.googleapis.com/auth/calendar.events"
	primary        = "primary"
	pageSize       = 250
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// BaseURL and Endpoint are overridden in tests.
	BaseURL    string
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
	// InitialLookback bounds the first pull of a fresh connection.
	InitialLookback time.Duration
}

type Provider struct {
	oauth    *oauth2.Config
	baseURL  string
	client   *http.Client
	tokens   calendar.TokenStore
	limiter  *rate.Limiter
	lookback time.Duration
}

func NewProvider(cfg Config, tokens calendar.TokenStore) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 30 * 24 * time.Hour
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     cfg.Endpoint,
			Scopes:       []string{calendarScope},
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   cfg.HTTPClient,
		tokens:   tokens,
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		lookback: cfg.InitialLookback,
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (p *Provider) Exchange(ctx context.Context, userID int64, code string) (*models.CalendarConnection, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google: exchange code: %w", err)
	}
	conn := &models.CalendarConnection{
		UserID:       userID,
		Provider:     ProviderName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
		CalendarID:   primary,
	}

	a := p.adapter(ctx, conn, tok)
	var cal struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodGet, a.calendarURL(""), nil, &cal); err != nil {
		return nil, fmt.Errorf("google: load calendar: %w", err)
	}
	conn.CalendarEmail = cal.ID
	return conn, nil
}

func (p *Provider) ForConnection(ctx context.Context, conn *models.CalendarConnection) (calendar.Adapter, error) {
	if conn.IsRevoked() {
		return nil, calendar.ErrAuthRevoked
	}
	tok := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       conn.TokenExpiry,
		TokenType:    "Bearer",
	}
	return p.adapter(ctx, conn, tok), nil
}

func (p *Provider) adapter(ctx context.Context, conn *models.CalendarConnection, tok *oauth2.Token) *Adapter {
	// Token refreshes outlive the caller's deadline; each request carries its own.
	base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, p.client)
	src := &persistingSource{
		base:   p.oauth.TokenSource(base, tok),
		userID: conn.UserID,
		last:   tok.AccessToken,
		tokens: p.tokens,
	}
	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = primary
	}
	return &Adapter{
		http:       oauth2.NewClient(base, src),
		baseURL:    p.baseURL,
		calendarID: calendarID,
		limiter:    p.limiter,
		lookback:   p.lookback,
	}
}

// persistingSource stores every newly minted access token and reports a
// rejected refresh token as revocation.
type persistingSource struct {
	base   oauth2.TokenSource
	userID int64
	tokens calendar.TokenStore

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %v", calendar.ErrAuthRevoked, err)
		}
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed && s.tokens != nil {
		if err := s.tokens.UpdateTokens(context.Background(), s.userID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
			log.Error("persist refreshed token", err, "user_id", s.userID)
		} else {
			log.Debug("refreshed calendar token", "user_id", s.userID)
		}
	}
	return tok, nil
}

type Adapter struct {
	http       *http.Client
	baseURL    string
	calendarID string
	limiter    *rate.Limiter
	lookback   time.Duration
}

func (a *Adapter) calendarURL(suffix string) string {
	return a.baseURL + "/calendars/" + url.PathEscape(a.calendarID) + suffix
}

// CreateEvent inserts the event under the client-supplied id. Google keeps
// ids of deleted events reserved, so a conflict means the event exists and
// is overwritten instead.
func (a *Adapter) CreateEvent(ctx context.Context, uid string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	body := toEvent(fields)
	body.ID = uid
	var out event
	err := a.do(ctx, http.MethodPost, a.calendarURL("/events"), body, &out)
	if errors.Is(err, errConflict) {
		log.Debug("google event id taken, updating instead", "id", uid)
		return a.UpdateEvent(ctx, uid, fields)
	}
	if err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("google: create event: %w", err)
	}
	return out.remote()
}

func (a *Adapter) UpdateEvent(ctx context.Context, id string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	var out event
	if err := a.do(ctx, http.MethodPut, a.calendarURL("/events/"+url.PathEscape(id)), toEvent(fields), &out); err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("google: update event %s: %w", id, err)
	}
	return out.remote()
}

func (a *Adapter) DeleteEvent(ctx context.Context, id string) error {
	if err := a.do(ctx, http.MethodDelete, a.calendarURL("/events/"+url.PathEscape(id)), nil, nil); err != nil {
		return fmt.Errorf("google: delete event %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) ListEvents(ctx context.Context, since time.Time) ([]calendar.RemoteEvent, error) {
	q := url.Values{}
	q.Set("singleEvents", "true")
	q.Set("maxResults", fmt.Sprint(pageSize))
	if since.IsZero() {
		q.Set("timeMin", time.Now().Add(-a.lookback).UTC().Format(time.RFC3339))
	} else {
		q.Set("updatedMin", since.UTC().Format(time.RFC3339Nano))
		q.Set("showDeleted", "true")
	}

	var out []calendar.RemoteEvent
	for {
		var page struct {
			Items         []event `json:"items"`
			NextPageToken string  `json:"nextPageToken"`
		}
		if err := a.do(ctx, http.MethodGet, a.calendarURL("/events?"+q.Encode()), nil, &page); err != nil {
			return nil, fmt.Errorf("google: list events: %w", err)
		}
		for _, item := range page.Items {
			ev, err := item.remote()
			if err != nil {
				log.Warn("skip malformed remote event", "id", item.ID, "err", err)
				continue
			}
			out = append(out, ev)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		q.Set("pageToken", page.NextPageToken)
	}
}

var errConflict = errors.New("conflict")

func (a *Adapter) do(ctx context.Context, method, target string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, calendar.ErrAuthRevoked) {
			return calendar.ErrAuthRevoked
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return calendar.ErrAuthRevoked
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return calendar.ErrRemoteNotFound
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package caldav syncs commitments with a CalDAV calendar collection.
//
// Events are stored as one calendar object per UID. Changes are listed with a
// calendar-query REPORT filtered client side on LAST-MODIFIED; servers do not
// report deleted objects through that query, so remote deletions surface only
// as ErrRemoteNotFound on the next update or delete.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
)

const ProviderName = "caldav"

type Config struct {
	// BaseURL is the server root; a connection's CalendarID is the collection
	// path below it.
	BaseURL         string
	HTTPClient      *http.Client
	InitialLookback time.Duration
}

type Provider struct {
	baseURL  *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	lookback time.Duration
}

func NewProvider(cfg Config) (*Provider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("caldav: invalid base url %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 30 * 24 * time.Hour
	}
	return &Provider{
		baseURL:  base,
		client:   cfg.HTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		lookback: cfg.InitialLookback,
	}, nil
}

func (p *Provider) Name() string { return ProviderName }

// ForConnection binds the collection at conn.CalendarID using
// conn.CalendarEmail and conn.AccessToken as basic-auth credentials.
func (p *Provider) ForConnection(ctx context.Context, conn *models.CalendarConnection) (calendar.Adapter, error) {
	if conn.IsRevoked() {
		return nil, calendar.ErrAuthRevoked
	}
	if conn.CalendarID == "" {
		return nil, errors.New("caldav: connection has no collection path")
	}
	collection := *p.baseURL
	collection.Path = strings.TrimRight(p.baseURL.Path, "/") + "/" + strings.Trim(conn.CalendarID, "/") + "/"
	return &Adapter{
		client:     p.client,
		collection: &collection,
		username:   conn.CalendarEmail,
		password:   conn.AccessToken,
		limiter:    p.limiter,
		lookback:   p.lookback,
	}, nil
}

type Adapter struct {
	client     *http.Client
	collection *url.URL
	username   string
	password   string
	limiter    *rate.Limiter
	lookback   time.Duration
}

func (a *Adapter) objectURL(uid string) string {
	u := *a.collection
	u.Path += url.PathEscape(uid) + ".ics"
	return u.String()
}

// CreateEvent stores the object under uid. An object already present under
// that uid is the outcome of an earlier attempt and is overwritten.
func (a *Adapter) CreateEvent(ctx context.Context, uid string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	if uid == "" {
		return calendar.RemoteEvent{}, errors.New("caldav: create event: empty uid")
	}
	modified := time.Now().UTC().Truncate(time.Second)
	body := encodeEvent(uid, fields, modified)

	err := a.put(ctx, uid, body, "If-None-Match")
	if errors.Is(err, errPrecondition) {
		log.Debug("caldav object exists, overwriting", "uid", uid)
		err = a.put(ctx, uid, body, "")
	}
	if err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("caldav: create event: %w", err)
	}
	return calendar.RemoteEvent{ID: uid, Fields: fields, Updated: modified}, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, id string, fields calendar.EventFields) (calendar.RemoteEvent, error) {
	modified := time.Now().UTC().Truncate(time.Second)
	body := encodeEvent(id, fields, modified)

	err := a.put(ctx, id, body, "If-Match")
	if errors.Is(err, errPrecondition) {
		err = calendar.ErrRemoteNotFound
	}
	if err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("caldav: update event %s: %w", id, err)
	}
	return calendar.RemoteEvent{ID: id, Fields: fields, Updated: modified}, nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, id string) error {
	resp, err := a.do(ctx, http.MethodDelete, a.objectURL(id), nil, nil)
	if err != nil {
		return fmt.Errorf("caldav: delete event %s: %w", id, err)
	}
	resp.Body.Close()
	return nil
}

func (a *Adapter) ListEvents(ctx context.Context, since time.Time) ([]calendar.RemoteEvent, error) {
	start := ""
	if since.IsZero() {
		start = time.Now().Add(-a.lookback).UTC().Format("20060102T150405Z")
	}
	body, err := xml.Marshal(newCalendarQuery(start))
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Depth", "1")
	headers.Set("Content-Type", "application/xml; charset=utf-8")
	resp, err := a.do(ctx, "REPORT", a.collection.String(), append([]byte(xml.Header), body...), headers)
	if err != nil {
		return nil, fmt.Errorf("caldav: list events: %w", err)
	}
	defer resp.Body.Close()

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("caldav: decode multistatus: %w", err)
	}

	var out []calendar.RemoteEvent
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.CalendarData == "" || !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			events, err := decodeEvents([]byte(ps.Prop.CalendarData))
			if err != nil {
				log.Warn("skip unreadable calendar object", "href", r.Href, "err", err)
				continue
			}
			for _, ev := range events {
				if !since.IsZero() && !ev.Updated.After(since) {
					continue
				}
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

var errPrecondition = errors.New("precondition failed")

func (a *Adapter) put(ctx context.Context, uid, body, condition string) error {
	headers := http.Header{}
	headers.Set("Content-Type", "text/calendar; charset=utf-8")
	if condition != "" {
		headers.Set(condition, "*")
	}
	resp, err := a.do(ctx, http.MethodPut, a.objectURL(uid), []byte(body), headers)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends an authenticated request and maps failure statuses. The caller
// closes the body of a successful response.
func (a *Adapter) do(ctx context.Context, method, target string, body []byte, headers http.Header) (*http.Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.SetBasicAuth(a.username, a.password)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, calendar.ErrAuthRevoked
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, calendar.ErrRemoteNotFound
	case resp.StatusCode == http.StatusPreconditionFailed:
		resp.Body.Close()
		return nil, errPrecondition
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

type connectionView struct {
	*models.CalendarConnection
	Revoked bool `json:"revoked"`
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "get calendar connection")
		return
	}
	conn, err := s.Store.Connections.GetConnection(r.Context(), userID)
	if err != nil {
		fail(w, r, err, "get calendar connection")
		return
	}
	writeJSON(w, http.StatusOK, connectionView{CalendarConnection: conn, Revoked: conn.IsRevoked()})
}

// connectCalendar starts the OAuth flow. Reconnecting after a revocation
// goes through the same route.
func (s *Server) connectCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "connect calendar")
		return
	}
	p, ok := s.oauth()
	if !ok {
		writeError(w, http.StatusNotFound, "no OAuth calendar provider configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": p.Name(),
		"auth_url": p.AuthCodeURL(s.state.Sign(userID)),
	})
}

func (s *Server) calendarCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := s.oauth()
	if !ok {
		writeError(w, http.StatusNotFound, "no OAuth calendar provider configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Warn("calendar authorization declined", "request_id", middleware.GetReqID(r.Context()), "error", e)
		writeError(w, http.StatusBadRequest, "authorization declined: "+e)
		return
	}
	userID, err := s.state.Verify(q.Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	conn, err := p.Exchange(r.Context(), userID, code)
	if err != nil {
		log.Error("calendar code exchange failed", err, "user_id", userID)
		writeError(w, http.StatusBadGateway, "could not complete calendar authorization")
		return
	}
	if err := s.Sync.Connect(r.Context(), conn); err != nil {
		fail(w, r, err, "store calendar connection")
		return
	}
	s.Scheduler.Notify()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Calendar %s connected. You can close this window.\n", conn.CalendarEmail)
}

type credentialsRequest struct {
	CalendarID string `json:"calendar_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// putCredentials stores basic credentials for providers without OAuth.
func (s *Server) putCredentials(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "store calendar credentials")
		return
	}
	if s.Provider == nil {
		writeError(w, http.StatusNotFound, "no calendar provider configured")
		return
	}
	if _, ok := s.oauth(); ok {
		writeError(w, http.StatusConflict, s.Provider.Name()+" connects through /calendar/connect")
		return
	}
	var req credentialsRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "store calendar credentials")
		return
	}
	req.CalendarID = strings.Trim(req.CalendarID, "/")
	if req.CalendarID == "" || req.Username == "" || req.Password == "" {
		fail(w, r, fmt.Errorf("%w: calendar_id, username and password are required", models.ErrValidation), "store calendar credentials")
		return
	}

	conn := &models.CalendarConnection{
		UserID:        userID,
		CalendarID:    req.CalendarID,
		CalendarEmail: req.Username,
		AccessToken:   req.Password,
	}
	if err := s.Sync.Connect(r.Context(), conn); err != nil {
		fail(w, r, err, "store calendar credentials")
		return
	}
	s.Scheduler.Notify()
	writeJSON(w, http.StatusOK, connectionView{CalendarConnection: conn})
}

type syncView struct {
	*calsync.Result
	Errors []string `json:"errors,omitempty"`
}

// syncCalendar runs a push and pull for one user outside the schedule.
func (s *Server) syncCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "sync calendar")
		return
	}
	if _, err := s.Store.Connections.GetConnection(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = calsync.ErrNotConnected
		}
		fail(w, r, err, "sync calendar")
		return
	}
	res, err := s.Sync.SyncUser(r.Context(), userID)
	if err != nil {
		fail(w, r, err, "sync calendar")
		return
	}
	view := syncView{Result: res}
	for _, e := range res.Errs {
		view.Errors = append(view.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, view)
}

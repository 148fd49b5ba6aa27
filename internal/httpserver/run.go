package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hray3182/duesync/internal/models"
)

// runAll runs a full pass now and returns its report.
func (s *Server) runAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.Scheduler.RunOnce(r.Context())
	if err != nil {
		fail(w, r, err, "run pass")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// runUser runs one user's pass with the same guarantees as a scheduled one.
func (s *Server) runUser(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "run user")
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler.RunUser(r.Context(), userID))
}

type userRequest struct {
	UserName string `json:"user_name"`
	Timezone string `json:"timezone"`
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "upsert user")
		return
	}
	var req userRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "upsert user")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			fail(w, r, fmt.Errorf("%w: unknown timezone %q", models.ErrValidation, req.Timezone), "upsert user")
			return
		}
	}
	u := &models.User{UserID: userID, UserName: req.UserName, Timezone: req.Timezone}
	if err := s.Store.Users.UpsertUser(r.Context(), u); err != nil {
		fail(w, r, err, "upsert user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

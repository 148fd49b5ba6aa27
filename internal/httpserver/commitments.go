package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

type commitmentRequest struct {
	Title           string    `json:"title"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Category        string    `json:"category"`
	Location        string    `json:"location"`
	Participants    []string  `json:"participants"`
	Notes           string    `json:"notes"`
	Reminders       []int     `json:"reminders"`
}

func (req *commitmentRequest) toCommitment() *models.Commitment {
	return &models.Commitment{
		Title:           req.Title,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Category:        req.Category,
		Location:        req.Location,
		Participants:    req.Participants,
		Notes:           req.Notes,
		Reminders:       models.ReminderStatesFor(req.Reminders),
	}
}

func (s *Server) createCommitment(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "create commitment")
		return
	}
	var req commitmentRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "create commitment")
		return
	}
	cm := req.toCommitment()
	cm.UserID = userID
	if err := s.Sync.CreateCommitment(r.Context(), cm); err != nil {
		fail(w, r, err, "create commitment")
		return
	}
	writeJSON(w, http.StatusCreated, cm)
}

func (s *Server) listCommitments(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "list commitments")
		return
	}
	now := s.Clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from, to, err := dateRange(r, today, today.AddDate(0, 0, s.cfg.HorizonDays+1))
	if err != nil {
		fail(w, r, err, "list commitments")
		return
	}
	list, err := s.Sync.ListCommitments(r.Context(), userID, from, to)
	if err != nil {
		fail(w, r, err, "list commitments")
		return
	}
	if list == nil {
		list = []*models.Commitment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getCommitment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "commitmentID")
	if err != nil {
		fail(w, r, err, "get commitment")
		return
	}
	cm, err := s.Sync.GetCommitment(r.Context(), id)
	if err != nil {
		fail(w, r, err, "get commitment")
		return
	}
	writeJSON(w, http.StatusOK, cm)
}

func (s *Server) updateCommitment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "commitmentID")
	if err != nil {
		fail(w, r, err, "update commitment")
		return
	}
	var req commitmentRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "update commitment")
		return
	}
	cm := req.toCommitment()
	cm.CommitmentID = id
	if err := s.Sync.UpdateCommitment(r.Context(), cm); err != nil {
		fail(w, r, err, "update commitment")
		return
	}
	updated, err := s.Sync.GetCommitment(r.Context(), id)
	if err != nil {
		fail(w, r, err, "update commitment")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteCommitment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "commitmentID")
	if err != nil {
		fail(w, r, err, "delete commitment")
		return
	}
	if err := s.Sync.DeleteCommitment(r.Context(), id); err != nil {
		fail(w, r, err, "delete commitment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushCommitment pushes a pending change now and reports push errors to the
// caller instead of leaving them to the next pass.
func (s *Server) pushCommitment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "commitmentID")
	if err != nil {
		fail(w, r, err, "push commitment")
		return
	}
	if err := s.Sync.PushNow(r.Context(), id); err != nil {
		fail(w, r, err, "push commitment")
		return
	}
	cm, err := s.Sync.GetCommitment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// A pushed delete purges the row.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		fail(w, r, err, "push commitment")
		return
	}
	writeJSON(w, http.StatusOK, cm)
}

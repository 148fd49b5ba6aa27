package httpserver

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/models"
)

type ruleRequest struct {
	Title           string                 `json:"title"`
	Amount          decimal.Decimal        `json:"amount"`
	Type            models.TransactionType `json:"type"`
	CategoryID      *int64                 `json:"category_id"`
	OrgID           *int64                 `json:"org_id"`
	Frequency       models.Frequency       `json:"frequency"`
	DayOfMonth      *int                   `json:"day_of_month"`
	DayOfWeek       *int                   `json:"day_of_week"`
	IntervalDays    *int                   `json:"interval_days"`
	StartDate       string                 `json:"start_date"`
	EndDate         *string                `json:"end_date"`
	IsActive        *bool                  `json:"is_active"`
	ReminderOffsets []int                  `json:"reminder_offsets"`
}

func (req *ruleRequest) toRule() (*models.RecurringRule, error) {
	rule := &models.RecurringRule{
		Title:           req.Title,
		Amount:          req.Amount,
		Type:            req.Type,
		CategoryID:      req.CategoryID,
		OrgID:           req.OrgID,
		Frequency:       req.Frequency,
		DayOfMonth:      req.DayOfMonth,
		DayOfWeek:       req.DayOfWeek,
		IntervalDays:    req.IntervalDays,
		IsActive:        req.IsActive == nil || *req.IsActive,
		ReminderOffsets: req.ReminderOffsets,
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return nil, err
	}
	rule.StartDate = start
	if req.EndDate != nil {
		end, err := parseDate("end_date", *req.EndDate)
		if err != nil {
			return nil, err
		}
		rule.EndDate = &end
	}
	return rule, nil
}

// instanceView reports the effective status of an instance.
type instanceView struct {
	*models.RecurringInstance
	Status models.InstanceStatus `json:"status"`
}

func viewInstance(inst *models.RecurringInstance) instanceView {
	return instanceView{RecurringInstance: inst, Status: inst.EffectiveStatus()}
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "create rule")
		return
	}
	var req ruleRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "create rule")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		fail(w, r, err, "create rule")
		return
	}
	rule.UserID = userID
	if err := s.Instances.CreateRule(r.Context(), rule); err != nil {
		fail(w, r, err, "create rule")
		return
	}
	s.Scheduler.Notify()
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "list rules")
		return
	}
	rules, err := s.Instances.ListRules(r.Context(), userID)
	if err != nil {
		fail(w, r, err, "list rules")
		return
	}
	if rules == nil {
		rules = []*models.RecurringRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := idParam(r, "ruleID")
	if err != nil {
		fail(w, r, err, "get rule")
		return
	}
	rule, err := s.Instances.GetRule(r.Context(), ruleID)
	if err != nil {
		fail(w, r, err, "get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := idParam(r, "ruleID")
	if err != nil {
		fail(w, r, err, "update rule")
		return
	}
	var req ruleRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "update rule")
		return
	}
	existing, err := s.Instances.GetRule(r.Context(), ruleID)
	if err != nil {
		fail(w, r, err, "update rule")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		fail(w, r, err, "update rule")
		return
	}
	rule.RuleID = ruleID
	rule.CreatedAt = existing.CreatedAt
	if req.IsActive == nil {
		rule.IsActive = existing.IsActive
	}
	if err := s.Instances.UpdateRule(r.Context(), rule); err != nil {
		fail(w, r, err, "update rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) pauseRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, false)
}

func (s *Server) resumeRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, true)
}

func (s *Server) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	ruleID, err := idParam(r, "ruleID")
	if err != nil {
		fail(w, r, err, "set rule active")
		return
	}
	if active {
		err = s.Instances.ResumeRule(r.Context(), ruleID)
	} else {
		err = s.Instances.PauseRule(r.Context(), ruleID)
	}
	if err != nil {
		fail(w, r, err, "set rule active")
		return
	}
	rule, err := s.Instances.GetRule(r.Context(), ruleID)
	if err != nil {
		fail(w, r, err, "set rule active")
		return
	}
	if active {
		s.Scheduler.Notify()
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := idParam(r, "ruleID")
	if err != nil {
		fail(w, r, err, "delete rule")
		return
	}
	if err := s.Instances.DeleteRule(r.Context(), ruleID); err != nil {
		fail(w, r, err, "delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Instances ====================

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		fail(w, r, err, "list instances")
		return
	}
	today := clock.LocalDate(s.Clock.Now(), s.userZone(r, userID))
	from, to, err := dateRange(r, today, today.AddDate(0, 0, s.cfg.HorizonDays+1))
	if err != nil {
		fail(w, r, err, "list instances")
		return
	}
	list, err := s.Instances.ListInstances(r.Context(), userID, from, to)
	if err != nil {
		fail(w, r, err, "list instances")
		return
	}
	views := make([]instanceView, 0, len(list))
	for _, inst := range list {
		views = append(views, viewInstance(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := idParam(r, "instanceID")
	if err != nil {
		fail(w, r, err, "get instance")
		return
	}
	inst, err := s.Instances.GetInstance(r.Context(), instanceID)
	if err != nil {
		fail(w, r, err, "get instance")
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

func (s *Server) payInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := idParam(r, "instanceID")
	if err != nil {
		fail(w, r, err, "pay instance")
		return
	}
	inst, err := s.Instances.PayInstance(r.Context(), instanceID)
	if err != nil {
		fail(w, r, err, "pay instance")
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

type postponeRequest struct {
	DueDate string `json:"due_date"`
	Notes   string `json:"notes"`
}

func (s *Server) postponeInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := idParam(r, "instanceID")
	if err != nil {
		fail(w, r, err, "postpone instance")
		return
	}
	var req postponeRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err, "postpone instance")
		return
	}
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		fail(w, r, err, "postpone instance")
		return
	}
	inst, err := s.Instances.PostponeInstance(r.Context(), instanceID, due, req.Notes)
	if err != nil {
		fail(w, r, err, "postpone instance")
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

// userZone resolves the user's zone, falling back to the default.
func (s *Server) userZone(r *http.Request, userID int64) *time.Location {
	u, err := s.Store.Users.GetUser(r.Context(), userID)
	if err != nil || u.Timezone == "" {
		return s.DefaultZone
	}
	return clock.LoadZone(u.Timezone, s.DefaultZone)
}

// Package instances owns the lifecycle of recurring rules and the instances
// generated from them.
package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/metrics"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/recurrence"
	"github.com/hray3182/duesync/internal/store"
)

const DefaultHorizonDays = 45

type Config struct {
	// HorizonDays is how far ahead of today instances are generated.
	HorizonDays int
	// RegeneratePostponedSlots controls whether the date vacated by a
	// postponement gets a fresh scheduled instance on the next pass.
	RegeneratePostponedSlots bool
	MaxOccurrences           int
}

type Service struct {
	rules     store.RuleStore
	instances store.InstanceStore
	clock     clock.Clock
	cfg       Config
}

func NewService(rules store.RuleStore, instances store.InstanceStore, clk clock.Clock, cfg Config) *Service {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = recurrence.DefaultMaxOccurrences
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{rules: rules, instances: instances, clock: clk, cfg: cfg}
}

func (s *Service) now() time.Time {
	return s.clock.Now().Truncate(time.Microsecond)
}

// ==================== Rules ====================

func (s *Service) CreateRule(ctx context.Context, rule *models.RecurringRule) error {
	normalizeRuleDates(rule)
	if err := rule.Validate(); err != nil {
		return err
	}
	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.DeletedAt = nil
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	log.Info("rule created", "rule_id", rule.RuleID, "user_id", rule.UserID, "frequency", rule.Frequency)
	return nil
}

// UpdateRule replaces the rule definition. Instances already generated keep
// their snapshot; only future generation sees the change.
func (s *Service) UpdateRule(ctx context.Context, rule *models.RecurringRule) error {
	existing, err := s.rules.GetRule(ctx, rule.RuleID)
	if err != nil {
		return err
	}
	if existing.IsDeleted() {
		return store.ErrNotFound
	}
	rule.UserID = existing.UserID
	normalizeRuleDates(rule)
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = s.now()
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("update rule %d: %w", rule.RuleID, err)
	}
	return nil
}

func (s *Service) GetRule(ctx context.Context, ruleID int64) (*models.RecurringRule, error) {
	return s.rules.GetRule(ctx, ruleID)
}

func (s *Service) ListRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error) {
	return s.rules.ListRules(ctx, userID)
}

// PauseRule stops generation and reminders. Stored instances are untouched;
// their scheduled rows read as paused until the rule resumes.
func (s *Service) PauseRule(ctx context.Context, ruleID int64) error {
	if err := s.rules.SetRuleActive(ctx, ruleID, false, s.now()); err != nil {
		return fmt.Errorf("pause rule %d: %w", ruleID, err)
	}
	log.Info("rule paused", "rule_id", ruleID)
	return nil
}

func (s *Service) ResumeRule(ctx context.Context, ruleID int64) error {
	if err := s.rules.SetRuleActive(ctx, ruleID, true, s.now()); err != nil {
		return fmt.Errorf("resume rule %d: %w", ruleID, err)
	}
	log.Info("rule resumed", "rule_id", ruleID)
	return nil
}

// DeleteRule soft-deletes the rule and drops its scheduled instances. Paid
// and postponed instances stay as history.
func (s *Service) DeleteRule(ctx context.Context, ruleID int64) error {
	removed, err := s.rules.SoftDeleteRule(ctx, ruleID, s.now())
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", ruleID, err)
	}
	log.Info("rule deleted", "rule_id", ruleID, "scheduled_removed", removed)
	return nil
}

// ==================== Instances ====================

// EnsureInstances creates a scheduled instance for every due date the rule
// does not cover yet. Running it twice with the same dates creates nothing
// the second time.
func (s *Service) EnsureInstances(ctx context.Context, rule *models.RecurringRule, dueDates []time.Time) (int, error) {
	preserve := !s.cfg.RegeneratePostponedSlots
	created := 0
	for _, due := range dueDates {
		inst := &models.RecurringInstance{
			RuleID:     rule.RuleID,
			UserID:     rule.UserID,
			Title:      rule.Title,
			Amount:     rule.Amount,
			Type:       rule.Type,
			CategoryID: rule.CategoryID,
			DueDate:    clock.ToDate(due),
			Status:     models.InstanceStatusScheduled,
			CreatedAt:  s.now(),
			Reminders:  models.ReminderStatesFor(rule.ReminderOffsets),
		}
		ok, err := s.instances.InsertInstanceIfAbsent(ctx, inst, preserve)
		if err != nil {
			metrics.AddInstancesCreated(created)
			return created, fmt.Errorf("ensure instance rule=%d due=%s: %w", rule.RuleID, inst.DueDate.Format("2006-01-02"), err)
		}
		if ok {
			created++
		}
	}
	metrics.AddInstancesCreated(created)
	return created, nil
}

// Generate expands every active rule of the user over [today, today+horizon)
// and ensures the resulting instances exist.
func (s *Service) Generate(ctx context.Context, userID int64, today time.Time) (int, error) {
	rules, err := s.rules.ListActiveRules(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list active rules: %w", err)
	}

	from := clock.ToDate(today)
	to := from.AddDate(0, 0, s.cfg.HorizonDays)

	total := 0
	var errs []error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		dates, err := recurrence.ExpandWithLimit(rule, from, to, s.cfg.MaxOccurrences)
		if err != nil && !errors.Is(err, recurrence.ErrTruncated) {
			log.Error("expand rule", err, "rule_id", rule.RuleID, "user_id", userID)
			errs = append(errs, fmt.Errorf("rule %d: %w", rule.RuleID, err))
			continue
		}
		n, err := s.EnsureInstances(ctx, rule, dates)
		total += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			log.Debug("instances generated", "rule_id", rule.RuleID, "created", n)
		}
	}
	return total, errors.Join(errs...)
}

func (s *Service) GetInstance(ctx context.Context, instanceID int64) (*models.RecurringInstance, error) {
	return s.instances.GetInstance(ctx, instanceID)
}

func (s *Service) ListInstances(ctx context.Context, userID int64, from, to time.Time) ([]*models.RecurringInstance, error) {
	return s.instances.ListInstances(ctx, userID, clock.ToDate(from), clock.ToDate(to))
}

// PayInstance moves a scheduled or postponed instance to paid. Paying twice,
// or paying an instance of a deleted rule, is ErrInvalidTransition.
func (s *Service) PayInstance(ctx context.Context, instanceID int64) (*models.RecurringInstance, error) {
	if err := s.instances.MarkPaid(ctx, instanceID, s.now()); err != nil {
		return nil, fmt.Errorf("pay instance %d: %w", instanceID, err)
	}
	log.Info("instance paid", "instance_id", instanceID)
	return s.instances.GetInstance(ctx, instanceID)
}

// PostponeInstance moves the instance to newDueDate and re-arms its
// reminders. It fails with ErrDueDateTaken when another instance of the same
// rule already lives on that date.
func (s *Service) PostponeInstance(ctx context.Context, instanceID int64, newDueDate time.Time, notes string) (*models.RecurringInstance, error) {
	if newDueDate.IsZero() {
		return nil, fmt.Errorf("%w: new due date is required", models.ErrValidation)
	}
	due := clock.ToDate(newDueDate)
	if err := s.instances.Postpone(ctx, instanceID, due, notes); err != nil {
		return nil, fmt.Errorf("postpone instance %d: %w", instanceID, err)
	}
	log.Info("instance postponed", "instance_id", instanceID, "due_date", due.Format("2006-01-02"))
	return s.instances.GetInstance(ctx, instanceID)
}

func normalizeRuleDates(rule *models.RecurringRule) {
	rule.StartDate = clock.ToDate(rule.StartDate)
	if rule.EndDate != nil {
		end := clock.ToDate(*rule.EndDate)
		rule.EndDate = &end
	}
}

// Package memory is an in-process implementation of the store interfaces.
// It backs STORE_DRIVER=memory and the package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

type entityRef struct {
	kind models.EntityKind
	id   int64
}

// DB holds every table behind one mutex so compare-and-set operations are
// atomic the same way single-row UPDATEs are in PostgreSQL.
type DB struct {
	mu sync.Mutex

	nextRuleID       int64
	nextInstanceID   int64
	nextCommitmentID int64

	users       map[int64]*models.User
	rules       map[int64]*models.RecurringRule
	instances   map[int64]*models.RecurringInstance
	commitments map[int64]*models.Commitment
	connections map[int64]*models.CalendarConnection
	reminders   map[entityRef]map[int]*models.ReminderState
	// ids of scheduled instances dropped with their rule
	removed map[int64]struct{}
}

func New() *DB {
	return &DB{
		users:       make(map[int64]*models.User),
		rules:       make(map[int64]*models.RecurringRule),
		instances:   make(map[int64]*models.RecurringInstance),
		commitments: make(map[int64]*models.Commitment),
		connections: make(map[int64]*models.CalendarConnection),
		reminders:   make(map[entityRef]map[int]*models.ReminderState),
		removed:     make(map[int64]struct{}),
	}
}

// Store exposes the DB through the store aggregate.
func (db *DB) Store() *store.Store {
	return &store.Store{
		Users:       db,
		Rules:       db,
		Instances:   db,
		Reminders:   db,
		Commitments: db,
		Connections: db,
	}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// ==================== Users ====================

func (db *DB) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (db *DB) UpsertUser(ctx context.Context, u *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *u
	db.users[u.UserID] = &cp
	return nil
}

func (db *DB) ListActiveUsers(ctx context.Context) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	set := make(map[int64]bool)
	for _, r := range db.rules {
		if r.IsActive && !r.IsDeleted() {
			set[r.UserID] = true
		}
	}
	for _, c := range db.commitments {
		if c.NeedsPush() || (c.DeletedAt == nil && db.hasUnsentLocked(entityRef{models.EntityCommitment, c.CommitmentID})) {
			set[c.UserID] = true
		}
	}
	for _, inst := range db.instances {
		if db.remindableLocked(inst) && db.hasUnsentLocked(entityRef{models.EntityInstance, inst.InstanceID}) {
			set[inst.UserID] = true
		}
	}
	for _, conn := range db.connections {
		if !conn.IsRevoked() {
			set[conn.UserID] = true
		}
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ==================== Rules ====================

func (db *DB) CreateRule(ctx context.Context, rule *models.RecurringRule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextRuleID++
	rule.RuleID = db.nextRuleID
	rule.CreatedAt = stamp(rule.CreatedAt)
	rule.UpdatedAt = rule.CreatedAt
	cp := *rule
	cp.ReminderOffsets = append([]int(nil), rule.ReminderOffsets...)
	db.rules[rule.RuleID] = &cp
	return nil
}

func (db *DB) GetRule(ctx context.Context, ruleID int64) (*models.RecurringRule, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rules[ruleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRule(r), nil
}

func (db *DB) UpdateRule(ctx context.Context, rule *models.RecurringRule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.rules[rule.RuleID]
	if !ok || existing.IsDeleted() {
		return store.ErrNotFound
	}
	cp := *rule
	cp.ReminderOffsets = append([]int(nil), rule.ReminderOffsets...)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = stamp(rule.UpdatedAt)
	db.rules[rule.RuleID] = &cp
	return nil
}

func (db *DB) SetRuleActive(ctx context.Context, ruleID int64, active bool, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rules[ruleID]
	if !ok || r.IsDeleted() {
		return store.ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = stamp(at)
	return nil
}

func (db *DB) SoftDeleteRule(ctx context.Context, ruleID int64, at time.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rules[ruleID]
	if !ok || r.IsDeleted() {
		return 0, store.ErrNotFound
	}
	at = stamp(at)
	r.DeletedAt = &at
	r.IsActive = false
	r.UpdatedAt = at

	removed := 0
	for id, inst := range db.instances {
		if inst.RuleID == ruleID && inst.Status == models.InstanceStatusScheduled {
			delete(db.instances, id)
			delete(db.reminders, entityRef{models.EntityInstance, id})
			db.removed[id] = struct{}{}
			removed++
		}
	}
	return removed, nil
}

func (db *DB) ListRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error) {
	return db.listRules(userID, false), nil
}

func (db *DB) ListActiveRules(ctx context.Context, userID int64) ([]*models.RecurringRule, error) {
	return db.listRules(userID, true), nil
}

func (db *DB) listRules(userID int64, activeOnly bool) []*models.RecurringRule {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.RecurringRule
	for _, r := range db.rules {
		if r.UserID != userID || r.IsDeleted() {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, copyRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func copyRule(r *models.RecurringRule) *models.RecurringRule {
	cp := *r
	cp.ReminderOffsets = append([]int(nil), r.ReminderOffsets...)
	return &cp
}

// ==================== Instances ====================

func (db *DB) InsertInstanceIfAbsent(ctx context.Context, inst *models.RecurringInstance, preserveSlots bool) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rule, ok := db.rules[inst.RuleID]
	if !ok || rule.IsDeleted() {
		return false, nil
	}
	for _, existing := range db.instances {
		if existing.RuleID != inst.RuleID {
			continue
		}
		if existing.DueDate.Equal(inst.DueDate) {
			return false, nil
		}
		if preserveSlots && existing.OriginalDueDate.Equal(inst.DueDate) {
			return false, nil
		}
	}

	db.nextInstanceID++
	inst.InstanceID = db.nextInstanceID
	inst.CreatedAt = stamp(inst.CreatedAt)
	if inst.OriginalDueDate.IsZero() {
		inst.OriginalDueDate = inst.DueDate
	}
	cp := *inst
	cp.Reminders = nil
	db.instances[inst.InstanceID] = &cp

	ref := entityRef{models.EntityInstance, inst.InstanceID}
	db.reminders[ref] = make(map[int]*models.ReminderState, len(inst.Reminders))
	for _, r := range inst.Reminders {
		db.reminders[ref][r.MinutesBefore] = &models.ReminderState{MinutesBefore: r.MinutesBefore}
	}
	return true, nil
}

func (db *DB) GetInstance(ctx context.Context, instanceID int64) (*models.RecurringInstance, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, ok := db.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return db.readInstanceLocked(inst), nil
}

func (db *DB) ListInstances(ctx context.Context, userID int64, from, to time.Time) ([]*models.RecurringInstance, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.RecurringInstance
	for _, inst := range db.instances {
		if inst.UserID != userID || inst.DueDate.Before(from) || !inst.DueDate.Before(to) {
			continue
		}
		out = append(out, db.readInstanceLocked(inst))
	}
	sortInstances(out)
	return out, nil
}

func (db *DB) ListRemindableInstances(ctx context.Context, userID int64) ([]*models.RecurringInstance, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.RecurringInstance
	for _, inst := range db.instances {
		if inst.UserID != userID || !db.remindableLocked(inst) {
			continue
		}
		if !db.hasUnsentLocked(entityRef{models.EntityInstance, inst.InstanceID}) {
			continue
		}
		out = append(out, db.readInstanceLocked(inst))
	}
	sortInstances(out)
	return out, nil
}

func (db *DB) MarkPaid(ctx context.Context, instanceID int64, paidAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, err := db.transitionableLocked(instanceID)
	if err != nil {
		return err
	}
	paidAt = stamp(paidAt)
	inst.Status = models.InstanceStatusPaid
	inst.PaidAt = &paidAt
	return nil
}

func (db *DB) Postpone(ctx context.Context, instanceID int64, newDueDate time.Time, notes string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, err := db.transitionableLocked(instanceID)
	if err != nil {
		return err
	}
	for id, other := range db.instances {
		if id != instanceID && other.RuleID == inst.RuleID && other.DueDate.Equal(newDueDate) {
			return store.ErrDueDateTaken
		}
	}

	inst.DueDate = newDueDate
	inst.Status = models.InstanceStatusPostponed
	inst.Notes = notes
	for _, r := range db.reminders[entityRef{models.EntityInstance, instanceID}] {
		*r = models.ReminderState{MinutesBefore: r.MinutesBefore}
	}
	return nil
}

// transitionableLocked returns an instance that may still be paid or
// postponed. Instances removed with their rule are invalid, not missing.
func (db *DB) transitionableLocked(instanceID int64) (*models.RecurringInstance, error) {
	inst, ok := db.instances[instanceID]
	if !ok {
		if _, gone := db.removed[instanceID]; gone {
			return nil, store.ErrInvalidTransition
		}
		return nil, store.ErrNotFound
	}
	rule, ok := db.rules[inst.RuleID]
	if !ok || rule.IsDeleted() {
		return nil, store.ErrInvalidTransition
	}
	if inst.Status != models.InstanceStatusScheduled && inst.Status != models.InstanceStatusPostponed {
		return nil, store.ErrInvalidTransition
	}
	return inst, nil
}

func (db *DB) remindableLocked(inst *models.RecurringInstance) bool {
	rule, ok := db.rules[inst.RuleID]
	if !ok {
		return false
	}
	view := *inst
	view.RuleActive = rule.IsActive
	view.RuleDeleted = rule.IsDeleted()
	return view.Remindable()
}

func (db *DB) readInstanceLocked(inst *models.RecurringInstance) *models.RecurringInstance {
	cp := *inst
	if rule, ok := db.rules[inst.RuleID]; ok {
		cp.RuleActive = rule.IsActive
		cp.RuleDeleted = rule.IsDeleted()
	}
	cp.Reminders = db.readRemindersLocked(entityRef{models.EntityInstance, inst.InstanceID})
	return &cp
}

func sortInstances(list []*models.RecurringInstance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].DueDate.Equal(list[j].DueDate) {
			return list[i].DueDate.Before(list[j].DueDate)
		}
		return list[i].InstanceID < list[j].InstanceID
	})
}

// ==================== Reminders ====================

func (db *DB) ClaimReminder(ctx context.Context, key models.ReminderKey, token string, now, expiresAt time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.reminders[entityRef{key.Kind, key.EntityID}][key.MinutesBefore]
	if !ok || r.Sent {
		return false, nil
	}
	if r.ClaimToken != "" && r.ClaimExpiresAt != nil && r.ClaimExpiresAt.After(now) {
		return false, nil
	}
	r.ClaimToken = token
	r.ClaimExpiresAt = &expiresAt
	return true, nil
}

func (db *DB) MarkReminderSent(ctx context.Context, key models.ReminderKey, token string, sentAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.reminders[entityRef{key.Kind, key.EntityID}][key.MinutesBefore]
	if !ok {
		return store.ErrNotFound
	}
	if r.Sent || r.ClaimToken != token {
		return store.ErrConflict
	}
	r.Sent = true
	r.SentAt = &sentAt
	r.ClaimToken = ""
	r.ClaimExpiresAt = nil
	return nil
}

func (db *DB) ReleaseReminder(ctx context.Context, key models.ReminderKey, token string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.reminders[entityRef{key.Kind, key.EntityID}][key.MinutesBefore]
	if !ok || r.ClaimToken != token {
		return nil
	}
	r.ClaimToken = ""
	r.ClaimExpiresAt = nil
	return nil
}

func (db *DB) hasUnsentLocked(ref entityRef) bool {
	for _, r := range db.reminders[ref] {
		if !r.Sent {
			return true
		}
	}
	return false
}

func (db *DB) readRemindersLocked(ref entityRef) []models.ReminderState {
	states := make([]models.ReminderState, 0, len(db.reminders[ref]))
	for _, r := range db.reminders[ref] {
		states = append(states, *r)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].MinutesBefore > states[j].MinutesBefore })
	return states
}

func (db *DB) replaceRemindersLocked(ref entityRef, wanted []models.ReminderState) {
	current := db.reminders[ref]
	next := make(map[int]*models.ReminderState, len(wanted))
	for _, w := range wanted {
		if existing, ok := current[w.MinutesBefore]; ok {
			next[w.MinutesBefore] = existing
			continue
		}
		next[w.MinutesBefore] = &models.ReminderState{MinutesBefore: w.MinutesBefore}
	}
	db.reminders[ref] = next
}

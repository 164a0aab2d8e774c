// Package store provides an in-memory loyalty.Store implementation
// (for testing/dev).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/voyageworks/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.Mutex
	rules       map[loyalty.RuleID]loyalty.Rule
	enrollments map[enrollKey]*loyalty.Enrollment
	choices     map[loyalty.ChoiceID]*loyalty.PendingChoice
	rewards     map[rewardKey]time.Time
	applied     map[string][]loyalty.AppliedAward
}

type enrollKey struct {
	Customer loyalty.CustomerID
	Business loyalty.BusinessID
}

type rewardKey struct {
	Customer loyalty.CustomerID
	Business loyalty.BusinessID
	Reward   string
}

func NewMemory() *Memory {
	return &Memory{
		rules:       make(map[loyalty.RuleID]loyalty.Rule),
		enrollments: make(map[enrollKey]*loyalty.Enrollment),
		choices:     make(map[loyalty.ChoiceID]*loyalty.PendingChoice),
		rewards:     make(map[rewardKey]time.Time),
		applied:     make(map[string][]loyalty.AppliedAward),
	}
}

// WithTx runs fn directly. The memory store has no rollback; the claim
// path stays safe because TransitionChoice is the compare-and-swap gate.
func (m *Memory) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	return fn(m)
}

// =============================================================================
// RULES
// =============================================================================

// SaveRule installs a rule (test/dev helper, not part of loyalty.Store).
func (m *Memory) SaveRule(rule loyalty.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
}

func (m *Memory) ActiveRules(_ context.Context, businessID loyalty.BusinessID, kind loyalty.TriggerKind) ([]loyalty.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rules []loyalty.Rule
	for _, r := range m.rules {
		if r.Active && r.BusinessID == businessID && r.Trigger == kind {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (m *Memory) GetRule(_ context.Context, id loyalty.RuleID) (*loyalty.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

// PutEnrollment replaces an enrollment (test/dev helper).
func (m *Memory) PutEnrollment(e loyalty.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[enrollKey{e.CustomerID, e.BusinessID}] = &e
}

func (m *Memory) GetEnrollment(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID) (*loyalty.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[enrollKey{customerID, businessID}]
	if !ok {
		return nil, nil
	}
	copied := *e
	copied.Tags = append([]string(nil), e.Tags...)
	return &copied, nil
}

// upsertLocked returns the live enrollment, creating it if needed.
func (m *Memory) upsertLocked(customerID loyalty.CustomerID, businessID loyalty.BusinessID) *loyalty.Enrollment {
	k := enrollKey{customerID, businessID}
	e, ok := m.enrollments[k]
	if !ok {
		e = &loyalty.Enrollment{CustomerID: customerID, BusinessID: businessID}
		m.enrollments[k] = e
	}
	return e
}

func (m *Memory) AddPoints(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertLocked(customerID, businessID)
	e.PointsBalance = e.PointsBalance.Add(delta)
	if delta.IsPositive() {
		e.TotalEarned = e.TotalEarned.Add(delta)
	}
	e.Version++
	return e.PointsBalance, nil
}

func (m *Memory) SetMultiplier(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, value decimal.Decimal, expiresAt time.Time, mode loyalty.StackingMode) (decimal.Decimal, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertLocked(customerID, businessID)
	now := time.Now()

	// Highest-wins keeps a still-active stronger multiplier in place.
	if mode == loyalty.StackingHighest &&
		!e.Multiplier.IsZero() && e.Multiplier.GreaterThan(value) &&
		(e.MultiplierExpiresAt == nil || now.Before(*e.MultiplierExpiresAt)) {
		return e.Multiplier, e.MultiplierExpiresAt, nil
	}

	e.Multiplier = value
	at := expiresAt
	e.MultiplierExpiresAt = &at
	e.Version++
	return e.Multiplier, e.MultiplierExpiresAt, nil
}

func (m *Memory) UnlockReward(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, rewardID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rewardKey{customerID, businessID, rewardID}
	if _, ok := m.rewards[k]; ok {
		return false, nil
	}
	m.rewards[k] = time.Now()
	return true, nil
}

func (m *Memory) AddTag(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertLocked(customerID, businessID)
	for _, t := range e.Tags {
		if t == tag {
			return false, nil
		}
	}
	e.Tags = append(e.Tags, tag)
	e.Version++
	return true, nil
}

func (m *Memory) RecordVisit(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertLocked(customerID, businessID)
	e.VisitCount++
	e.Version++
	return e.VisitCount, nil
}

func (m *Memory) RecordSpend(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.upsertLocked(customerID, businessID)
	e.TotalSpent = e.TotalSpent.Add(amount)
	e.Version++
	return e.TotalSpent, nil
}

// UnlockedRewards returns the reward ids unlocked for a customer
// (test/dev helper).
func (m *Memory) UnlockedRewards(customerID loyalty.CustomerID, businessID loyalty.BusinessID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for k := range m.rewards {
		if k.Customer == customerID && k.Business == businessID {
			ids = append(ids, k.Reward)
		}
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// CHOICES
// =============================================================================

func (m *Memory) CreateChoice(_ context.Context, choice loyalty.PendingChoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := choice
	m.choices[choice.ID] = &copied
	return nil
}

func (m *Memory) GetChoice(_ context.Context, id loyalty.ChoiceID) (*loyalty.PendingChoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.choices[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (m *Memory) ListPendingChoices(_ context.Context, customerID loyalty.CustomerID, businessID loyalty.BusinessID, now time.Time) ([]loyalty.PendingChoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []loyalty.PendingChoice
	for _, c := range m.choices {
		if c.CustomerID != customerID || c.BusinessID != businessID {
			continue
		}
		if c.Status != loyalty.ChoicePending || c.ExpiredAt(now) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TransitionChoice(_ context.Context, id loyalty.ChoiceID, to loyalty.ChoiceStatus, claim *loyalty.ClaimRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.choices[id]
	if !ok || c.Status != loyalty.ChoicePending {
		return false, nil
	}

	c.Status = to
	if to == loyalty.ChoiceClaimed && claim != nil {
		idx := claim.GroupIndex
		at := claim.At
		c.ClaimedGroupIndex = &idx
		c.ClaimedLocationID = claim.LocationID
		c.ClaimedAt = &at
	}
	return true, nil
}

func (m *Memory) SetAwardsGiven(_ context.Context, id loyalty.ChoiceID, results []loyalty.AppliedAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.choices[id]
	if !ok {
		return loyalty.ErrChoiceNotFound
	}
	c.AwardsGiven = append([]loyalty.AppliedAward(nil), results...)
	return nil
}

func (m *Memory) ExpireDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, c := range m.choices {
		if c.Status == loyalty.ChoicePending && c.ExpiredAt(now) {
			c.Status = loyalty.ChoiceExpired
			count++
		}
	}
	return count, nil
}

// =============================================================================
// AWARD LOG
// =============================================================================

func (m *Memory) GetApplied(_ context.Context, sourceKey string) ([]loyalty.AppliedAward, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results, ok := m.applied[sourceKey]
	if !ok {
		return nil, false, nil
	}
	return append([]loyalty.AppliedAward(nil), results...), true, nil
}

func (m *Memory) RecordApplied(_ context.Context, sourceKey string, _ loyalty.CustomerID, _ loyalty.BusinessID, results []loyalty.AppliedAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[sourceKey]; ok {
		return loyalty.ErrConcurrentModification
	}
	m.applied[sourceKey] = append([]loyalty.AppliedAward(nil), results...)
	return nil
}

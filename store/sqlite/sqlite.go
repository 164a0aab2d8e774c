/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements loyalty.Store using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  rules:            Rule configuration (trigger kind, conditions, award
                    template)
  enrollments:      Per customer x business loyalty state (points,
                    multiplier, totals, version counter)
  pending_choices:  Durable unresolved award choices; never deleted
  customer_rewards: Unlocked rewards, unique per (customer, business,
                    reward) - enforces idempotent unlock
  customer_tags:    Customer tag set, unique per tag
  award_log:        Applied-award results keyed by originating
                    trigger/choice id - the idempotency record

CLAIM COMPARE-AND-SWAP:
  TransitionChoice is a conditional UPDATE with "WHERE status='pending'"
  and a rows-affected check. Two concurrent claims on the same choice
  resolve to exactly one winner; the loser's UPDATE touches zero rows.
  The winner's transition, award application, and awards_given write all
  run inside one WithTx database transaction.

ENROLLMENT VERSIONING:
  Point balances are decimals stored as TEXT, so increments are
  read-modify-write guarded by "WHERE version = ?". A conflicting write
  surfaces loyalty.ErrConcurrentModification instead of losing an update.

CONCURRENCY:
  A process-level mutex serializes writers; WithTx holds it for the whole
  transaction and hands callers an inner store bound to the open
  transaction, so tx-scoped calls never touch the mutex again. SQLite is
  opened in WAL mode so readers don't block.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.New(store, loyalty.Config{}, notifier)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/voyageworks/loyalty-engine/loyalty"
)

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rule definitions
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name TEXT NOT NULL,
		icon TEXT,
		trigger_kind TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_business_trigger
		ON rules(business_id, trigger_kind, active);

	-- Enrollments (customer x business loyalty state)
	CREATE TABLE IF NOT EXISTS enrollments (
		customer_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		points_balance TEXT NOT NULL DEFAULT '0',
		multiplier TEXT NOT NULL DEFAULT '0',
		multiplier_expires_at TEXT,
		total_earned TEXT NOT NULL DEFAULT '0',
		total_spent TEXT NOT NULL DEFAULT '0',
		visit_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (customer_id, business_id)
	);

	-- Pending award choices. Never deleted; terminal rows stay for audit.
	CREATE TABLE IF NOT EXISTS pending_choices (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_trigger_id TEXT,
		rule_name TEXT,
		rule_icon TEXT,
		award_options TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'claimed', 'expired', 'cancelled')),
		claimed_group_index INTEGER,
		claimed_location_id TEXT,
		claimed_at TEXT,
		awards_given TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_choices_customer_business
		ON pending_choices(customer_id, business_id, status);
	CREATE INDEX IF NOT EXISTS idx_choices_expiry
		ON pending_choices(status, expires_at)
		WHERE status = 'pending' AND expires_at IS NOT NULL;

	-- Unlocked rewards. The primary key makes re-grants no-ops.
	CREATE TABLE IF NOT EXISTS customer_rewards (
		customer_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		unlocked_at TEXT NOT NULL,
		PRIMARY KEY (customer_id, business_id, reward_id)
	);

	-- Customer tags (set semantics via the primary key)
	CREATE TABLE IF NOT EXISTS customer_tags (
		customer_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (customer_id, business_id, tag)
	);

	-- Applied-award log: idempotency record per trigger/choice source
	CREATE TABLE IF NOT EXISTS award_log (
		source_key TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		results_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_award_log_customer
		ON award_log(customer_id, business_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The inner store runs
// against the transaction without re-acquiring the store mutex.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every operation through the open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	// Already inside a transaction; nesting joins it.
	return fn(ts)
}

func (ts *txStore) ActiveRules(ctx context.Context, businessID loyalty.BusinessID, kind loyalty.TriggerKind) ([]loyalty.Rule, error) {
	return activeRules(ctx, ts.q, businessID, kind)
}
func (ts *txStore) GetRule(ctx context.Context, id loyalty.RuleID) (*loyalty.Rule, error) {
	return getRule(ctx, ts.q, id)
}
func (ts *txStore) GetEnrollment(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID) (*loyalty.Enrollment, error) {
	return getEnrollment(ctx, ts.q, c, b)
}
func (ts *txStore) AddPoints(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, delta decimal.Decimal) (decimal.Decimal, error) {
	return addPoints(ctx, ts.q, c, b, delta)
}
func (ts *txStore) SetMultiplier(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, value decimal.Decimal, expiresAt time.Time, mode loyalty.StackingMode) (decimal.Decimal, *time.Time, error) {
	return setMultiplier(ctx, ts.q, c, b, value, expiresAt, mode)
}
func (ts *txStore) UnlockReward(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, rewardID string) (bool, error) {
	return unlockReward(ctx, ts.q, c, b, rewardID)
}
func (ts *txStore) AddTag(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, tag string) (bool, error) {
	return addTag(ctx, ts.q, c, b, tag)
}
func (ts *txStore) RecordVisit(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID) (int, error) {
	return recordVisit(ctx, ts.q, c, b)
}
func (ts *txStore) RecordSpend(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, amount decimal.Decimal) (decimal.Decimal, error) {
	return recordSpend(ctx, ts.q, c, b, amount)
}
func (ts *txStore) CreateChoice(ctx context.Context, choice loyalty.PendingChoice) error {
	return createChoice(ctx, ts.q, choice)
}
func (ts *txStore) GetChoice(ctx context.Context, id loyalty.ChoiceID) (*loyalty.PendingChoice, error) {
	return getChoice(ctx, ts.q, id)
}
func (ts *txStore) ListPendingChoices(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, now time.Time) ([]loyalty.PendingChoice, error) {
	return listPendingChoices(ctx, ts.q, c, b, now)
}
func (ts *txStore) TransitionChoice(ctx context.Context, id loyalty.ChoiceID, to loyalty.ChoiceStatus, claim *loyalty.ClaimRecord) (bool, error) {
	return transitionChoice(ctx, ts.q, id, to, claim)
}
func (ts *txStore) SetAwardsGiven(ctx context.Context, id loyalty.ChoiceID, results []loyalty.AppliedAward) error {
	return setAwardsGiven(ctx, ts.q, id, results)
}
func (ts *txStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	return expireDue(ctx, ts.q, now)
}
func (ts *txStore) GetApplied(ctx context.Context, sourceKey string) ([]loyalty.AppliedAward, bool, error) {
	return getApplied(ctx, ts.q, sourceKey)
}
func (ts *txStore) RecordApplied(ctx context.Context, sourceKey string, c loyalty.CustomerID, b loyalty.BusinessID, results []loyalty.AppliedAward) error {
	return recordApplied(ctx, ts.q, sourceKey, c, b, results)
}

// =============================================================================
// RULE STORE
// =============================================================================

// ruleConfig is the stored shape of a rule's conditions and template.
type ruleConfig struct {
	Conditions          loyalty.Conditions   `json:"conditions"`
	Groups              []loyalty.AwardGroup `json:"groups"`
	ChoiceWindowSeconds *int64               `json:"choice_window_seconds,omitempty"`
}

// SaveRule stores a rule definition (used by the admin API).
func (s *Store) SaveRule(ctx context.Context, rule loyalty.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := ruleConfig{Conditions: rule.Conditions, Groups: rule.Groups}
	if rule.ChoiceWindow != nil {
		secs := int64(*rule.ChoiceWindow / time.Second)
		cfg.ChoiceWindowSeconds = &secs
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode rule config: %w", err)
	}

	query := `
		INSERT INTO rules (id, business_id, name, icon, trigger_kind, active, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			icon = excluded.icon,
			trigger_kind = excluded.trigger_kind,
			active = excluded.active,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.BusinessID, rule.Name, rule.Icon, rule.Trigger,
		rule.Active, string(configJSON), now, now,
	)
	return err
}

// ActiveRules returns active rules for the business and trigger kind.
func (s *Store) ActiveRules(ctx context.Context, businessID loyalty.BusinessID, kind loyalty.TriggerKind) ([]loyalty.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeRules(ctx, s.db, businessID, kind)
}

// GetRule retrieves a rule by ID. Returns nil if not found.
func (s *Store) GetRule(ctx context.Context, id loyalty.RuleID) (*loyalty.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getRule(ctx, s.db, id)
}

// ListRules returns all rules for a business (admin view).
func (s *Store) ListRules(ctx context.Context, businessID loyalty.BusinessID) ([]loyalty.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, business_id, name, icon, trigger_kind, active, config_json
		FROM rules
		WHERE business_id = ?
		ORDER BY name
	`
	return queryRules(ctx, s.db, query, businessID)
}

func activeRules(ctx context.Context, q querier, businessID loyalty.BusinessID, kind loyalty.TriggerKind) ([]loyalty.Rule, error) {
	query := `
		SELECT id, business_id, name, icon, trigger_kind, active, config_json
		FROM rules
		WHERE business_id = ? AND trigger_kind = ? AND active = TRUE
		ORDER BY id
	`
	return queryRules(ctx, q, query, businessID, kind)
}

func getRule(ctx context.Context, q querier, id loyalty.RuleID) (*loyalty.Rule, error) {
	query := `
		SELECT id, business_id, name, icon, trigger_kind, active, config_json
		FROM rules
		WHERE id = ?
	`
	rules, err := queryRules(ctx, q, query, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

func queryRules(ctx context.Context, q querier, query string, args ...any) ([]loyalty.Rule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []loyalty.Rule
	for rows.Next() {
		var (
			rule       loyalty.Rule
			icon       sql.NullString
			configJSON string
		)
		if err := rows.Scan(&rule.ID, &rule.BusinessID, &rule.Name, &icon,
			&rule.Trigger, &rule.Active, &configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Icon = icon.String

		var cfg ruleConfig
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode rule %s config: %w", rule.ID, err)
		}
		rule.Conditions = cfg.Conditions
		rule.Groups = cfg.Groups
		if cfg.ChoiceWindowSeconds != nil {
			d := time.Duration(*cfg.ChoiceWindowSeconds) * time.Second
			rule.ChoiceWindow = &d
		}

		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

func (s *Store) GetEnrollment(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID) (*loyalty.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getEnrollment(ctx, s.db, c, b)
}

func (s *Store) AddPoints(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addPoints(ctx, s.db, c, b, delta)
}

func (s *Store) SetMultiplier(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, value decimal.Decimal, expiresAt time.Time, mode loyalty.StackingMode) (decimal.Decimal, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setMultiplier(ctx, s.db, c, b, value, expiresAt, mode)
}

func (s *Store) UnlockReward(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, rewardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unlockReward(ctx, s.db, c, b, rewardID)
}

func (s *Store) AddTag(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addTag(ctx, s.db, c, b, tag)
}

func (s *Store) RecordVisit(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordVisit(ctx, s.db, c, b)
}

func (s *Store) RecordSpend(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordSpend(ctx, s.db, c, b, amount)
}

func getEnrollment(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID) (*loyalty.Enrollment, error) {
	var (
		e                 loyalty.Enrollment
		balance           string
		multiplier        string
		multiplierExpires sql.NullString
		totalEarned       string
		totalSpent        string
	)

	err := q.QueryRowContext(ctx, `
		SELECT customer_id, business_id, points_balance, multiplier, multiplier_expires_at,
		       total_earned, total_spent, visit_count, version
		FROM enrollments
		WHERE customer_id = ? AND business_id = ?`,
		c, b,
	).Scan(&e.CustomerID, &e.BusinessID, &balance, &multiplier, &multiplierExpires,
		&totalEarned, &totalSpent, &e.VisitCount, &e.Version)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}

	e.PointsBalance = mustDecimal(balance)
	e.Multiplier = mustDecimal(multiplier)
	e.TotalEarned = mustDecimal(totalEarned)
	e.TotalSpent = mustDecimal(totalSpent)
	if multiplierExpires.Valid {
		t, _ := time.Parse(time.RFC3339, multiplierExpires.String)
		e.MultiplierExpiresAt = &t
	}

	tags, err := loadTags(ctx, q, c, b)
	if err != nil {
		return nil, err
	}
	e.Tags = tags

	return &e, nil
}

func loadTags(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT tag FROM customer_tags WHERE customer_id = ? AND business_id = ? ORDER BY tag",
		c, b)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ensureEnrollment creates the enrollment row if it doesn't exist yet.
func ensureEnrollment(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, `
		INSERT INTO enrollments (customer_id, business_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id, business_id) DO NOTHING`,
		c, b, now, now)
	return err
}

// mutateEnrollment runs a versioned read-modify-write on one enrollment
// row. fn receives the current row and returns the column updates.
func mutateEnrollment(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID,
	fn func(e *loyalty.Enrollment) map[string]any) (*loyalty.Enrollment, error) {

	if err := ensureEnrollment(ctx, q, c, b); err != nil {
		return nil, err
	}

	e, err := getEnrollment(ctx, q, c, b)
	if err != nil {
		return nil, err
	}

	updates := fn(e)
	sets := make([]string, 0, len(updates)+2)
	args := make([]any, 0, len(updates)+4)
	for col, val := range updates {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), c, b, e.Version)

	res, err := q.ExecContext(ctx,
		"UPDATE enrollments SET "+strings.Join(sets, ", ")+
			" WHERE customer_id = ? AND business_id = ? AND version = ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, loyalty.ErrConcurrentModification
	}

	e.Version++
	return e, nil
}

func addPoints(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, delta decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	_, err := mutateEnrollment(ctx, q, c, b, func(e *loyalty.Enrollment) map[string]any {
		newBalance = e.PointsBalance.Add(delta)
		updates := map[string]any{"points_balance": newBalance.String()}
		if delta.IsPositive() {
			updates["total_earned"] = e.TotalEarned.Add(delta).String()
		}
		return updates
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

func setMultiplier(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, value decimal.Decimal, expiresAt time.Time, mode loyalty.StackingMode) (decimal.Decimal, *time.Time, error) {
	var (
		effective decimal.Decimal
		expiry    *time.Time
	)
	now := time.Now()

	_, err := mutateEnrollment(ctx, q, c, b, func(e *loyalty.Enrollment) map[string]any {
		// Highest-wins keeps a still-active stronger multiplier in place.
		if mode == loyalty.StackingHighest &&
			!e.Multiplier.IsZero() && e.Multiplier.GreaterThan(value) &&
			(e.MultiplierExpiresAt == nil || now.Before(*e.MultiplierExpiresAt)) {
			effective = e.Multiplier
			expiry = e.MultiplierExpiresAt
			return map[string]any{}
		}

		effective = value
		at := expiresAt
		expiry = &at
		return map[string]any{
			"multiplier":            value.String(),
			"multiplier_expires_at": expiresAt.UTC().Format(time.RFC3339),
		}
	})
	if err != nil {
		return decimal.Zero, nil, err
	}
	return effective, expiry, nil
}

func unlockReward(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, rewardID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO customer_rewards (customer_id, business_id, reward_id, unlocked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id, business_id, reward_id) DO NOTHING`,
		c, b, rewardID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to unlock reward: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func addTag(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, tag string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO customer_tags (customer_id, business_id, tag, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id, business_id, tag) DO NOTHING`,
		c, b, tag, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to add tag: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func recordVisit(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID) (int, error) {
	var count int
	_, err := mutateEnrollment(ctx, q, c, b, func(e *loyalty.Enrollment) map[string]any {
		count = e.VisitCount + 1
		return map[string]any{"visit_count": count}
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func recordSpend(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, amount decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	_, err := mutateEnrollment(ctx, q, c, b, func(e *loyalty.Enrollment) map[string]any {
		total = e.TotalSpent.Add(amount)
		return map[string]any{"total_spent": total.String()}
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// UnlockedRewards returns the reward ids unlocked for a customer.
func (s *Store) UnlockedRewards(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT reward_id FROM customer_rewards WHERE customer_id = ? AND business_id = ? ORDER BY reward_id",
		c, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// CHOICE STORE
// =============================================================================

func (s *Store) CreateChoice(ctx context.Context, choice loyalty.PendingChoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createChoice(ctx, s.db, choice)
}

func (s *Store) GetChoice(ctx context.Context, id loyalty.ChoiceID) (*loyalty.PendingChoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getChoice(ctx, s.db, id)
}

func (s *Store) ListPendingChoices(ctx context.Context, c loyalty.CustomerID, b loyalty.BusinessID, now time.Time) ([]loyalty.PendingChoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listPendingChoices(ctx, s.db, c, b, now)
}

func (s *Store) TransitionChoice(ctx context.Context, id loyalty.ChoiceID, to loyalty.ChoiceStatus, claim *loyalty.ClaimRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionChoice(ctx, s.db, id, to, claim)
}

func (s *Store) SetAwardsGiven(ctx context.Context, id loyalty.ChoiceID, results []loyalty.AppliedAward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setAwardsGiven(ctx, s.db, id, results)
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expireDue(ctx, s.db, now)
}

func createChoice(ctx context.Context, q querier, choice loyalty.PendingChoice) error {
	optionsJSON, err := json.Marshal(choice.Options)
	if err != nil {
		return fmt.Errorf("failed to encode award options: %w", err)
	}

	var expiresAt *string
	if choice.ExpiresAt != nil {
		t := choice.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &t
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO pending_choices
		(id, customer_id, business_id, rule_id, rule_trigger_id, rule_name, rule_icon,
		 award_options, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		choice.ID, choice.CustomerID, choice.BusinessID, choice.RuleID,
		choice.RuleTriggerID, choice.RuleName, choice.RuleIcon,
		string(optionsJSON), choice.Status,
		choice.CreatedAt.UTC().Format(time.RFC3339), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create choice: %w", err)
	}
	return nil
}

const choiceColumns = `
	id, customer_id, business_id, rule_id, rule_trigger_id, rule_name, rule_icon,
	award_options, status, claimed_group_index, claimed_location_id, claimed_at,
	awards_given, created_at, expires_at
`

func getChoice(ctx context.Context, q querier, id loyalty.ChoiceID) (*loyalty.PendingChoice, error) {
	choices, err := queryChoices(ctx, q,
		"SELECT "+choiceColumns+" FROM pending_choices WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(choices) == 0 {
		return nil, nil
	}
	return &choices[0], nil
}

func listPendingChoices(ctx context.Context, q querier, c loyalty.CustomerID, b loyalty.BusinessID, now time.Time) ([]loyalty.PendingChoice, error) {
	query := "SELECT " + choiceColumns + ` FROM pending_choices
		WHERE customer_id = ? AND business_id = ? AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`

	return queryChoices(ctx, q, query, c, b, now.UTC().Format(time.RFC3339))
}

func queryChoices(ctx context.Context, q querier, query string, args ...any) ([]loyalty.PendingChoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query choices: %w", err)
	}
	defer rows.Close()

	var choices []loyalty.PendingChoice
	for rows.Next() {
		choice, err := scanChoice(rows)
		if err != nil {
			return nil, err
		}
		choices = append(choices, choice)
	}
	return choices, rows.Err()
}

func scanChoice(rows *sql.Rows) (loyalty.PendingChoice, error) {
	var (
		c                 loyalty.PendingChoice
		ruleTriggerID     sql.NullString
		ruleName          sql.NullString
		ruleIcon          sql.NullString
		optionsJSON       string
		claimedGroupIndex sql.NullInt64
		claimedLocationID sql.NullString
		claimedAt         sql.NullString
		awardsGiven       sql.NullString
		createdAt         string
		expiresAt         sql.NullString
	)

	err := rows.Scan(&c.ID, &c.CustomerID, &c.BusinessID, &c.RuleID,
		&ruleTriggerID, &ruleName, &ruleIcon, &optionsJSON, &c.Status,
		&claimedGroupIndex, &claimedLocationID, &claimedAt, &awardsGiven,
		&createdAt, &expiresAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan choice: %w", err)
	}

	c.RuleTriggerID = ruleTriggerID.String
	c.RuleName = ruleName.String
	c.RuleIcon = ruleIcon.String

	if err := json.Unmarshal([]byte(optionsJSON), &c.Options); err != nil {
		return c, fmt.Errorf("failed to decode award options for choice %s: %w", c.ID, err)
	}

	if claimedGroupIndex.Valid {
		idx := int(claimedGroupIndex.Int64)
		c.ClaimedGroupIndex = &idx
	}
	if claimedLocationID.Valid {
		loc := loyalty.LocationID(claimedLocationID.String)
		c.ClaimedLocationID = &loc
	}
	if claimedAt.Valid {
		t, _ := time.Parse(time.RFC3339, claimedAt.String)
		c.ClaimedAt = &t
	}
	if awardsGiven.Valid && awardsGiven.String != "" {
		if err := json.Unmarshal([]byte(awardsGiven.String), &c.AwardsGiven); err != nil {
			return c, fmt.Errorf("failed to decode awards_given for choice %s: %w", c.ID, err)
		}
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		c.ExpiresAt = &t
	}

	return c, nil
}

// transitionChoice is the compare-and-swap: the UPDATE only matches rows
// still in 'pending', so exactly one concurrent transition wins.
func transitionChoice(ctx context.Context, q querier, id loyalty.ChoiceID, to loyalty.ChoiceStatus, claim *loyalty.ClaimRecord) (bool, error) {
	var (
		res sql.Result
		err error
	)

	if to == loyalty.ChoiceClaimed {
		if claim == nil {
			return false, fmt.Errorf("claim record required for claimed transition")
		}
		var locationID *string
		if claim.LocationID != nil {
			l := string(*claim.LocationID)
			locationID = &l
		}
		res, err = q.ExecContext(ctx, `
			UPDATE pending_choices
			SET status = 'claimed', claimed_group_index = ?, claimed_location_id = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending'`,
			claim.GroupIndex, locationID, claim.At.UTC().Format(time.RFC3339), id)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE pending_choices
			SET status = ?
			WHERE id = ? AND status = 'pending'`,
			to, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition choice: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func setAwardsGiven(ctx context.Context, q querier, id loyalty.ChoiceID, results []loyalty.AppliedAward) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode awards_given: %w", err)
	}

	_, err = q.ExecContext(ctx,
		"UPDATE pending_choices SET awards_given = ? WHERE id = ?",
		string(resultsJSON), id)
	if err != nil {
		return fmt.Errorf("failed to set awards_given: %w", err)
	}
	return nil
}

func expireDue(ctx context.Context, q querier, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE pending_choices
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to expire choices: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// =============================================================================
// AWARD LOG
// =============================================================================

func (s *Store) GetApplied(ctx context.Context, sourceKey string) ([]loyalty.AppliedAward, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getApplied(ctx, s.db, sourceKey)
}

func (s *Store) RecordApplied(ctx context.Context, sourceKey string, c loyalty.CustomerID, b loyalty.BusinessID, results []loyalty.AppliedAward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordApplied(ctx, s.db, sourceKey, c, b, results)
}

func getApplied(ctx context.Context, q querier, sourceKey string) ([]loyalty.AppliedAward, bool, error) {
	var resultsJSON string
	err := q.QueryRowContext(ctx,
		"SELECT results_json FROM award_log WHERE source_key = ?",
		sourceKey,
	).Scan(&resultsJSON)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load award log: %w", err)
	}

	var results []loyalty.AppliedAward
	if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
		return nil, false, fmt.Errorf("failed to decode award log: %w", err)
	}
	return results, true, nil
}

func recordApplied(ctx context.Context, q querier, sourceKey string, c loyalty.CustomerID, b loyalty.BusinessID, results []loyalty.AppliedAward) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode award log: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO award_log (source_key, customer_id, business_id, results_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sourceKey, c, b, string(resultsJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrConcurrentModification
		}
		return fmt.Errorf("failed to record award log: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"award_log", "customer_tags", "customer_rewards", "pending_choices", "enrollments", "rules"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

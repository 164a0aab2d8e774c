/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer translates these into structured HTTP responses.

ERROR CATEGORIES:
  1. Configuration errors - malformed rules/templates (logged, rule
     skipped, never surfaced to the triggering caller)
  2. Not-found errors - unknown choice/enrollment/rule
  3. Authorization errors - claiming another customer's choice
  4. State-conflict errors - already claimed/expired, lost claim race
  5. Expiry errors - claim past the choice window

USAGE:
  if errors.Is(err, loyalty.ErrChoiceResolved) {
      // someone already claimed this
  }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrChoiceNotFound is returned when a referenced choice doesn't exist.
	ErrChoiceNotFound = errors.New("pending choice not found")

	// ErrEnrollmentNotFound is returned when a customer has no enrollment
	// at the business.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrChoiceForbidden is returned when a customer attempts to claim a
	// choice that belongs to someone else. Handlers must not leak whether
	// the choice exists.
	ErrChoiceForbidden = errors.New("choice belongs to another customer")

	// ErrChoiceResolved is returned when the choice is no longer pending:
	// already claimed, expired, or cancelled. Distinct from not-found so
	// clients can show "someone already claimed this".
	ErrChoiceResolved = errors.New("choice already resolved")

	// ErrChoiceExpired is returned when a claim arrives past the choice
	// window. Distinct from ErrChoiceResolved so the client can explain why.
	ErrChoiceExpired = errors.New("choice expired")

	// ErrInvalidSelection is returned when the selected group index is out
	// of range for the choice's options.
	ErrInvalidSelection = errors.New("selected group index out of range")

	// ErrRuleMisconfigured is returned for malformed rule conditions or
	// award templates. Evaluation skips the offending rule (fail-open).
	ErrRuleMisconfigured = errors.New("rule misconfigured")

	// ErrInvalidTrigger is returned for malformed trigger events.
	ErrInvalidTrigger = errors.New("invalid trigger event")

	// ErrConcurrentModification is returned when a compare-and-swap write
	// detects a conflicting update.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ChoiceStateError reports a claim attempt against a choice that has
// already reached a terminal state.
type ChoiceStateError struct {
	ChoiceID ChoiceID
	Status   ChoiceStatus
}

func (e *ChoiceStateError) Error() string {
	return fmt.Sprintf("choice %s already resolved: status=%s", e.ChoiceID, e.Status)
}

func (e *ChoiceStateError) Unwrap() error {
	if e.Status == ChoiceExpired {
		return ErrChoiceExpired
	}
	return ErrChoiceResolved
}

// SelectionError reports an out-of-range group selection.
type SelectionError struct {
	ChoiceID ChoiceID
	Index    int
	Options  int
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("choice %s: group index %d out of range (%d options)",
		e.ChoiceID, e.Index, e.Options)
}

func (e *SelectionError) Unwrap() error { return ErrInvalidSelection }

// RuleConfigError reports a malformed rule condition or award template.
type RuleConfigError struct {
	RuleID RuleID
	Reason string
}

func (e *RuleConfigError) Error() string {
	if e.RuleID == "" {
		return "rule misconfigured: " + e.Reason
	}
	return fmt.Sprintf("rule %s misconfigured: %s", e.RuleID, e.Reason)
}

func (e *RuleConfigError) Unwrap() error { return ErrRuleMisconfigured }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChoiceNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsConflict returns true if the error indicates the choice state moved
// underneath the caller (already resolved or lost claim race).
func IsConflict(err error) bool {
	return errors.Is(err, ErrChoiceResolved) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSelection) ||
		errors.Is(err, ErrInvalidTrigger)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the award resolution and claim engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain
  logic.

ENDPOINTS:
  Triggers:
    POST   /api/triggers                          Record a trigger event

  Customers:
    GET    /api/customers/{id}/choices            List pending choices
    GET    /api/customers/{id}/enrollment         Enrollment snapshot

  Choices:
    POST   /api/choices/{id}/claim                Claim a pending choice
    GET    /api/choices/{id}                      Inspect a choice

  Admin:
    GET    /api/admin/rules                       List rules
    POST   /api/admin/rules                       Create/update a rule
    POST   /api/admin/choices/{id}/cancel         Cancel a pending choice
    POST   /api/admin/expire                      Run the expiration sweep

  Dev:
    POST   /api/reset                             Database reset

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Engine: Award resolution and claim logic
  - RuleFactory: JSON to Rule conversion

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, out-of-range selection
  - 403: Choice belongs to a different customer
  - 404: Choice/enrollment/rule not found
  - 409: Choice already resolved (claimed/cancelled)
  - 410: Choice expired
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The customer_id in the
  claim body stands in for an authenticated principal.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/voyageworks/loyalty-engine/factory"
	"github.com/voyageworks/loyalty-engine/loyalty"
	"github.com/voyageworks/loyalty-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Engine      *loyalty.Engine
	RuleFactory *factory.RuleFactory
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, engine *loyalty.Engine) *Handler {
	return &Handler{
		Store:       store,
		Engine:      engine,
		RuleFactory: factory.NewRuleFactory(),
	}
}

// =============================================================================
// TRIGGER HANDLERS
// =============================================================================

// RecordTrigger records a trigger event and returns what it produced.
// POST /api/triggers
func (h *Handler) RecordTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev := loyalty.TriggerEvent{
		ID:         req.EventID,
		Kind:       loyalty.TriggerKind(req.Kind),
		CustomerID: loyalty.CustomerID(req.CustomerID),
		BusinessID: loyalty.BusinessID(req.BusinessID),
		VoyageID:   req.VoyageID,
		StepID:     req.StepID,
	}
	if req.Amount != 0 {
		ev.Amount = decimal.NewFromFloat(req.Amount)
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use RFC3339)", err)
			return
		}
		ev.OccurredAt = t
	}

	result, err := h.Engine.RecordTrigger(r.Context(), ev)
	if err != nil {
		writeDomainError(w, "Failed to record trigger", err)
		return
	}

	resp := TriggerResponseDTO{TriggerID: result.TriggerID, Outcomes: []OutcomeDTO{}}
	for _, outcome := range result.Outcomes {
		dto := OutcomeDTO{
			RuleID:   string(outcome.RuleID),
			RuleName: outcome.RuleName,
		}
		if outcome.Immediate != nil {
			dto.Immediate = toAppliedAwardDTOs(outcome.Immediate)
		}
		if outcome.Choice != nil {
			c := toChoiceDTO(*outcome.Choice)
			dto.Choice = &c
		}
		resp.Outcomes = append(resp.Outcomes, dto)
	}

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListChoices returns the customer's pending, non-expired choices.
// GET /api/customers/{id}/choices?business_id=...
func (h *Handler) ListChoices(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))
	businessID := loyalty.BusinessID(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "business_id query parameter is required", nil)
		return
	}

	choices, err := h.Engine.ListPendingChoices(r.Context(), customerID, businessID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list choices", err)
		return
	}

	dtos := make([]ChoiceDTO, len(choices))
	for i, c := range choices {
		dtos[i] = toChoiceDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEnrollment returns the customer's loyalty state at a business.
// GET /api/customers/{id}/enrollment?business_id=...
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))
	businessID := loyalty.BusinessID(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "business_id query parameter is required", nil)
		return
	}

	enrollment, err := h.Engine.GetEnrollment(r.Context(), customerID, businessID)
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}

	rewards, err := h.Store.UnlockedRewards(r.Context(), customerID, businessID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get unlocked rewards", err)
		return
	}

	writeJSON(w, http.StatusOK, toEnrollmentDTO(enrollment, rewards, time.Now()))
}

// =============================================================================
// CHOICE HANDLERS
// =============================================================================

// GetChoice returns one choice by id, whatever its status.
// GET /api/choices/{id}
func (h *Handler) GetChoice(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ChoiceID(chi.URLParam(r, "id"))

	choice, err := h.Store.GetChoice(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get choice", err)
		return
	}
	if choice == nil {
		writeError(w, http.StatusNotFound, "Choice not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toChoiceDTO(*choice))
}

// ClaimChoice resolves a pending choice with the customer's selection.
// POST /api/choices/{id}/claim
func (h *Handler) ClaimChoice(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ChoiceID(chi.URLParam(r, "id"))

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return
	}

	results, err := h.Engine.ClaimChoice(r.Context(), id, loyalty.CustomerID(req.CustomerID), req.GroupIndex)
	if err != nil {
		writeDomainError(w, "Failed to claim choice", err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponseDTO{
		ChoiceID:    string(id),
		AwardsGiven: toAppliedAwardDTOs(results),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListRules returns all rules for a business.
// GET /api/admin/rules?business_id=...
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	businessID := loyalty.BusinessID(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "business_id query parameter is required", nil)
		return
	}

	rules, err := h.Store.ListRules(r.Context(), businessID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i := range rules {
		dtos[i] = RuleDTO{
			ID:     string(rules[i].ID),
			Name:   rules[i].Name,
			Config: h.RuleFactory.ToJSON(&rules[i]),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule creates or updates a rule from its JSON config.
// POST /api/admin/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.RuleFactory.FromJSON(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule config", err)
		return
	}

	if err := h.Store.SaveRule(r.Context(), *rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}

	writeJSON(w, http.StatusCreated, RuleDTO{
		ID:     string(rule.ID),
		Name:   rule.Name,
		Config: h.RuleFactory.ToJSON(rule),
	})
}

// CancelChoice administratively cancels a pending choice.
// POST /api/admin/choices/{id}/cancel
func (h *Handler) CancelChoice(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ChoiceID(chi.URLParam(r, "id"))

	if err := h.Engine.CancelChoice(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to cancel choice", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"choice_id": string(id),
		"status":    string(loyalty.ChoiceCancelled),
	})
}

// ExpireChoices runs the expiration sweep immediately.
// POST /api/admin/expire
func (h *Handler) ExpireChoices(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.ExpireDue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to expire choices", err)
		return
	}

	writeJSON(w, http.StatusOK, ExpireResponseDTO{
		Expired: n,
		SweptAt: time.Now().Format(time.RFC3339),
	})
}

// ResetDatabase clears all data (dev only).
// POST /api/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, loyalty.ErrChoiceForbidden):
		writeError(w, http.StatusForbidden, message, err)
	case errors.Is(err, loyalty.ErrChoiceExpired):
		writeError(w, http.StatusGone, message, err)
	case loyalty.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case loyalty.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

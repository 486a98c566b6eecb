/**
 * @description
 * AuthorizationGate decides whether a sensitive action may proceed immediately or
 * needs a PIN, and records the outcome in the audit trail. Results are typed values;
 * the caller decides what to do next.
 *
 * @notes
 * - A pending authorization survives wrong PINs. It ends when approved, when the
 *   approver gets locked out, or when cancelled.
 * - Under blind closing, CASH_CLOSE_GAP payloads are returned without the expected
 *   balance and the gap. The stored payload keeps them for binding the close.
 */

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
)

type AuthorizationGate struct {
	repo         store.Repository
	pins         *PinAuthenticator
	audit        *AuditTrail
	blindClosing bool
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// SubmitResult is the typed result of a PIN submission against a pending request.
type SubmitResult struct {
	Outcome       domain.PINOutcome            `json:"outcome"`
	Authorization *domain.PendingAuthorization `json:"authorization"`
	AuditEntryID  *uuid.UUID                   `json:"audit_entry_id,omitempty"`
}

func NewAuthorizationGate(repo store.Repository, pins *PinAuthenticator, audit *AuditTrail, blindClosing bool, logger *slog.Logger, metrics *Metrics) *AuthorizationGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationGate{
		repo:         repo,
		pins:         pins,
		audit:        audit,
		blindClosing: blindClosing,
		logger:       logger.With("component", "authorization_gate"),
		metrics:      metrics,
		now:          time.Now,
	}
}

// Authorize dispatches on the action kind. Without a risk threshold the action is
// approved and audited at once; otherwise a pending authorization is opened.
func (g *AuthorizationGate) Authorize(ctx context.Context, action domain.ActionContext) (*domain.Decision, error) {
	if err := validateActionContext(action); err != nil {
		return nil, err
	}

	if !action.ThresholdExceeded {
		entry, err := g.audit.Record(ctx, domain.AuditEntry{
			ActorID:          action.ActorID,
			ActionType:       action.ActionType,
			EntityType:       action.EntityType,
			EntityID:         action.EntityID,
			NewSnapshot:      action.Payload,
			Notes:            action.Notes,
			ApprovalRequired: false,
		})
		if err != nil {
			return nil, err
		}
		g.metrics.observeAuthorization(string(action.ActionType), "immediate")
		return &domain.Decision{Kind: domain.DecisionImmediate, Approved: true, AuditEntryID: &entry.ID}, nil
	}

	pending := domain.PendingAuthorization{
		ID:         uuid.New(),
		ActorID:    action.ActorID,
		ActionType: action.ActionType,
		EntityType: action.EntityType,
		EntityID:   action.EntityID,
		Notes:      action.Notes,
		Payload:    action.Payload,
		Status:     domain.PendingAwaitingPIN,
		CreatedAt:  g.now().UTC(),
	}
	if err := g.repo.CreatePendingAuthorization(ctx, &pending); err != nil {
		return nil, fmt.Errorf("create pending authorization: %w", err)
	}
	g.logger.Info("pin authorization requested",
		"pending_id", pending.ID,
		"action_type", pending.ActionType,
		"entity_type", pending.EntityType,
		"entity_id", pending.EntityID,
	)
	g.metrics.observeAuthorization(string(action.ActionType), "pending")
	return &domain.Decision{Kind: domain.DecisionPending, PendingID: &pending.ID}, nil
}

// SubmitPIN validates the approver's PIN against a pending request. approverID may be
// uuid.Nil, in which case the requesting actor must supply their own PIN.
func (g *AuthorizationGate) SubmitPIN(ctx context.Context, pendingID uuid.UUID, approverID uuid.UUID, rawPin string) (*SubmitResult, error) {
	pending, err := g.repo.GetPendingAuthorization(ctx, pendingID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if pending.Status != domain.PendingAwaitingPIN {
		return nil, conflict(fmt.Sprintf("authorization is %s", strings.ToLower(string(pending.Status))), nil)
	}
	if approverID == uuid.Nil {
		approverID = pending.ActorID
	}

	outcome, err := g.pins.Validate(ctx, approverID, rawPin)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Outcome: outcome, Authorization: g.present(pending)}
	switch outcome.Status {
	case domain.PINAuthorized:
		var entry *domain.AuditEntry
		if !pending.ActionType.CommitBound() {
			prepared, err := g.audit.prepare(domain.AuditEntry{
				ActorID:          pending.ActorID,
				ActionType:       pending.ActionType,
				EntityType:       pending.EntityType,
				EntityID:         pending.EntityID,
				NewSnapshot:      pending.Payload,
				Notes:            approvalNotes(pending.Notes, pending.ActorID, approverID),
				ApprovalRequired: true,
			})
			if err != nil {
				return nil, err
			}
			entry = &prepared
		}
		approved, err := g.repo.ApprovePendingAuthorization(ctx, pending.ID, approverID, g.now().UTC(), entry)
		if err != nil {
			return nil, translateStoreError(err)
		}
		result.Authorization = g.present(approved)
		if entry != nil {
			result.AuditEntryID = &entry.ID
		}
		g.logger.Info("pin authorization approved", "pending_id", pending.ID, "approver_id", approverID)
		g.metrics.observeAuthorization(string(pending.ActionType), "approved")

	case domain.PINLocked:
		locked, err := g.repo.ResolvePendingAuthorization(ctx, pending.ID, domain.PendingLockedOut, g.now().UTC())
		if err != nil && !errors.Is(err, store.ErrAuthorizationNotPending) {
			return nil, translateStoreError(err)
		}
		if locked != nil {
			result.Authorization = g.present(locked)
		}
		g.logger.Warn("pin authorization ended by lockout", "pending_id", pending.ID, "approver_id", approverID)
		g.metrics.observeAuthorization(string(pending.ActionType), "locked")

	default:
		g.metrics.observeAuthorization(string(pending.ActionType), "denied")
	}
	return result, nil
}

// Cancel abandons a pending request. Nothing guarded by it has been applied, so there
// is nothing to undo.
func (g *AuthorizationGate) Cancel(ctx context.Context, pendingID uuid.UUID, actorID uuid.UUID) (*domain.PendingAuthorization, error) {
	cancelled, err := g.repo.ResolvePendingAuthorization(ctx, pendingID, domain.PendingCancelled, g.now().UTC())
	if err != nil {
		return nil, translateStoreError(err)
	}
	g.logger.Info("pin authorization cancelled", "pending_id", pendingID, "actor_id", actorID)
	g.metrics.observeAuthorization(string(cancelled.ActionType), "cancelled")
	return g.present(cancelled), nil
}

func (g *AuthorizationGate) Get(ctx context.Context, pendingID uuid.UUID) (*domain.PendingAuthorization, error) {
	pending, err := g.repo.GetPendingAuthorization(ctx, pendingID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return g.present(pending), nil
}

// present returns the authorization as callers may see it. Under blind closing a gap
// request only echoes the closer's own declaration.
func (g *AuthorizationGate) present(pending *domain.PendingAuthorization) *domain.PendingAuthorization {
	if pending == nil || !g.blindClosing || pending.ActionType != domain.ActionCashCloseGap {
		return pending
	}
	shown := *pending
	shown.Payload = nil

	var payload domain.CloseGapPayload
	if err := json.Unmarshal(pending.Payload, &payload); err != nil {
		return &shown
	}
	raw, err := json.Marshal(domain.BlindCloseGapPayload{
		SessionID:         payload.SessionID,
		DeclaredCash:      payload.DeclaredCash,
		DeclaredCardTotal: payload.DeclaredCardTotal,
	})
	if err == nil {
		shown.Payload = raw
	}
	return &shown
}

func validateActionContext(action domain.ActionContext) error {
	if action.ActorID == uuid.Nil {
		return invalid("actor_id", "is required")
	}
	if !action.EntityType.Valid() {
		return invalid("entity_type", "is not a known entity")
	}
	if strings.TrimSpace(action.EntityID) == "" {
		return invalid("entity_id", "is required")
	}

	switch action.ActionType {
	case domain.ActionRefund:
		if action.EntityType != domain.EntityTransaction {
			return invalid("entity_type", "refunds apply to transactions")
		}
		var payload domain.RefundPayload
		if err := decodeActionPayload(action.Payload, &payload); err != nil {
			return err
		}
		if payload.Amount <= 0 {
			return invalid("payload.amount", "must be positive")
		}
	case domain.ActionDiscount:
		if action.EntityType != domain.EntityBudget {
			return invalid("entity_type", "discounts apply to budgets")
		}
		var payload domain.DiscountPayload
		if err := decodeActionPayload(action.Payload, &payload); err != nil {
			return err
		}
		if payload.Amount <= 0 || payload.Amount > payload.OriginalTotal {
			return invalid("payload.amount", "must be positive and not exceed the original total")
		}
	case domain.ActionBudgetOverride:
		if action.EntityType != domain.EntityBudget {
			return invalid("entity_type", "budget overrides apply to budgets")
		}
		var payload domain.BudgetOverridePayload
		if err := decodeActionPayload(action.Payload, &payload); err != nil {
			return err
		}
		if payload.NewTotal < 0 {
			return invalid("payload.new_total", "must not be negative")
		}
	case domain.ActionDelete, domain.ActionUpdate:
		if len(action.Payload) > 0 && !json.Valid(action.Payload) {
			return invalid("payload", "must be valid JSON")
		}
	case domain.ActionCashCloseGap:
		if action.EntityType != domain.EntityCashSession {
			return invalid("entity_type", "gap approvals apply to cash sessions")
		}
		if !action.ThresholdExceeded {
			return invalid("threshold_exceeded", "gap approvals always require a pin")
		}
		var payload domain.CloseGapPayload
		if err := decodeActionPayload(action.Payload, &payload); err != nil {
			return err
		}
	default:
		return invalid("action_type", "is not an authorizable action")
	}
	return nil
}

func decodeActionPayload(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalid("payload", "is required for this action")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return invalid("payload", err.Error())
	}
	return nil
}

func approvalNotes(notes *string, requesterID, approverID uuid.UUID) *string {
	var parts []string
	if notes != nil && strings.TrimSpace(*notes) != "" {
		parts = append(parts, strings.TrimSpace(*notes))
	}
	if approverID != requesterID {
		parts = append(parts, "approved by "+approverID.String())
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, "; ")
	return &joined
}

/**
 * @description
 * ReconciliationEngine computes the close-time gap of a cash session and commits the
 * close. A gap above the policy threshold needs an approved CASH_CLOSE_GAP
 * authorization bound to the exact declared figures; until then the session stays
 * OPEN and the caller receives ApprovalRequired.
 *
 * @dependencies
 * - internal/store: CloseCashSession runs the decision under a row lock.
 * - AuthorizationGate: opens the pending PIN challenge for a gap close.
 */

package app

import (
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

// Reconciliation is the pure result of comparing declared and calculated amounts.
type Reconciliation struct {
	CalculatedBalance int64 `json:"calculated_balance"`
	DeclaredTotal     int64 `json:"declared_total"`
	Gap               int64 `json:"gap"`
	AbsGap            int64 `json:"abs_gap"`
	RequiresApproval  bool  `json:"requires_approval"`
}

// Reconcile computes gap = declaredCash + declaredCard - calculated. Display policy
// has no input here. Inputs outside the cash range are a ValidationError, which keeps
// the arithmetic exact.
func Reconcile(calculated, declaredCash, declaredCard int64, policy domain.AuthorizationPolicy) (Reconciliation, error) {
	if !domain.WithinCashRange(calculated) {
		return Reconciliation{}, invalid("calculated_balance", "is outside the supported cash range")
	}
	declared, ok := domain.AddCash(declaredCash, declaredCard)
	if !ok {
		return Reconciliation{}, invalid("declared_total", "exceeds the supported cash range")
	}
	gap := declared - calculated
	abs := gap
	if abs < 0 {
		abs = -abs
	}
	return Reconciliation{
		CalculatedBalance: calculated,
		DeclaredTotal:     declared,
		Gap:               gap,
		AbsGap:            abs,
		RequiresApproval:  abs > policy.MaxDifferenceWithoutApproval,
	}, nil
}

// PolicyProvider resolves the authorization policy of a clinic scope.
type PolicyProvider interface {
	Policy(ctx context.Context, clinicScopeID uuid.UUID) (domain.AuthorizationPolicy, error)
}

// StaticPolicy applies one configured policy to every scope.
type StaticPolicy domain.AuthorizationPolicy

func (p StaticPolicy) Policy(context.Context, uuid.UUID) (domain.AuthorizationPolicy, error) {
	return domain.AuthorizationPolicy(p), nil
}

type CloseRequest struct {
	SessionID         uuid.UUID
	ActorID           uuid.UUID
	DeclaredCash      int64
	DeclaredCardTotal int64
	Observations      *string
	AuthorizationID   *uuid.UUID
}

type CloseResult struct {
	Session          *domain.CashSession `json:"session"`
	GapFound         int64               `json:"gap_found"`
	RequiresApproval bool                `json:"requires_approval"`
	ClosedAt         time.Time           `json:"closed_at"`
	AuditEntryID     uuid.UUID           `json:"audit_entry_id"`
}

type ReconciliationEngine struct {
	repo     store.Repository
	gate     *AuthorizationGate
	audit    *AuditTrail
	policies PolicyProvider
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewReconciliationEngine(repo store.Repository, gate *AuthorizationGate, audit *AuditTrail, policies PolicyProvider, logger *slog.Logger, metrics *Metrics) *ReconciliationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationEngine{
		repo:     repo,
		gate:     gate,
		audit:    audit,
		policies: policies,
		logger:   logger.With("component", "reconciliation_engine"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Close reconciles and closes a session. When approval is needed and no usable
// authorization was supplied it returns *ApprovalRequiredError and leaves the
// session untouched.
func (e *ReconciliationEngine) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	if req.ActorID == uuid.Nil {
		return nil, invalid("actor_id", "is required")
	}
	if req.DeclaredCash < 0 || req.DeclaredCash > domain.MaxCashAmount {
		return nil, invalid("declared_cash", "must be between zero and the supported cash range")
	}
	if req.DeclaredCardTotal < 0 || req.DeclaredCardTotal > domain.MaxCashAmount {
		return nil, invalid("declared_card_total", "must be between zero and the supported cash range")
	}

	session, err := e.repo.GetCashSession(ctx, req.SessionID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	policy, err := e.policies.Policy(ctx, session.ClinicScopeID)
	if err != nil {
		return nil, fmt.Errorf("resolve authorization policy: %w", err)
	}

	var supplied *domain.PendingAuthorization
	if req.AuthorizationID != nil {
		supplied, err = e.repo.GetPendingAuthorization(ctx, *req.AuthorizationID)
		if err != nil {
			return nil, translateStoreError(err)
		}
	}

	var (
		outcome      Reconciliation
		entry        domain.AuditEntry
		needApproval bool
	)
	closed, err := e.repo.CloseCashSession(ctx, req.SessionID, func(current domain.CashSession) (*store.CloseCommit, error) {
		if !current.IsOpen() {
			return nil, store.ErrCashSessionClosed
		}
		reconciled, err := Reconcile(current.CalculatedBalance, req.DeclaredCash, req.DeclaredCardTotal, policy)
		if err != nil {
			return nil, err
		}
		outcome = reconciled

		var consume *uuid.UUID
		if outcome.RequiresApproval {
			if blank(req.Observations) {
				return nil, invalid("observations", "are required when the gap exceeds the approval threshold")
			}
			if supplied == nil || supplied.Status != domain.PendingApproved || !coversClose(supplied, current, req, outcome) {
				needApproval = true
				return nil, ErrApprovalRequired
			}
			consume = &supplied.ID
		}

		closedAt := e.now().UTC()
		next := current
		next.Status = domain.CashSessionClosed
		next.ClosedBy = &req.ActorID
		next.ClosedAt = &closedAt
		next.DeclaredCash = &req.DeclaredCash
		next.DeclaredCardTotal = &req.DeclaredCardTotal
		next.GapFound = &outcome.Gap
		next.Observations = trimmed(req.Observations)

		action := domain.ActionCashClose
		if outcome.RequiresApproval {
			action = domain.ActionCashCloseGap
		}
		oldSnapshot, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("marshal session snapshot: %w", err)
		}
		newSnapshot, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal session snapshot: %w", err)
		}
		entry, err = e.audit.prepare(domain.AuditEntry{
			ActorID:          req.ActorID,
			ActionType:       action,
			EntityType:       domain.EntityCashSession,
			EntityID:         current.ID.String(),
			OldSnapshot:      oldSnapshot,
			NewSnapshot:      newSnapshot,
			Notes:            gapNotes(outcome, policy, supplied, consume != nil),
			ApprovalRequired: outcome.RequiresApproval,
			OccurredAt:       closedAt,
		})
		if err != nil {
			return nil, err
		}
		return &store.CloseCommit{Closed: next, Audit: entry, ConsumeAuthorizationID: consume}, nil
	})

	if needApproval {
		return nil, e.requestApproval(ctx, session.ID, req, outcome, policy, supplied)
	}
	if err != nil {
		var validation *ValidationError
		switch {
		case errors.As(err, &validation):
			e.metrics.observeClose("rejected", outcome.AbsGap)
		case errors.Is(err, store.ErrCashSessionClosed):
			e.metrics.observeClose("conflict", outcome.AbsGap)
		}
		return nil, translateStoreError(err)
	}

	result := "closed"
	if outcome.RequiresApproval {
		result = "closed_with_approval"
	}
	e.metrics.observeClose(result, outcome.AbsGap)
	e.logger.Info("cash session closed",
		"session_id", closed.ID,
		"clinic_scope_id", closed.ClinicScopeID,
		"gap", outcome.Gap,
		"approval_required", outcome.RequiresApproval,
	)
	return &CloseResult{
		Session:          closed,
		GapFound:         outcome.Gap,
		RequiresApproval: outcome.RequiresApproval,
		ClosedAt:         *closed.ClosedAt,
		AuditEntryID:     entry.ID,
	}, nil
}

// requestApproval reuses a matching request still awaiting its PIN; otherwise it
// opens a new one bound to the declared figures.
func (e *ReconciliationEngine) requestApproval(ctx context.Context, sessionID uuid.UUID, req CloseRequest, outcome Reconciliation, policy domain.AuthorizationPolicy, supplied *domain.PendingAuthorization) error {
	e.metrics.observeClose("approval_required", outcome.AbsGap)

	payload := domain.CloseGapPayload{
		SessionID:         sessionID,
		CalculatedBalance: outcome.CalculatedBalance,
		DeclaredCash:      req.DeclaredCash,
		DeclaredCardTotal: req.DeclaredCardTotal,
		Gap:               outcome.Gap,
		MaxDifference:     policy.MaxDifferenceWithoutApproval,
	}
	if supplied != nil && supplied.Status == domain.PendingAwaitingPIN &&
		supplied.ActorID == req.ActorID && payloadMatches(supplied, payload) {
		return e.approvalRequired(supplied.ID, outcome, policy)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal close gap payload: %w", err)
	}
	decision, err := e.gate.Authorize(ctx, domain.ActionContext{
		ActorID:           req.ActorID,
		ActionType:        domain.ActionCashCloseGap,
		EntityType:        domain.EntityCashSession,
		EntityID:          sessionID.String(),
		ThresholdExceeded: true,
		Notes:             trimmed(req.Observations),
		Payload:           raw,
	})
	if err != nil {
		return err
	}
	e.logger.Info("cash session close awaiting approval",
		"session_id", sessionID,
		"pending_id", decision.PendingID,
		"gap", outcome.Gap,
		"max_difference", policy.MaxDifferenceWithoutApproval,
	)
	return e.approvalRequired(*decision.PendingID, outcome, policy)
}

func (e *ReconciliationEngine) approvalRequired(pendingID uuid.UUID, outcome Reconciliation, policy domain.AuthorizationPolicy) error {
	if e.gate.blindClosing {
		return &ApprovalRequiredError{PendingID: pendingID, Blind: true}
	}
	return &ApprovalRequiredError{PendingID: pendingID, Gap: outcome.Gap, MaxDifference: policy.MaxDifferenceWithoutApproval}
}

// coversClose reports whether an approval was granted for this closer, session and
// set of figures.
func coversClose(pending *domain.PendingAuthorization, session domain.CashSession, req CloseRequest, outcome Reconciliation) bool {
	if pending.ActorID != req.ActorID ||
		pending.ActionType != domain.ActionCashCloseGap ||
		pending.EntityType != domain.EntityCashSession ||
		pending.EntityID != session.ID.String() {
		return false
	}
	return payloadMatches(pending, domain.CloseGapPayload{
		SessionID:         session.ID,
		CalculatedBalance: outcome.CalculatedBalance,
		DeclaredCash:      req.DeclaredCash,
		DeclaredCardTotal: req.DeclaredCardTotal,
	})
}

// payloadMatches compares the figures an approval was granted for. The threshold is
// not compared so a policy change does not void an approval already given.
func payloadMatches(pending *domain.PendingAuthorization, want domain.CloseGapPayload) bool {
	var got domain.CloseGapPayload
	if err := json.Unmarshal(pending.Payload, &got); err != nil {
		return false
	}
	return got.SessionID == want.SessionID &&
		got.CalculatedBalance == want.CalculatedBalance &&
		got.DeclaredCash == want.DeclaredCash &&
		got.DeclaredCardTotal == want.DeclaredCardTotal
}

func gapNotes(outcome Reconciliation, policy domain.AuthorizationPolicy, approval *domain.PendingAuthorization, approved bool) *string {
	notes := fmt.Sprintf("gap=%d max_difference=%d", outcome.Gap, policy.MaxDifferenceWithoutApproval)
	if approved && approval.ApprovedBy != nil {
		notes += fmt.Sprintf(" authorization_id=%s approved_by=%s", approval.ID, *approval.ApprovedBy)
	}
	return &notes
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func trimmed(s *string) *string {
	if blank(s) {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

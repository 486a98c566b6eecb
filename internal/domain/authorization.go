package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionContext describes one sensitive action submitted to the authorization gate.
// ActionType is the tag and Payload carries the kind-specific data.
type ActionContext struct {
	ActorID           uuid.UUID       `json:"actor_id"`
	ActionType        ActionType      `json:"action_type"`
	EntityType        EntityType      `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	ThresholdExceeded bool            `json:"threshold_exceeded"`
	Notes             *string         `json:"notes,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

type PendingStatus string

const (
	PendingAwaitingPIN PendingStatus = "PENDING"
	PendingApproved    PendingStatus = "APPROVED"
	PendingConsumed    PendingStatus = "CONSUMED"
	PendingCancelled   PendingStatus = "CANCELLED"
	PendingLockedOut   PendingStatus = "LOCKED_OUT"
)

// PendingAuthorization maps to the `pending_authorizations` table. It stays PENDING
// across wrong PIN submissions and only leaves that state once.
type PendingAuthorization struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    uuid.UUID       `json:"actor_id"`
	ActionType ActionType      `json:"action_type"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Notes      *string         `json:"notes,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     PendingStatus   `json:"status"`
	ApprovedBy *uuid.UUID      `json:"approved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type DecisionKind string

const (
	DecisionImmediate DecisionKind = "immediate"
	DecisionPending   DecisionKind = "pending"
)

// Decision is the result of Authorize: either the action may proceed now, or a PIN
// must be submitted against PendingID.
type Decision struct {
	Kind         DecisionKind `json:"kind"`
	Approved     bool         `json:"approved"`
	PendingID    *uuid.UUID   `json:"pending_id,omitempty"`
	AuditEntryID *uuid.UUID   `json:"audit_entry_id,omitempty"`
}

// CloseGapPayload binds a CASH_CLOSE_GAP approval to the figures it was granted for.
type CloseGapPayload struct {
	SessionID         uuid.UUID `json:"session_id"`
	CalculatedBalance int64     `json:"calculated_balance"`
	DeclaredCash      int64     `json:"declared_cash"`
	DeclaredCardTotal int64     `json:"declared_card_total"`
	Gap               int64     `json:"gap"`
	MaxDifference     int64     `json:"max_difference"`
}

// BlindCloseGapPayload is what a blind closer may read back from a CASH_CLOSE_GAP
// request: their own declaration, without the expected balance or the gap.
type BlindCloseGapPayload struct {
	SessionID         uuid.UUID `json:"session_id"`
	DeclaredCash      int64     `json:"declared_cash"`
	DeclaredCardTotal int64     `json:"declared_card_total"`
}

// RefundPayload is the payload of a REFUND action.
type RefundPayload struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// DiscountPayload is the payload of a DISCOUNT action. Amount is the discount granted.
type DiscountPayload struct {
	Amount        int64 `json:"amount"`
	OriginalTotal int64 `json:"original_total"`
}

// BudgetOverridePayload is the payload of a BUDGET_OVERRIDE action.
type BudgetOverridePayload struct {
	PreviousTotal int64  `json:"previous_total"`
	NewTotal      int64  `json:"new_total"`
	Reason        string `json:"reason,omitempty"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events this service publishes through the outbox.
const (
	RoutingKeyCashSessionOpened = "cash.session.opened"
	RoutingKeyCashSessionClosed = "cash.session.closed"
	RoutingKeyAuditRecorded     = "audit.entry.recorded"
)

// Routing keys for events this service consumes from the clinic application.
const (
	RoutingKeyPaymentReceived = "payment.received"
	RoutingKeyExpenseRecorded = "expense.recorded"
)

// CashSessionEvent is published when a session is opened or closed.
type CashSessionEvent struct {
	SessionID         uuid.UUID         `json:"session_id"`
	ClinicScopeID     uuid.UUID         `json:"clinic_scope_id"`
	ActorID           uuid.UUID         `json:"actor_id"`
	Status            CashSessionStatus `json:"status"`
	OpeningBalance    int64             `json:"opening_balance"`
	CalculatedBalance int64             `json:"calculated_balance"`
	GapFound          *int64            `json:"gap_found,omitempty"`
	ApprovalRequired  bool              `json:"approval_required"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

func NewCashSessionOpenedEvent(s CashSession) CashSessionEvent {
	return CashSessionEvent{
		SessionID:         s.ID,
		ClinicScopeID:     s.ClinicScopeID,
		ActorID:           s.OpenedBy,
		Status:            s.Status,
		OpeningBalance:    s.OpeningBalance,
		CalculatedBalance: s.CalculatedBalance,
		OccurredAt:        s.OpenedAt,
	}
}

func NewCashSessionClosedEvent(s CashSession, approvalRequired bool) CashSessionEvent {
	event := CashSessionEvent{
		SessionID:         s.ID,
		ClinicScopeID:     s.ClinicScopeID,
		Status:            s.Status,
		OpeningBalance:    s.OpeningBalance,
		CalculatedBalance: s.CalculatedBalance,
		GapFound:          s.GapFound,
		ApprovalRequired:  approvalRequired,
	}
	if s.ClosedBy != nil {
		event.ActorID = *s.ClosedBy
	}
	if s.ClosedAt != nil {
		event.OccurredAt = *s.ClosedAt
	}
	return event
}

// AuditRecordedEvent carries the entry header only; snapshots stay in the database.
type AuditRecordedEvent struct {
	EntryID          uuid.UUID  `json:"entry_id"`
	ActorID          uuid.UUID  `json:"actor_id"`
	ActionType       ActionType `json:"action_type"`
	EntityType       EntityType `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	ApprovalRequired bool       `json:"approval_required"`
	Critical         bool       `json:"critical"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

func NewAuditRecordedEvent(e AuditEntry) AuditRecordedEvent {
	return AuditRecordedEvent{
		EntryID:          e.ID,
		ActorID:          e.ActorID,
		ActionType:       e.ActionType,
		EntityType:       e.EntityType,
		EntityID:         e.EntityID,
		ApprovalRequired: e.ApprovalRequired,
		Critical:         e.IsCritical(),
		OccurredAt:       e.OccurredAt,
	}
}

// PaymentEvent is emitted by the clinic application when money physically enters or
// leaves the front desk. EventID doubles as the idempotency key of the resulting cash
// transaction.
type PaymentEvent struct {
	EventID       string     `json:"event_id"`
	ClinicScopeID uuid.UUID  `json:"clinic_scope_id"`
	Amount        int64      `json:"amount"`
	Method        string     `json:"method"`
	Description   string     `json:"description"`
	RecordedBy    *uuid.UUID `json:"recorded_by,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies what an audit entry or an authorization request is about.
type ActionType string

const (
	ActionUpdate         ActionType = "UPDATE"
	ActionDelete         ActionType = "DELETE"
	ActionRefund         ActionType = "REFUND"
	ActionDiscount       ActionType = "DISCOUNT"
	ActionBudgetOverride ActionType = "BUDGET_OVERRIDE"
	ActionCashClose      ActionType = "CASH_CLOSE"
	ActionCashCloseGap   ActionType = "CASH_CLOSE_GAP"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionUpdate, ActionDelete, ActionRefund, ActionDiscount,
		ActionBudgetOverride, ActionCashClose, ActionCashCloseGap:
		return true
	}
	return false
}

// IsUpdateClass reports whether the action mutates an existing record in place.
// Closing a cash session is an update of the session row.
func (a ActionType) IsUpdateClass() bool {
	return a == ActionUpdate || a == ActionCashClose || a == ActionCashCloseGap
}

// CommitBound reports whether the audit entry for an approved request is written by
// the operation that consumes the approval rather than at approval time.
func (a ActionType) CommitBound() bool {
	return a == ActionCashCloseGap
}

type EntityType string

const (
	EntityTransaction EntityType = "TRANSACTION"
	EntityCashSession EntityType = "CASH_SESSION"
	EntityBudget      EntityType = "BUDGET"
	EntityPatient     EntityType = "PATIENT"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityTransaction, EntityCashSession, EntityBudget, EntityPatient:
		return true
	}
	return false
}

// AuditEntry maps to the append-only `audit_entries` table.
type AuditEntry struct {
	ID               uuid.UUID       `json:"id"`
	ActorID          uuid.UUID       `json:"actor_id"`
	ActionType       ActionType      `json:"action_type"`
	EntityType       EntityType      `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	OldSnapshot      json.RawMessage `json:"old_snapshot,omitempty"`
	NewSnapshot      json.RawMessage `json:"new_snapshot,omitempty"`
	Notes            *string         `json:"notes,omitempty"`
	ApprovalRequired bool            `json:"approval_required"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// IsCritical selects the entries shown in the "panic" view: deletions, and in-place
// updates of transactions or cash sessions.
func (e AuditEntry) IsCritical() bool {
	if e.ActionType == ActionDelete {
		return true
	}
	if !e.ActionType.IsUpdateClass() {
		return false
	}
	return e.EntityType == EntityTransaction || e.EntityType == EntityCashSession
}

// AuditFilter narrows an audit query. Nil fields do not filter.
type AuditFilter struct {
	EntityType   *EntityType
	ActorID      *uuid.UUID
	ActionType   *ActionType
	CriticalOnly bool
	From         *time.Time
	To           *time.Time
	Limit        int
}

func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EntityType != nil && e.EntityType != *f.EntityType {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.ActionType != nil && e.ActionType != *f.ActionType {
		return false
	}
	if f.CriticalOnly && !e.IsCritical() {
		return false
	}
	if f.From != nil && e.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.OccurredAt.After(*f.To) {
		return false
	}
	return true
}

/**
 * @description
 * Domain models for the cash drawer lifecycle.
 *
 * @notes
 * - Amounts are `int64` minor currency units (centavos). Gaps are signed: positive is
 *   a surplus, negative a shortage.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

type CashSessionStatus string

const (
	CashSessionOpen   CashSessionStatus = "OPEN"
	CashSessionClosed CashSessionStatus = "CLOSED"
)

// CashSession maps to the `cash_sessions` table. At most one row per clinic scope may
// be OPEN; a CLOSED row is never written again.
type CashSession struct {
	ID                uuid.UUID         `json:"id"`
	ClinicScopeID     uuid.UUID         `json:"clinic_scope_id"`
	OpenedBy          uuid.UUID         `json:"opened_by"`
	OpenedAt          time.Time         `json:"opened_at"`
	ClosedBy          *uuid.UUID        `json:"closed_by,omitempty"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
	OpeningBalance    int64             `json:"opening_balance"`
	CalculatedBalance int64             `json:"calculated_balance"`
	DeclaredCash      *int64            `json:"declared_cash,omitempty"`
	DeclaredCardTotal *int64            `json:"declared_card_total,omitempty"`
	GapFound          *int64            `json:"gap_found,omitempty"`
	Observations      *string           `json:"observations,omitempty"`
	Status            CashSessionStatus `json:"status"`
}

func (s CashSession) IsOpen() bool {
	return s.Status == CashSessionOpen
}

// MaxCashAmount bounds every declared or booked amount and every running balance, in
// either direction. Sums and differences of bounded values cannot overflow int64.
const MaxCashAmount int64 = 1_000_000_000_000_000

func WithinCashRange(amount int64) bool {
	return amount >= -MaxCashAmount && amount <= MaxCashAmount
}

// AddCash returns a+b, or false when an operand or the sum leaves the cash range.
func AddCash(a, b int64) (int64, bool) {
	if !WithinCashRange(a) || !WithinCashRange(b) {
		return 0, false
	}
	sum := a + b
	if !WithinCashRange(sum) {
		return 0, false
	}
	return sum, true
}

type CashTransactionType string

const (
	CashIncome  CashTransactionType = "INCOME"
	CashExpense CashTransactionType = "EXPENSE"
)

func (t CashTransactionType) Valid() bool {
	return t == CashIncome || t == CashExpense
}

// Signed applies the direction of the transaction type to a positive magnitude.
func (t CashTransactionType) Signed(amount int64) int64 {
	if t == CashExpense {
		return -amount
	}
	return amount
}

// CashTransaction maps to the append-only `cash_transactions` table. Amount is signed.
type CashTransaction struct {
	ID          uuid.UUID           `json:"id"`
	SessionID   uuid.UUID           `json:"session_id"`
	Type        CashTransactionType `json:"type"`
	Amount      int64               `json:"amount"`
	Description *string             `json:"description,omitempty"`
	ExternalRef *string             `json:"external_ref,omitempty"`
	RecordedBy  *uuid.UUID          `json:"recorded_by,omitempty"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// CashSessionView is what a closer sees. In blind mode the expected balance of an open
// session is withheld so the declared count is not anchored to it.
type CashSessionView struct {
	CashSession
	CalculatedBalance *int64 `json:"calculated_balance,omitempty"`
	BalanceHidden     bool   `json:"balance_hidden"`
}

func NewCashSessionView(s CashSession, hideBalance bool) CashSessionView {
	view := CashSessionView{CashSession: s, BalanceHidden: hideBalance}
	if !hideBalance {
		balance := s.CalculatedBalance
		view.CalculatedBalance = &balance
	}
	return view
}

// AuthorizationPolicy is consumed from configuration.
type AuthorizationPolicy struct {
	MaxDifferenceWithoutApproval int64 `json:"max_difference_without_approval"`
}

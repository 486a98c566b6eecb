/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the cashdesk-service. Business rules live in `internal/app`; the
 * repository only guarantees that each method is atomic.
 *
 * @dependencies
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrPinCredentialNotFound   = errors.New("pin credential not found")
	ErrCashSessionNotFound     = errors.New("cash session not found")
	ErrCashSessionClosed       = errors.New("cash session is closed")
	ErrOpenCashSessionExists   = errors.New("an open cash session already exists for this clinic scope")
	ErrDuplicateExternalRef    = errors.New("cash transaction with this external reference already recorded")
	ErrBalanceOutOfRange       = errors.New("cash session balance would leave the supported range")
	ErrAuthorizationNotFound   = errors.New("pending authorization not found")
	ErrAuthorizationNotPending = errors.New("pending authorization is no longer awaiting a pin")
	ErrAuthorizationNotUsable  = errors.New("authorization is not approved for this action")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// PIN credential and attempt-state methods
	UpsertPinCredential(ctx context.Context, ownerID uuid.UUID, saltedHash string, now time.Time) (*domain.PinCredential, error)
	GetPinCredential(ctx context.Context, ownerID uuid.UUID) (*domain.PinCredential, error)
	GetAuthAttemptState(ctx context.Context, ownerID uuid.UUID) (*domain.AuthAttemptState, error)
	// RecordFailedPinAttempt increments the failure counter in one atomic step. Reaching
	// maxAttempts sets the lock and resets the counter; an active lock is left untouched.
	RecordFailedPinAttempt(ctx context.Context, ownerID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.AuthAttemptState, error)
	// ResetPinAttempts clears the counter unless a lock is active at now, in which case
	// the locked state is returned unchanged.
	ResetPinAttempts(ctx context.Context, ownerID uuid.UUID, now time.Time) (*domain.AuthAttemptState, error)

	// Audit trail methods. Entries are never updated or deleted.
	InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	QueryAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)

	// Pending authorization methods
	CreatePendingAuthorization(ctx context.Context, pending *domain.PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, id uuid.UUID) (*domain.PendingAuthorization, error)
	// ApprovePendingAuthorization moves PENDING to APPROVED and, when entry is not nil,
	// records it in the same transaction.
	ApprovePendingAuthorization(ctx context.Context, id uuid.UUID, approverID uuid.UUID, now time.Time, entry *domain.AuditEntry) (*domain.PendingAuthorization, error)
	ResolvePendingAuthorization(ctx context.Context, id uuid.UUID, status domain.PendingStatus, now time.Time) (*domain.PendingAuthorization, error)

	// Cash session methods
	CreateCashSession(ctx context.Context, session *domain.CashSession) error
	GetCashSession(ctx context.Context, id uuid.UUID) (*domain.CashSession, error)
	FindOpenCashSession(ctx context.Context, clinicScopeID uuid.UUID) (*domain.CashSession, error)
	AppendCashTransaction(ctx context.Context, txn *domain.CashTransaction) (*domain.CashSession, error)
	ListCashTransactions(ctx context.Context, sessionID uuid.UUID) ([]domain.CashTransaction, error)
	// CloseCashSession locks the session, hands the current row to decide, and commits
	// what decide returns. Any error from decide rolls the whole close back.
	CloseCashSession(ctx context.Context, sessionID uuid.UUID, decide CloseDecider) (*domain.CashSession, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

// CloseDecider computes the closed state of a locked session.
type CloseDecider func(current domain.CashSession) (*CloseCommit, error)

// CloseCommit is everything written by a successful close.
type CloseCommit struct {
	Closed                 domain.CashSession
	Audit                  domain.AuditEntry
	ConsumeAuthorizationID *uuid.UUID
}

type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

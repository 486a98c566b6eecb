/**
 * @description
 * This file defines the domain models backing PIN step-up authorization: the stored
 * credential, the per-principal attempt counter, and the typed outcome returned by a
 * PIN challenge.
 *
 * @notes
 * - The raw PIN never appears in any of these types. Only the PHC-encoded argon2id
 *   hash is persisted.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PinCredential maps to the `pin_credentials` table. One row per principal.
type PinCredential struct {
	OwnerID    uuid.UUID `json:"owner_id"`
	SaltedHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuthAttemptState maps to the `pin_attempt_states` table. A missing row is equivalent
// to the zero state.
type AuthAttemptState struct {
	OwnerID     uuid.UUID  `json:"owner_id"`
	FailedCount int        `json:"failed_count"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// LockedAt reports whether the lock is still active at the given instant.
func (s AuthAttemptState) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

type PINOutcomeStatus string

const (
	PINAuthorized PINOutcomeStatus = "approved"
	PINDenied     PINOutcomeStatus = "denied"
	PINLocked     PINOutcomeStatus = "locked"
)

// PINOutcome is the result of a PIN challenge. AttemptsRemaining is only meaningful
// for PINDenied and LockedUntil only for PINLocked.
type PINOutcome struct {
	Status            PINOutcomeStatus `json:"status"`
	AttemptsRemaining int              `json:"attempts_remaining,omitempty"`
	LockedUntil       *time.Time       `json:"locked_until,omitempty"`
}

func (o PINOutcome) Authorized() bool {
	return o.Status == PINAuthorized
}

// LockStatus is the read-only view returned by a lock query.
type LockStatus struct {
	Locked bool       `json:"locked"`
	Until  *time.Time `json:"until,omitempty"`
}

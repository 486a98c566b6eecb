/**
 * @description
 * PinAuthenticator owns PIN setup, rotation and validation with attempt-counted
 * lockout. Counters live in the repository and every mutation of them is a single
 * atomic repository call, so concurrent wrong guesses cannot slip past the limit.
 *
 * @notes
 * - Lock expiry is evaluated lazily against the stored timestamp.
 * - Raw PINs are never logged or persisted.
 */

package app

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
)

const (
	DefaultPINMaxAttempts = 3
	DefaultPINLockout     = 15 * time.Minute
)

var pinFormat = regexp.MustCompile(`^\d{4,6}$`)

// PinPolicy configures lockout. Zero values fall back to the defaults.
type PinPolicy struct {
	MaxAttempts int
	Lockout     time.Duration
}

type PinAuthenticator struct {
	repo        store.Repository
	hasher      PinHasher
	maxAttempts int
	lockout     time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

func NewPinAuthenticator(repo store.Repository, hasher PinHasher, policy PinPolicy, logger *slog.Logger, metrics *Metrics) *PinAuthenticator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPINMaxAttempts
	}
	if policy.Lockout <= 0 {
		policy.Lockout = DefaultPINLockout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PinAuthenticator{
		repo:        repo,
		hasher:      hasher,
		maxAttempts: policy.MaxAttempts,
		lockout:     policy.Lockout,
		logger:      logger.With("component", "pin_authenticator"),
		metrics:     metrics,
		now:         time.Now,
	}
}

func validatePINFormat(field, rawPin string) error {
	if !pinFormat.MatchString(rawPin) {
		return invalid(field, "must be 4 to 6 digits")
	}
	return nil
}

// SetPIN creates or replaces the owner's credential.
func (a *PinAuthenticator) SetPIN(ctx context.Context, ownerID uuid.UUID, rawPin string) error {
	if ownerID == uuid.Nil {
		return invalid("owner_id", "is required")
	}
	if err := validatePINFormat("pin", rawPin); err != nil {
		return err
	}

	hash, err := a.hasher.Hash(rawPin)
	if err != nil {
		return err
	}
	if _, err := a.repo.UpsertPinCredential(ctx, ownerID, hash, a.now()); err != nil {
		return err
	}
	a.logger.Info("pin credential stored", "owner_id", ownerID)
	return nil
}

// RotatePIN replaces the credential after proving knowledge of the current PIN. A
// wrong current PIN counts as a failed attempt.
func (a *PinAuthenticator) RotatePIN(ctx context.Context, ownerID uuid.UUID, currentPin, newPin string) error {
	if err := validatePINFormat("new_pin", newPin); err != nil {
		return err
	}
	outcome, err := a.Validate(ctx, ownerID, currentPin)
	if err != nil {
		return err
	}
	if !outcome.Authorized() {
		return OutcomeError(outcome)
	}
	return a.SetPIN(ctx, ownerID, newPin)
}

// Validate checks rawPin against the owner's credential.
func (a *PinAuthenticator) Validate(ctx context.Context, ownerID uuid.UUID, rawPin string) (domain.PINOutcome, error) {
	credential, err := a.repo.GetPinCredential(ctx, ownerID)
	if err != nil {
		return domain.PINOutcome{}, translateStoreError(err)
	}

	now := a.now()
	state, err := a.repo.GetAuthAttemptState(ctx, ownerID)
	if err != nil {
		return domain.PINOutcome{}, err
	}
	if state.LockedAt(now) {
		a.metrics.observePINOutcome("locked")
		return lockedOutcome(state), nil
	}

	if err := validatePINFormat("pin", rawPin); err != nil {
		return domain.PINOutcome{}, err
	}

	matched, err := a.hasher.Verify(rawPin, credential.SaltedHash)
	if err != nil {
		return domain.PINOutcome{}, err
	}

	if matched {
		state, err = a.repo.ResetPinAttempts(ctx, ownerID, now)
		if err != nil {
			return domain.PINOutcome{}, err
		}
		// A concurrent failure may have locked the owner while the hash was computed.
		if state.LockedAt(now) {
			a.metrics.observePINOutcome("locked")
			return lockedOutcome(state), nil
		}
		a.metrics.observePINOutcome("approved")
		return domain.PINOutcome{Status: domain.PINAuthorized}, nil
	}

	state, err = a.repo.RecordFailedPinAttempt(ctx, ownerID, a.maxAttempts, a.lockout, now)
	if err != nil {
		return domain.PINOutcome{}, err
	}
	if state.LockedAt(now) {
		a.logger.Warn("pin locked after repeated failures", "owner_id", ownerID, "locked_until", state.LockedUntil)
		a.metrics.observePINOutcome("locked")
		return lockedOutcome(state), nil
	}

	remaining := a.maxAttempts - state.FailedCount
	if remaining < 0 {
		remaining = 0
	}
	a.metrics.observePINOutcome("denied")
	return domain.PINOutcome{Status: domain.PINDenied, AttemptsRemaining: remaining}, nil
}

// IsLocked is a pure read. An expired lock reads as unlocked.
func (a *PinAuthenticator) IsLocked(ctx context.Context, ownerID uuid.UUID) (domain.LockStatus, error) {
	state, err := a.repo.GetAuthAttemptState(ctx, ownerID)
	if err != nil {
		return domain.LockStatus{}, err
	}
	if !state.LockedAt(a.now()) {
		return domain.LockStatus{}, nil
	}
	until := *state.LockedUntil
	return domain.LockStatus{Locked: true, Until: &until}, nil
}

func lockedOutcome(state *domain.AuthAttemptState) domain.PINOutcome {
	until := *state.LockedUntil
	return domain.PINOutcome{Status: domain.PINLocked, LockedUntil: &until}
}

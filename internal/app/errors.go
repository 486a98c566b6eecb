package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrAuthenticationFailed = errors.New("invalid pin")
	ErrLockedOut            = errors.New("pin locked after too many failed attempts")
	ErrApprovalRequired     = errors.New("approval required")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not found")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type AuthenticationFailureError struct {
	AttemptsRemaining int
}

func (e *AuthenticationFailureError) Error() string {
	return fmt.Sprintf("invalid pin: %d attempts remaining", e.AttemptsRemaining)
}

func (e *AuthenticationFailureError) Unwrap() error { return ErrAuthenticationFailed }

type LockedOutError struct {
	Until time.Time
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("pin locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedOutError) Unwrap() error { return ErrLockedOut }

// ApprovalRequiredError is a control signal: the caller must submit a PIN against
// PendingID and retry the operation with it.
// ApprovalRequiredError carries the pending request a close is waiting on. Under
// blind closing Gap and MaxDifference stay zero and Blind is set, so nothing derived
// from the expected balance reaches the closer.
type ApprovalRequiredError struct {
	PendingID     uuid.UUID
	Gap           int64
	MaxDifference int64
	Blind         bool
}

func (e *ApprovalRequiredError) Error() string {
	if e.Blind {
		return "approval required: gap exceeds the approval threshold"
	}
	return fmt.Sprintf("approval required: gap %d exceeds %d", e.Gap, e.MaxDifference)
}

func (e *ApprovalRequiredError) Unwrap() error { return ErrApprovalRequired }

// conflictError matches ErrConflict and keeps the store cause reachable.
type conflictError struct {
	reason string
	cause  error
}

func (e *conflictError) Error() string { return "conflict: " + e.reason }

func (e *conflictError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.cause}
}

func conflict(reason string, cause error) error {
	return &conflictError{reason: reason, cause: cause}
}

func notFound(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, errors.Join(ErrNotFound, cause))
}

// translateStoreError maps repository sentinels onto the service error taxonomy.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrPinCredentialNotFound):
		return notFound("pin credential", err)
	case errors.Is(err, store.ErrCashSessionNotFound):
		return notFound("cash session", err)
	case errors.Is(err, store.ErrAuthorizationNotFound):
		return notFound("pending authorization", err)
	case errors.Is(err, store.ErrOpenCashSessionExists):
		return conflict("an open cash session already exists for this clinic scope", err)
	case errors.Is(err, store.ErrCashSessionClosed):
		return conflict("cash session is already closed", err)
	case errors.Is(err, store.ErrDuplicateExternalRef):
		return conflict("cash transaction already recorded", err)
	case errors.Is(err, store.ErrBalanceOutOfRange):
		return invalid("amount", "would move the session balance out of the supported range")
	case errors.Is(err, store.ErrAuthorizationNotPending):
		return conflict("authorization is no longer pending", err)
	case errors.Is(err, store.ErrAuthorizationNotUsable):
		return conflict("authorization was already used or does not cover this close", err)
	}
	return err
}

// OutcomeError converts a non-authorized PIN outcome into the matching error.
func OutcomeError(outcome domain.PINOutcome) error {
	switch outcome.Status {
	case domain.PINLocked:
		until := time.Time{}
		if outcome.LockedUntil != nil {
			until = *outcome.LockedUntil
		}
		return &LockedOutError{Until: until}
	case domain.PINDenied:
		return &AuthenticationFailureError{AttemptsRemaining: outcome.AttemptsRemaining}
	}
	return nil
}

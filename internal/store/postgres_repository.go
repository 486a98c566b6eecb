/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It holds the connection handle and the PIN credential / attempt-state queries.
 * Audit, authorization, cash session and outbox queries live in sibling files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by the repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       DB
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Outbox rows are
// addressed to eventExchange.
func NewPostgresRepository(db DB, eventExchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: eventExchange}
}

// UpsertPinCredential stores a new hash for the owner, replacing any previous one.
func (r *PostgresRepository) UpsertPinCredential(ctx context.Context, ownerID uuid.UUID, saltedHash string, now time.Time) (*domain.PinCredential, error) {
	query := `
		INSERT INTO pin_credentials (owner_id, salted_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET salted_hash = EXCLUDED.salted_hash, updated_at = EXCLUDED.updated_at
		RETURNING owner_id, salted_hash, created_at, updated_at
	`
	var credential domain.PinCredential
	err := r.db.QueryRow(ctx, query, ownerID, saltedHash, now).Scan(
		&credential.OwnerID,
		&credential.SaltedHash,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

func (r *PostgresRepository) GetPinCredential(ctx context.Context, ownerID uuid.UUID) (*domain.PinCredential, error) {
	query := `SELECT owner_id, salted_hash, created_at, updated_at FROM pin_credentials WHERE owner_id = $1`
	var credential domain.PinCredential
	err := r.db.QueryRow(ctx, query, ownerID).Scan(
		&credential.OwnerID,
		&credential.SaltedHash,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPinCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// GetAuthAttemptState returns the zero state when the owner has never failed.
func (r *PostgresRepository) GetAuthAttemptState(ctx context.Context, ownerID uuid.UUID) (*domain.AuthAttemptState, error) {
	state := domain.AuthAttemptState{OwnerID: ownerID}
	query := `SELECT failed_count, locked_until FROM pin_attempt_states WHERE owner_id = $1`
	err := r.db.QueryRow(ctx, query, ownerID).Scan(&state.FailedCount, &state.LockedUntil)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return &state, nil
}

// RecordFailedPinAttempt atomically increments failed attempts and applies lockout.
// The row is created on the first failure.
func (r *PostgresRepository) RecordFailedPinAttempt(ctx context.Context, ownerID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.AuthAttemptState, error) {
	query := `
		INSERT INTO pin_attempt_states AS s (owner_id, failed_count, locked_until, updated_at)
		VALUES (
			$1,
			CASE WHEN 1 >= $2::int THEN 0 ELSE 1 END,
			CASE WHEN 1 >= $2::int THEN $4::timestamptz + ($3::int * INTERVAL '1 second') ELSE NULL END,
			$4::timestamptz
		)
		ON CONFLICT (owner_id) DO UPDATE
		SET
			failed_count = CASE
				WHEN s.locked_until IS NOT NULL AND s.locked_until > $4::timestamptz THEN s.failed_count
				WHEN s.failed_count + 1 >= $2::int THEN 0
				ELSE s.failed_count + 1
			END,
			locked_until = CASE
				WHEN s.locked_until IS NOT NULL AND s.locked_until > $4::timestamptz THEN s.locked_until
				WHEN s.failed_count + 1 >= $2::int THEN $4::timestamptz + ($3::int * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = $4::timestamptz
		RETURNING owner_id, failed_count, locked_until
	`
	var state domain.AuthAttemptState
	lockoutSeconds := int(lockout / time.Second)
	err := r.db.QueryRow(ctx, query, ownerID, maxAttempts, lockoutSeconds, now).Scan(
		&state.OwnerID,
		&state.FailedCount,
		&state.LockedUntil,
	)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ResetPinAttempts clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetPinAttempts(ctx context.Context, ownerID uuid.UUID, now time.Time) (*domain.AuthAttemptState, error) {
	query := `
		UPDATE pin_attempt_states
		SET failed_count = 0, locked_until = NULL, updated_at = $2
		WHERE owner_id = $1 AND (locked_until IS NULL OR locked_until <= $2)
	`
	result, err := r.db.Exec(ctx, query, ownerID, now)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected() == 1 {
		return &domain.AuthAttemptState{OwnerID: ownerID}, nil
	}
	// Either the owner never failed or a lock is active; the stored row tells which.
	return r.GetAuthAttemptState(ctx, ownerID)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

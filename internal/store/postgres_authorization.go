package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const pendingAuthorizationColumns = `id, actor_id, action_type, entity_type, entity_id, notes, payload, status, approved_by, created_at, resolved_at`

func (r *PostgresRepository) CreatePendingAuthorization(ctx context.Context, pending *domain.PendingAuthorization) error {
	query := `
		INSERT INTO pending_authorizations (` + pendingAuthorizationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		pending.ID,
		pending.ActorID,
		string(pending.ActionType),
		string(pending.EntityType),
		pending.EntityID,
		pending.Notes,
		nullableJSON(pending.Payload),
		string(pending.Status),
		pending.ApprovedBy,
		pending.CreatedAt,
		pending.ResolvedAt,
	)
	return err
}

func (r *PostgresRepository) GetPendingAuthorization(ctx context.Context, id uuid.UUID) (*domain.PendingAuthorization, error) {
	query := `SELECT ` + pendingAuthorizationColumns + ` FROM pending_authorizations WHERE id = $1`
	pending, err := scanPendingAuthorization(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return pending, nil
}

// ApprovePendingAuthorization flips PENDING to APPROVED with a compare-and-set so two
// concurrent correct submissions cannot both approve.
func (r *PostgresRepository) ApprovePendingAuthorization(ctx context.Context, id uuid.UUID, approverID uuid.UUID, now time.Time, entry *domain.AuditEntry) (*domain.PendingAuthorization, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE pending_authorizations
		SET status = 'APPROVED', approved_by = $2, resolved_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + pendingAuthorizationColumns
	pending, err := scanPendingAuthorization(tx.QueryRow(ctx, query, id, approverID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainNotPending(ctx, tx, id)
		}
		return nil, err
	}

	if entry != nil {
		if err := r.insertAuditEntryTx(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return pending, nil
}

// ResolvePendingAuthorization ends a PENDING authorization without approving it.
func (r *PostgresRepository) ResolvePendingAuthorization(ctx context.Context, id uuid.UUID, status domain.PendingStatus, now time.Time) (*domain.PendingAuthorization, error) {
	query := `
		UPDATE pending_authorizations
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + pendingAuthorizationColumns
	pending, err := scanPendingAuthorization(r.db.QueryRow(ctx, query, id, string(status), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainNotPending(ctx, r.db, id)
		}
		return nil, err
	}
	return pending, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) explainNotPending(ctx context.Context, q rowQuerier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pending_authorizations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check pending authorization: %w", err)
	}
	if !exists {
		return ErrAuthorizationNotFound
	}
	return ErrAuthorizationNotPending
}

func scanPendingAuthorization(row pgx.Row) (*domain.PendingAuthorization, error) {
	var (
		pending    domain.PendingAuthorization
		actionType string
		entityType string
		status     string
		payload    []byte
	)
	if err := row.Scan(
		&pending.ID,
		&pending.ActorID,
		&actionType,
		&entityType,
		&pending.EntityID,
		&pending.Notes,
		&payload,
		&status,
		&pending.ApprovedBy,
		&pending.CreatedAt,
		&pending.ResolvedAt,
	); err != nil {
		return nil, err
	}
	pending.ActionType = domain.ActionType(actionType)
	pending.EntityType = domain.EntityType(entityType)
	pending.Status = domain.PendingStatus(status)
	if len(payload) > 0 {
		pending.Payload = payload
	}
	return &pending, nil
}

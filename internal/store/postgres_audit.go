package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const auditEntryColumns = `id, actor_id, action_type, entity_type, entity_id, old_snapshot, new_snapshot, notes, approval_required, occurred_at`

const criticalAuditPredicate = `(action_type = 'DELETE' OR (action_type IN ('UPDATE', 'CASH_CLOSE', 'CASH_CLOSE_GAP') AND entity_type IN ('TRANSACTION', 'CASH_SESSION')))`

// InsertAuditEntry appends an entry and enqueues its notification in one transaction.
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.insertAuditEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) insertAuditEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (` + auditEntryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.ActorID,
		string(entry.ActionType),
		string(entry.EntityType),
		entry.EntityID,
		nullableJSON(entry.OldSnapshot),
		nullableJSON(entry.NewSnapshot),
		entry.Notes,
		entry.ApprovalRequired,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyAuditRecorded, domain.NewAuditRecordedEvent(*entry))
}

// QueryAuditEntries returns matching entries, newest first.
func (r *PostgresRepository) QueryAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 6)
	addArg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.EntityType != nil {
		conditions = append(conditions, "entity_type = "+addArg(string(*filter.EntityType)))
	}
	if filter.ActorID != nil {
		conditions = append(conditions, "actor_id = "+addArg(*filter.ActorID))
	}
	if filter.ActionType != nil {
		conditions = append(conditions, "action_type = "+addArg(string(*filter.ActionType)))
	}
	if filter.CriticalOnly {
		conditions = append(conditions, criticalAuditPredicate)
	}
	if filter.From != nil {
		conditions = append(conditions, "occurred_at >= "+addArg(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "occurred_at <= "+addArg(*filter.To))
	}

	var query strings.Builder
	query.WriteString("SELECT " + auditEntryColumns + " FROM audit_entries")
	if len(conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	query.WriteString(" ORDER BY occurred_at DESC, id DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT " + addArg(filter.Limit))
	}

	rows, err := r.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry       domain.AuditEntry
			actionType  string
			entityType  string
			oldSnapshot []byte
			newSnapshot []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ActorID,
			&actionType,
			&entityType,
			&entry.EntityID,
			&oldSnapshot,
			&newSnapshot,
			&entry.Notes,
			&entry.ApprovalRequired,
			&entry.OccurredAt,
		); err != nil {
			return nil, err
		}
		entry.ActionType = domain.ActionType(actionType)
		entry.EntityType = domain.EntityType(entityType)
		if len(oldSnapshot) > 0 {
			entry.OldSnapshot = json.RawMessage(oldSnapshot)
		}
		if len(newSnapshot) > 0 {
			entry.NewSnapshot = json.RawMessage(newSnapshot)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	value := string(raw)
	return &value
}

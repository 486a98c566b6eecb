package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	cashSessionColumns = `id, clinic_scope_id, opened_by, opened_at, closed_by, closed_at, opening_balance, calculated_balance, declared_cash, declared_card_total, gap_found, observations, status`

	cashTransactionColumns = `id, session_id, type, amount, description, external_ref, recorded_by, occurred_at`

	openSessionConstraint = "cash_sessions_one_open_per_scope"
	externalRefConstraint = "cash_transactions_external_ref_key"
)

// CreateCashSession inserts an OPEN session. The partial unique index on
// (clinic_scope_id) WHERE status = 'OPEN' makes the existence check and the insert a
// single atomic step.
func (r *PostgresRepository) CreateCashSession(ctx context.Context, session *domain.CashSession) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO cash_sessions (` + cashSessionColumns + `)
		VALUES ($1, $2, $3, $4, NULL, NULL, $5, $6, NULL, NULL, NULL, NULL, $7)
	`
	_, err = tx.Exec(ctx, query,
		session.ID,
		session.ClinicScopeID,
		session.OpenedBy,
		session.OpenedAt,
		session.OpeningBalance,
		session.CalculatedBalance,
		string(session.Status),
	)
	if err != nil {
		if isUniqueViolation(err, openSessionConstraint) {
			return ErrOpenCashSessionExists
		}
		return err
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyCashSessionOpened, domain.NewCashSessionOpenedEvent(*session)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetCashSession(ctx context.Context, id uuid.UUID) (*domain.CashSession, error) {
	query := `SELECT ` + cashSessionColumns + ` FROM cash_sessions WHERE id = $1`
	session, err := scanCashSession(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCashSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *PostgresRepository) FindOpenCashSession(ctx context.Context, clinicScopeID uuid.UUID) (*domain.CashSession, error) {
	query := `SELECT ` + cashSessionColumns + ` FROM cash_sessions WHERE clinic_scope_id = $1 AND status = 'OPEN'`
	session, err := scanCashSession(r.db.QueryRow(ctx, query, clinicScopeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCashSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// AppendCashTransaction records the transaction and moves the running balance while
// holding the session row lock.
func (r *PostgresRepository) AppendCashTransaction(ctx context.Context, txn *domain.CashTransaction) (*domain.CashSession, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := lockCashSessionTx(ctx, tx, txn.SessionID)
	if err != nil {
		return nil, err
	}
	if !current.IsOpen() {
		return nil, ErrCashSessionClosed
	}
	if _, ok := domain.AddCash(current.CalculatedBalance, txn.Amount); !ok {
		return nil, ErrBalanceOutOfRange
	}

	insert := `
		INSERT INTO cash_transactions (` + cashTransactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, insert,
		txn.ID,
		txn.SessionID,
		string(txn.Type),
		txn.Amount,
		txn.Description,
		txn.ExternalRef,
		txn.RecordedBy,
		txn.OccurredAt,
	)
	if err != nil {
		if isUniqueViolation(err, externalRefConstraint) {
			return nil, ErrDuplicateExternalRef
		}
		return nil, fmt.Errorf("insert cash transaction: %w", err)
	}

	update := `
		UPDATE cash_sessions
		SET calculated_balance = calculated_balance + $2
		WHERE id = $1
		RETURNING ` + cashSessionColumns
	updated, err := scanCashSession(tx.QueryRow(ctx, update, txn.SessionID, txn.Amount))
	if err != nil {
		return nil, fmt.Errorf("update calculated balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) ListCashTransactions(ctx context.Context, sessionID uuid.UUID) ([]domain.CashTransaction, error) {
	query := `SELECT ` + cashTransactionColumns + ` FROM cash_transactions WHERE session_id = $1 ORDER BY occurred_at, id`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.CashTransaction, 0)
	for rows.Next() {
		var (
			txn     domain.CashTransaction
			txnType string
		)
		if err := rows.Scan(
			&txn.ID,
			&txn.SessionID,
			&txnType,
			&txn.Amount,
			&txn.Description,
			&txn.ExternalRef,
			&txn.RecordedBy,
			&txn.OccurredAt,
		); err != nil {
			return nil, err
		}
		txn.Type = domain.CashTransactionType(txnType)
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// CloseCashSession runs the whole close under the session row lock: decision,
// authorization consumption, state transition, audit entry and outbox rows commit
// together or not at all.
func (r *PostgresRepository) CloseCashSession(ctx context.Context, sessionID uuid.UUID, decide CloseDecider) (*domain.CashSession, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := lockCashSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	commit, err := decide(*current)
	if err != nil {
		return nil, err
	}

	if commit.ConsumeAuthorizationID != nil {
		consume := `
			UPDATE pending_authorizations
			SET status = 'CONSUMED', resolved_at = $3
			WHERE id = $1
				AND status = 'APPROVED'
				AND action_type = 'CASH_CLOSE_GAP'
				AND entity_type = 'CASH_SESSION'
				AND entity_id = $2
		`
		result, err := tx.Exec(ctx, consume, *commit.ConsumeAuthorizationID, sessionID.String(), commit.Audit.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("consume authorization: %w", err)
		}
		if result.RowsAffected() != 1 {
			return nil, ErrAuthorizationNotUsable
		}
	}

	closed := commit.Closed
	update := `
		UPDATE cash_sessions
		SET status = 'CLOSED',
			closed_by = $2,
			closed_at = $3,
			declared_cash = $4,
			declared_card_total = $5,
			gap_found = $6,
			observations = $7
		WHERE id = $1 AND status = 'OPEN'
		RETURNING ` + cashSessionColumns
	updated, err := scanCashSession(tx.QueryRow(ctx, update,
		sessionID,
		closed.ClosedBy,
		closed.ClosedAt,
		closed.DeclaredCash,
		closed.DeclaredCardTotal,
		closed.GapFound,
		closed.Observations,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCashSessionClosed
		}
		return nil, fmt.Errorf("close cash session: %w", err)
	}

	audit := commit.Audit
	if err := r.insertAuditEntryTx(ctx, tx, &audit); err != nil {
		return nil, err
	}
	if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyCashSessionClosed, domain.NewCashSessionClosedEvent(*updated, audit.ApprovalRequired)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func lockCashSessionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.CashSession, error) {
	query := `SELECT ` + cashSessionColumns + ` FROM cash_sessions WHERE id = $1 FOR UPDATE`
	session, err := scanCashSession(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCashSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func scanCashSession(row pgx.Row) (*domain.CashSession, error) {
	var (
		session domain.CashSession
		status  string
	)
	if err := row.Scan(
		&session.ID,
		&session.ClinicScopeID,
		&session.OpenedBy,
		&session.OpenedAt,
		&session.ClosedBy,
		&session.ClosedAt,
		&session.OpeningBalance,
		&session.CalculatedBalance,
		&session.DeclaredCash,
		&session.DeclaredCardTotal,
		&session.GapFound,
		&session.Observations,
		&status,
	); err != nil {
		return nil, err
	}
	session.Status = domain.CashSessionStatus(status)
	return &session, nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

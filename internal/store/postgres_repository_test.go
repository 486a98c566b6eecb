package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cashSessionColumnNames = strings.Split(strings.ReplaceAll(cashSessionColumns, " ", ""), ",")

func newRepoWithMock(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock, "clinic.events"), mock
}

func openSessionRow(session domain.CashSession) *pgxmock.Rows {
	return pgxmock.NewRows(cashSessionColumnNames).AddRow(
		session.ID,
		session.ClinicScopeID,
		session.OpenedBy,
		session.OpenedAt,
		(*uuid.UUID)(nil),
		(*time.Time)(nil),
		session.OpeningBalance,
		session.CalculatedBalance,
		(*int64)(nil),
		(*int64)(nil),
		(*int64)(nil),
		(*string)(nil),
		string(domain.CashSessionOpen),
	)
}

func closedSessionRow(session domain.CashSession) *pgxmock.Rows {
	return pgxmock.NewRows(cashSessionColumnNames).AddRow(
		session.ID,
		session.ClinicScopeID,
		session.OpenedBy,
		session.OpenedAt,
		session.ClosedBy,
		session.ClosedAt,
		session.OpeningBalance,
		session.CalculatedBalance,
		session.DeclaredCash,
		session.DeclaredCardTotal,
		session.GapFound,
		session.Observations,
		string(domain.CashSessionClosed),
	)
}

func sampleSession() domain.CashSession {
	return domain.CashSession{
		ID:                uuid.New(),
		ClinicScopeID:     uuid.New(),
		OpenedBy:          uuid.New(),
		OpenedAt:          time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		OpeningBalance:    10000,
		CalculatedBalance: 13000,
		Status:            domain.CashSessionOpen,
	}
}

func TestPostgresRepository_GetPinCredentialNotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	owner := uuid.New()

	mock.ExpectQuery(`SELECT owner_id, salted_hash, created_at, updated_at FROM pin_credentials WHERE owner_id = \$1`).
		WithArgs(owner).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetPinCredential(context.Background(), owner)
	assert.ErrorIs(t, err, ErrPinCredentialNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetAuthAttemptStateDefaultsToZero(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	owner := uuid.New()

	mock.ExpectQuery(`SELECT failed_count, locked_until FROM pin_attempt_states`).
		WithArgs(owner).
		WillReturnError(pgx.ErrNoRows)

	state, err := repo.GetAuthAttemptState(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, owner, state.OwnerID)
	assert.Zero(t, state.FailedCount)
	assert.Nil(t, state.LockedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_RecordFailedPinAttemptIsOneStatement(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	owner := uuid.New()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery(`(?s)INSERT INTO pin_attempt_states AS s .* ON CONFLICT \(owner_id\) DO UPDATE`).
		WithArgs(owner, 3, 900, now).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "failed_count", "locked_until"}).AddRow(owner, 0, &until))

	state, err := repo.RecordFailedPinAttempt(context.Background(), owner, 3, 15*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, state.LockedAt(now))
	assert.Equal(t, until, *state.LockedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ResetPinAttemptsKeepsActiveLock(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	owner := uuid.New()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)

	mock.ExpectExec(`UPDATE pin_attempt_states`).
		WithArgs(owner, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT failed_count, locked_until FROM pin_attempt_states`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"failed_count", "locked_until"}).AddRow(0, &until))

	state, err := repo.ResetPinAttempts(context.Background(), owner, now)
	require.NoError(t, err)
	assert.True(t, state.LockedAt(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateCashSessionSecondOpenIsRejected(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cash_sessions`).
		WithArgs(session.ID, session.ClinicScopeID, session.OpenedBy, session.OpenedAt, session.OpeningBalance, session.CalculatedBalance, "OPEN").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: openSessionConstraint})
	mock.ExpectRollback()

	err := repo.CreateCashSession(context.Background(), &session)
	assert.ErrorIs(t, err, ErrOpenCashSessionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateCashSessionEnqueuesEvent(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cash_sessions`).
		WithArgs(session.ID, session.ClinicScopeID, session.OpenedBy, session.OpenedAt, session.OpeningBalance, session.CalculatedBalance, "OPEN").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO event_outbox`).
		WithArgs("clinic.events", domain.RoutingKeyCashSessionOpened, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateCashSession(context.Background(), &session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_AppendCashTransactionDuplicateRef(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	ref := "pay-1"
	txn := domain.CashTransaction{ID: uuid.New(), SessionID: session.ID, Type: domain.CashIncome, Amount: 500, ExternalRef: &ref, OccurredAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectExec(`INSERT INTO cash_transactions`).
		WithArgs(txn.ID, txn.SessionID, "INCOME", txn.Amount, txn.Description, txn.ExternalRef, txn.RecordedBy, txn.OccurredAt).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: externalRefConstraint})
	mock.ExpectRollback()

	_, err := repo.AppendCashTransaction(context.Background(), &txn)
	assert.ErrorIs(t, err, ErrDuplicateExternalRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_AppendCashTransactionRejectsBalanceOutOfRange(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	session.CalculatedBalance = domain.MaxCashAmount - 10
	txn := domain.CashTransaction{ID: uuid.New(), SessionID: session.ID, Type: domain.CashIncome, Amount: 11, OccurredAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectRollback()

	_, err := repo.AppendCashTransaction(context.Background(), &txn)
	assert.ErrorIs(t, err, ErrBalanceOutOfRange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CloseCashSessionDecideErrorRollsBack(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	refused := errors.New("approval required")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectRollback()

	var seen domain.CashSession
	_, err := repo.CloseCashSession(context.Background(), session.ID, func(current domain.CashSession) (*CloseCommit, error) {
		seen = current
		return nil, refused
	})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, session.CalculatedBalance, seen.CalculatedBalance)
	assert.True(t, seen.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CloseCashSessionUnknownSession(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.CloseCashSession(context.Background(), id, func(domain.CashSession) (*CloseCommit, error) {
		t.Fatal("decide must not run without a session")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCashSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func closeFixture(session domain.CashSession, approvalID *uuid.UUID) (*CloseCommit, domain.CashSession) {
	closedBy := uuid.New()
	closedAt := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	declaredCash, declaredCard, gap := int64(9000), int64(3500), int64(-500)
	observations := "counted twice"

	closed := session
	closed.Status = domain.CashSessionClosed
	closed.ClosedBy = &closedBy
	closed.ClosedAt = &closedAt
	closed.DeclaredCash = &declaredCash
	closed.DeclaredCardTotal = &declaredCard
	closed.GapFound = &gap
	closed.Observations = &observations

	return &CloseCommit{
		Closed: closed,
		Audit: domain.AuditEntry{
			ID:               uuid.New(),
			ActorID:          closedBy,
			ActionType:       domain.ActionCashCloseGap,
			EntityType:       domain.EntityCashSession,
			EntityID:         session.ID.String(),
			OldSnapshot:      []byte(`{"status":"OPEN"}`),
			NewSnapshot:      []byte(`{"status":"CLOSED"}`),
			ApprovalRequired: true,
			OccurredAt:       closedAt,
		},
		ConsumeAuthorizationID: approvalID,
	}, closed
}

func TestPostgresRepository_CloseCashSessionRejectsUnusableAuthorization(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	approvalID := uuid.New()
	commit, _ := closeFixture(session, &approvalID)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectExec(`UPDATE pending_authorizations\s+SET status = 'CONSUMED'`).
		WithArgs(approvalID, session.ID.String(), commit.Audit.OccurredAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := repo.CloseCashSession(context.Background(), session.ID, func(domain.CashSession) (*CloseCommit, error) {
		return commit, nil
	})
	assert.ErrorIs(t, err, ErrAuthorizationNotUsable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CloseCashSessionCommitsEverythingTogether(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	approvalID := uuid.New()
	commit, closed := closeFixture(session, &approvalID)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectExec(`UPDATE pending_authorizations\s+SET status = 'CONSUMED'`).
		WithArgs(approvalID, session.ID.String(), commit.Audit.OccurredAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE cash_sessions\s+SET status = 'CLOSED'`).
		WithArgs(session.ID, closed.ClosedBy, closed.ClosedAt, closed.DeclaredCash, closed.DeclaredCardTotal, closed.GapFound, closed.Observations).
		WillReturnRows(closedSessionRow(closed))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(commit.Audit.ID, commit.Audit.ActorID, "CASH_CLOSE_GAP", "CASH_SESSION", session.ID.String(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), commit.Audit.Notes, true, commit.Audit.OccurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO event_outbox`).
		WithArgs("clinic.events", domain.RoutingKeyAuditRecorded, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO event_outbox`).
		WithArgs("clinic.events", domain.RoutingKeyCashSessionClosed, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := repo.CloseCashSession(context.Background(), session.ID, func(domain.CashSession) (*CloseCommit, error) {
		return commit, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CashSessionClosed, got.Status)
	assert.Equal(t, int64(-500), *got.GapFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CloseCashSessionLostRace(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	session := sampleSession()
	commit, closed := closeFixture(session, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM cash_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs(session.ID).
		WillReturnRows(openSessionRow(session))
	mock.ExpectQuery(`UPDATE cash_sessions\s+SET status = 'CLOSED'`).
		WithArgs(session.ID, closed.ClosedBy, closed.ClosedAt, closed.DeclaredCash, closed.DeclaredCardTotal, closed.GapFound, closed.Observations).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.CloseCashSession(context.Background(), session.ID, func(domain.CashSession) (*CloseCommit, error) {
		return commit, nil
	})
	assert.ErrorIs(t, err, ErrCashSessionClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MarkOutboxFailedClampsInputs(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	reason := strings.Repeat("x", 2500)

	mock.ExpectExec(`UPDATE event_outbox\s+SET status = 'pending'`).
		WithArgs(int64(7), 1, reason[:2000]).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkOutboxFailed(context.Background(), 7, 200*time.Millisecond, reason))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MarkOutboxFailedKeepsReasonValidUTF8(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	reason := "x" + strings.Repeat("é", 1500)

	mock.ExpectExec(`UPDATE event_outbox\s+SET status = 'pending'`).
		WithArgs(int64(7), 30, reason[:1999]).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkOutboxFailed(context.Background(), 7, 30*time.Second, reason))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateText(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "short", in: "broker down", limit: 20, want: "broker down"},
		{name: "ascii cut", in: "abcdef", limit: 4, want: "abcd"},
		{name: "cut inside two-byte rune", in: "aé", limit: 2, want: "a"},
		{name: "cut inside four-byte rune", in: "ok🙂", limit: 4, want: "ok"},
		{name: "cut after full rune", in: "éé", limit: 2, want: "é"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncateText(tc.in, tc.limit)
			assert.Equal(t, tc.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestPostgresRepository_ClaimOutboxMessages(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`WITH candidates AS`).
		WithArgs(50, 120).
		WillReturnRows(pgxmock.NewRows([]string{"id", "exchange", "routing_key", "payload", "attempts"}).
			AddRow(int64(1), "clinic.events", domain.RoutingKeyCashSessionOpened, `{"session_id":"x"}`, 1))

	messages, err := repo.ClaimOutboxMessages(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, []byte(`{"session_id":"x"}`), messages[0].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

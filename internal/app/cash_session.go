package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
)

// CashSessionService is the only writer of cash sessions. Fields change through Open,
// AppendTransaction and Close; nothing else touches a session row.
type CashSessionService struct {
	repo         store.Repository
	engine       *ReconciliationEngine
	blindClosing bool
	logger       *slog.Logger
	now          func() time.Time
}

func NewCashSessionService(repo store.Repository, engine *ReconciliationEngine, blindClosing bool, logger *slog.Logger) *CashSessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CashSessionService{
		repo:         repo,
		engine:       engine,
		blindClosing: blindClosing,
		logger:       logger.With("component", "cash_session"),
		now:          time.Now,
	}
}

type AppendTransactionRequest struct {
	SessionID   uuid.UUID
	Type        domain.CashTransactionType
	Amount      int64
	Description *string
	ExternalRef *string
	RecordedBy  *uuid.UUID
	OccurredAt  time.Time
}

// Open starts a session for the scope. A second OPEN session for the same scope is a
// Conflict.
func (s *CashSessionService) Open(ctx context.Context, clinicScopeID, openedBy uuid.UUID, openingBalance int64) (*domain.CashSession, error) {
	if clinicScopeID == uuid.Nil {
		return nil, invalid("clinic_scope_id", "is required")
	}
	if openedBy == uuid.Nil {
		return nil, invalid("opened_by", "is required")
	}
	if openingBalance < 0 {
		return nil, invalid("opening_balance", "must not be negative")
	}
	if openingBalance > domain.MaxCashAmount {
		return nil, invalid("opening_balance", "exceeds the supported cash range")
	}

	session := domain.CashSession{
		ID:                uuid.New(),
		ClinicScopeID:     clinicScopeID,
		OpenedBy:          openedBy,
		OpenedAt:          s.now().UTC(),
		OpeningBalance:    openingBalance,
		CalculatedBalance: openingBalance,
		Status:            domain.CashSessionOpen,
	}
	if err := s.repo.CreateCashSession(ctx, &session); err != nil {
		return nil, translateStoreError(err)
	}
	s.logger.Info("cash session opened",
		"session_id", session.ID,
		"clinic_scope_id", clinicScopeID,
		"opened_by", openedBy,
		"opening_balance", openingBalance,
	)
	return &session, nil
}

// AppendTransaction records a positive amount, signed by its type, on an OPEN session.
func (s *CashSessionService) AppendTransaction(ctx context.Context, req AppendTransactionRequest) (*domain.CashTransaction, *domain.CashSession, error) {
	if req.SessionID == uuid.Nil {
		return nil, nil, invalid("session_id", "is required")
	}
	if !req.Type.Valid() {
		return nil, nil, invalid("type", "must be INCOME or EXPENSE")
	}
	if req.Amount <= 0 {
		return nil, nil, invalid("amount", "must be positive")
	}
	if req.Amount > domain.MaxCashAmount {
		return nil, nil, invalid("amount", "exceeds the supported cash range")
	}
	if req.ExternalRef != nil && strings.TrimSpace(*req.ExternalRef) == "" {
		req.ExternalRef = nil
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	txn := domain.CashTransaction{
		ID:          uuid.New(),
		SessionID:   req.SessionID,
		Type:        req.Type,
		Amount:      req.Type.Signed(req.Amount),
		Description: trimmed(req.Description),
		ExternalRef: req.ExternalRef,
		RecordedBy:  req.RecordedBy,
		OccurredAt:  occurredAt.UTC(),
	}
	session, err := s.repo.AppendCashTransaction(ctx, &txn)
	if err != nil {
		return nil, nil, translateStoreError(err)
	}
	s.logger.Debug("cash transaction appended",
		"session_id", session.ID,
		"transaction_id", txn.ID,
		"amount", txn.Amount,
	)
	return &txn, session, nil
}

func (s *CashSessionService) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	return s.engine.Close(ctx, req)
}

// View returns the session as a closer sees it. In blind mode the calculated balance
// of an OPEN session stays hidden whatever reveal asks for.
func (s *CashSessionService) View(ctx context.Context, sessionID uuid.UUID, reveal bool) (*domain.CashSessionView, error) {
	session, err := s.repo.GetCashSession(ctx, sessionID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	view := domain.NewCashSessionView(*session, s.hidesBalance(*session, reveal))
	return &view, nil
}

// Current returns the OPEN session of a scope.
func (s *CashSessionService) Current(ctx context.Context, clinicScopeID uuid.UUID, reveal bool) (*domain.CashSessionView, error) {
	if clinicScopeID == uuid.Nil {
		return nil, invalid("clinic_scope_id", "is required")
	}
	session, err := s.repo.FindOpenCashSession(ctx, clinicScopeID)
	if err != nil {
		if errors.Is(err, store.ErrCashSessionNotFound) {
			return nil, notFound("open cash session", err)
		}
		return nil, err
	}
	view := domain.NewCashSessionView(*session, s.hidesBalance(*session, reveal))
	return &view, nil
}

func (s *CashSessionService) ListTransactions(ctx context.Context, sessionID uuid.UUID) ([]domain.CashTransaction, error) {
	if _, err := s.repo.GetCashSession(ctx, sessionID); err != nil {
		return nil, translateStoreError(err)
	}
	return s.repo.ListCashTransactions(ctx, sessionID)
}

func (s *CashSessionService) hidesBalance(session domain.CashSession, reveal bool) bool {
	if !session.IsOpen() {
		return false
	}
	return s.blindClosing || !reveal
}

/**
 * @description
 * In-process implementation of the `Repository` interface. A single mutex serialises
 * every method, which gives each call the same all-or-nothing behaviour as the
 * PostgreSQL transactions. Used for local runs without DATABASE_URL and in tests.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
)

var errDuplicateAuditEntry = errors.New("audit entry already recorded")

type memoryOutboxRow struct {
	message       OutboxMessage
	status        string
	nextAttemptAt time.Time
	claimedAt     time.Time
	lastError     string
}

// MemoryRepository keeps all state in maps guarded by one mutex.
type MemoryRepository struct {
	mu sync.Mutex

	exchange     string
	credentials  map[uuid.UUID]domain.PinCredential
	attempts     map[uuid.UUID]domain.AuthAttemptState
	audit        []domain.AuditEntry
	pending      map[uuid.UUID]domain.PendingAuthorization
	sessions     map[uuid.UUID]domain.CashSession
	transactions map[uuid.UUID][]domain.CashTransaction
	externalRefs map[string]struct{}
	outbox       []*memoryOutboxRow
	nextOutboxID int64
	now          func() time.Time
}

func NewMemoryRepository(eventExchange string) *MemoryRepository {
	return &MemoryRepository{
		exchange:     eventExchange,
		credentials:  make(map[uuid.UUID]domain.PinCredential),
		attempts:     make(map[uuid.UUID]domain.AuthAttemptState),
		pending:      make(map[uuid.UUID]domain.PendingAuthorization),
		sessions:     make(map[uuid.UUID]domain.CashSession),
		transactions: make(map[uuid.UUID][]domain.CashTransaction),
		externalRefs: make(map[string]struct{}),
		now:          time.Now,
	}
}

func (m *MemoryRepository) UpsertPinCredential(ctx context.Context, ownerID uuid.UUID, saltedHash string, now time.Time) (*domain.PinCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	credential, ok := m.credentials[ownerID]
	if !ok {
		credential = domain.PinCredential{OwnerID: ownerID, CreatedAt: now}
	}
	credential.SaltedHash = saltedHash
	credential.UpdatedAt = now
	m.credentials[ownerID] = credential
	return &credential, nil
}

func (m *MemoryRepository) GetPinCredential(ctx context.Context, ownerID uuid.UUID) (*domain.PinCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	credential, ok := m.credentials[ownerID]
	if !ok {
		return nil, ErrPinCredentialNotFound
	}
	return &credential, nil
}

func (m *MemoryRepository) GetAuthAttemptState(ctx context.Context, ownerID uuid.UUID) (*domain.AuthAttemptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.attemptStateLocked(ownerID)
	return &state, nil
}

func (m *MemoryRepository) RecordFailedPinAttempt(ctx context.Context, ownerID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.AuthAttemptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.attemptStateLocked(ownerID)
	if state.LockedAt(now) {
		return &state, nil
	}

	state.FailedCount++
	state.LockedUntil = nil
	if state.FailedCount >= maxAttempts {
		until := now.Add(lockout)
		state.FailedCount = 0
		state.LockedUntil = &until
	}
	m.attempts[ownerID] = state
	stored := m.attemptStateLocked(ownerID)
	return &stored, nil
}

func (m *MemoryRepository) ResetPinAttempts(ctx context.Context, ownerID uuid.UUID, now time.Time) (*domain.AuthAttemptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.attemptStateLocked(ownerID)
	if state.LockedAt(now) {
		return &state, nil
	}
	if _, ok := m.attempts[ownerID]; ok {
		m.attempts[ownerID] = domain.AuthAttemptState{OwnerID: ownerID}
	}
	return &domain.AuthAttemptState{OwnerID: ownerID}, nil
}

func (m *MemoryRepository) attemptStateLocked(ownerID uuid.UUID) domain.AuthAttemptState {
	state, ok := m.attempts[ownerID]
	if !ok {
		return domain.AuthAttemptState{OwnerID: ownerID}
	}
	if state.LockedUntil != nil {
		until := *state.LockedUntil
		state.LockedUntil = &until
	}
	return state
}

func (m *MemoryRepository) InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertAuditEntryLocked(*entry)
}

func (m *MemoryRepository) insertAuditEntryLocked(entry domain.AuditEntry) error {
	for _, existing := range m.audit {
		if existing.ID == entry.ID {
			return errDuplicateAuditEntry
		}
	}
	m.audit = append(m.audit, cloneAuditEntry(entry))
	return m.enqueueLocked(domain.RoutingKeyAuditRecorded, domain.NewAuditRecordedEvent(entry))
}

func (m *MemoryRepository) QueryAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]domain.AuditEntry, 0)
	for _, entry := range m.audit {
		if filter.Matches(entry) {
			entries = append(entries, cloneAuditEntry(entry))
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].OccurredAt.Equal(entries[j].OccurredAt) {
			return entries[i].ID.String() > entries[j].ID.String()
		}
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (m *MemoryRepository) CreatePendingAuthorization(ctx context.Context, pending *domain.PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[pending.ID] = *pending
	return nil
}

func (m *MemoryRepository) GetPendingAuthorization(ctx context.Context, id uuid.UUID) (*domain.PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[id]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return &pending, nil
}

func (m *MemoryRepository) ApprovePendingAuthorization(ctx context.Context, id uuid.UUID, approverID uuid.UUID, now time.Time, entry *domain.AuditEntry) (*domain.PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[id]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	if pending.Status != domain.PendingAwaitingPIN {
		return nil, ErrAuthorizationNotPending
	}
	if entry != nil {
		if err := m.insertAuditEntryLocked(*entry); err != nil {
			return nil, err
		}
	}
	approver := approverID
	resolvedAt := now
	pending.Status = domain.PendingApproved
	pending.ApprovedBy = &approver
	pending.ResolvedAt = &resolvedAt
	m.pending[id] = pending
	return &pending, nil
}

func (m *MemoryRepository) ResolvePendingAuthorization(ctx context.Context, id uuid.UUID, status domain.PendingStatus, now time.Time) (*domain.PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[id]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	if pending.Status != domain.PendingAwaitingPIN {
		return nil, ErrAuthorizationNotPending
	}
	resolvedAt := now
	pending.Status = status
	pending.ResolvedAt = &resolvedAt
	m.pending[id] = pending
	return &pending, nil
}

func (m *MemoryRepository) CreateCashSession(ctx context.Context, session *domain.CashSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.ClinicScopeID == session.ClinicScopeID && existing.IsOpen() {
			return ErrOpenCashSessionExists
		}
	}
	m.sessions[session.ID] = *session
	return m.enqueueLocked(domain.RoutingKeyCashSessionOpened, domain.NewCashSessionOpenedEvent(*session))
}

func (m *MemoryRepository) GetCashSession(ctx context.Context, id uuid.UUID) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrCashSessionNotFound
	}
	return &session, nil
}

func (m *MemoryRepository) FindOpenCashSession(ctx context.Context, clinicScopeID uuid.UUID) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range m.sessions {
		if session.ClinicScopeID == clinicScopeID && session.IsOpen() {
			found := session
			return &found, nil
		}
	}
	return nil, ErrCashSessionNotFound
}

func (m *MemoryRepository) AppendCashTransaction(ctx context.Context, txn *domain.CashTransaction) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[txn.SessionID]
	if !ok {
		return nil, ErrCashSessionNotFound
	}
	if !session.IsOpen() {
		return nil, ErrCashSessionClosed
	}
	balance, ok := domain.AddCash(session.CalculatedBalance, txn.Amount)
	if !ok {
		return nil, ErrBalanceOutOfRange
	}
	if txn.ExternalRef != nil {
		if _, seen := m.externalRefs[*txn.ExternalRef]; seen {
			return nil, ErrDuplicateExternalRef
		}
		m.externalRefs[*txn.ExternalRef] = struct{}{}
	}

	m.transactions[txn.SessionID] = append(m.transactions[txn.SessionID], *txn)
	session.CalculatedBalance = balance
	m.sessions[txn.SessionID] = session
	return &session, nil
}

func (m *MemoryRepository) ListCashTransactions(ctx context.Context, sessionID uuid.UUID) ([]domain.CashTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transactions := append([]domain.CashTransaction(nil), m.transactions[sessionID]...)
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].OccurredAt.Before(transactions[j].OccurredAt)
	})
	return transactions, nil
}

func (m *MemoryRepository) CloseCashSession(ctx context.Context, sessionID uuid.UUID, decide CloseDecider) (*domain.CashSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrCashSessionNotFound
	}

	commit, err := decide(current)
	if err != nil {
		return nil, err
	}
	if !current.IsOpen() {
		return nil, ErrCashSessionClosed
	}

	var consumed *domain.PendingAuthorization
	if commit.ConsumeAuthorizationID != nil {
		pending, ok := m.pending[*commit.ConsumeAuthorizationID]
		if !ok ||
			pending.Status != domain.PendingApproved ||
			pending.ActionType != domain.ActionCashCloseGap ||
			pending.EntityType != domain.EntityCashSession ||
			pending.EntityID != sessionID.String() {
			return nil, ErrAuthorizationNotUsable
		}
		resolvedAt := commit.Audit.OccurredAt
		pending.Status = domain.PendingConsumed
		pending.ResolvedAt = &resolvedAt
		consumed = &pending
	}

	closed := commit.Closed
	closed.Status = domain.CashSessionClosed
	if err := m.insertAuditEntryLocked(commit.Audit); err != nil {
		return nil, err
	}
	if consumed != nil {
		m.pending[consumed.ID] = *consumed
	}
	m.sessions[sessionID] = closed
	if err := m.enqueueLocked(domain.RoutingKeyCashSessionClosed, domain.NewCashSessionClosedEvent(closed, commit.Audit.ApprovalRequired)); err != nil {
		return nil, err
	}
	return &closed, nil
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := m.now()
	messages := make([]OutboxMessage, 0, limit)
	for _, row := range m.outbox {
		if len(messages) == limit {
			break
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		stale := row.status == "processing" && now.Sub(row.claimedAt) > staleAfter
		if !due && !stale {
			continue
		}
		row.status = "processing"
		row.claimedAt = now
		row.message.Attempts++
		messages = append(messages, row.message)
	}
	return messages, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row := m.outboxRowLocked(id); row != nil {
		row.status = "published"
		row.lastError = ""
	}
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row := m.outboxRowLocked(id); row != nil {
		row.status = "pending"
		row.nextAttemptAt = m.now().Add(retryAfter)
		row.lastError = reason
	}
	return nil
}

// PendingOutboxCount reports rows not yet published.
func (m *MemoryRepository) PendingOutboxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, row := range m.outbox {
		if row.status != "published" {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) outboxRowLocked(id int64) *memoryOutboxRow {
	for _, row := range m.outbox {
		if row.message.ID == id {
			return row
		}
	}
	return nil
}

func (m *MemoryRepository) enqueueLocked(routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.nextOutboxID++
	m.outbox = append(m.outbox, &memoryOutboxRow{
		message: OutboxMessage{
			ID:         m.nextOutboxID,
			Exchange:   m.exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: m.now(),
	})
	return nil
}

func cloneAuditEntry(entry domain.AuditEntry) domain.AuditEntry {
	if entry.OldSnapshot != nil {
		entry.OldSnapshot = append([]byte(nil), entry.OldSnapshot...)
	}
	if entry.NewSnapshot != nil {
		entry.NewSnapshot = append([]byte(nil), entry.NewSnapshot...)
	}
	return entry
}

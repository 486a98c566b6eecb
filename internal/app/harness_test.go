package app

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testHasherParams = Argon2Params{Memory: 8 * 1024, Time: 1, Threads: 1}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	repo     *store.MemoryRepository
	clock    *testClock
	metrics  *Metrics
	pins     *PinAuthenticator
	audit    *AuditTrail
	gate     *AuthorizationGate
	engine   *ReconciliationEngine
	sessions *CashSessionService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, maxDifference int64) *harness {
	t.Helper()

	repo := store.NewMemoryRepository("clinic.events")
	clock := newTestClock()
	logger := discardLogger()
	metrics := NewMetrics(prometheus.NewRegistry())

	pins := NewPinAuthenticator(repo, NewArgon2PinHasher(testHasherParams), PinPolicy{}, logger, metrics)
	pins.now = clock.Now
	audit := NewAuditTrail(repo, logger)
	audit.now = clock.Now
	gate := NewAuthorizationGate(repo, pins, audit, true, logger, metrics)
	gate.now = clock.Now
	engine := NewReconciliationEngine(repo, gate, audit, StaticPolicy(domain.AuthorizationPolicy{MaxDifferenceWithoutApproval: maxDifference}), logger, metrics)
	engine.now = clock.Now
	sessions := NewCashSessionService(repo, engine, true, logger)
	sessions.now = clock.Now

	return &harness{
		repo:     repo,
		clock:    clock,
		metrics:  metrics,
		pins:     pins,
		audit:    audit,
		gate:     gate,
		engine:   engine,
		sessions: sessions,
	}
}

// openWithBalance opens a session and books the given signed movements.
func (h *harness) openWithBalance(t *testing.T, opening int64, movements ...int64) *domain.CashSession {
	t.Helper()

	session, err := h.sessions.Open(t.Context(), uuid.New(), uuid.New(), opening)
	require.NoError(t, err)
	for _, amount := range movements {
		txnType := domain.CashIncome
		if amount < 0 {
			txnType = domain.CashExpense
			amount = -amount
		}
		h.clock.Advance(time.Minute)
		_, updated, err := h.sessions.AppendTransaction(t.Context(), AppendTransactionRequest{
			SessionID: session.ID,
			Type:      txnType,
			Amount:    amount,
		})
		require.NoError(t, err)
		session = updated
	}
	return session
}

func (h *harness) cashSessionAudit(t *testing.T, sessionID uuid.UUID) []domain.AuditEntry {
	t.Helper()

	entityType := domain.EntityCashSession
	entries, err := h.audit.Query(t.Context(), domain.AuditFilter{EntityType: &entityType})
	require.NoError(t, err)
	var matched []domain.AuditEntry
	for _, entry := range entries {
		if entry.EntityID == sessionID.String() {
			matched = append(matched, entry)
		}
	}
	return matched
}

func strPtr(s string) *string { return &s }

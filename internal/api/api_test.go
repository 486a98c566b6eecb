package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicpro/cashdesk-service/internal/app"
	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "clinicpro"
)

type testServer struct {
	router *chi.Mux
}

func newTestServer(t *testing.T, maxDifference int64, pinRateLimit int) *testServer {
	t.Helper()
	return newTestServerWithBlindClosing(t, maxDifference, pinRateLimit, true)
}

func newTestServerWithBlindClosing(t *testing.T, maxDifference int64, pinRateLimit int, blindClosing bool) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository("clinic.events")
	metrics := app.NewMetrics(prometheus.NewRegistry())

	hasher := app.NewArgon2PinHasher(app.Argon2Params{Memory: 8 * 1024, Time: 1, Threads: 1})
	pins := app.NewPinAuthenticator(repo, hasher, app.PinPolicy{}, logger, metrics)
	audit := app.NewAuditTrail(repo, logger)
	gate := app.NewAuthorizationGate(repo, pins, audit, blindClosing, logger, metrics)
	policy := app.StaticPolicy(domain.AuthorizationPolicy{MaxDifferenceWithoutApproval: maxDifference})
	engine := app.NewReconciliationEngine(repo, gate, audit, policy, logger, metrics)
	sessions := app.NewCashSessionService(repo, engine, blindClosing, logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := app.NewRedisRateLimiter(client, "")

	handlers := NewHandlers(pins, gate, sessions, audit, limiter, pinRateLimit)
	return &testServer{router: NewRouter(handlers, RouterConfig{JWTSecret: testSecret, JWTIssuer: testIssuer})}
}

func tokenFor(t *testing.T, actorID uuid.UUID) string {
	t.Helper()
	token, err := IssueToken(testSecret, testIssuer, actorID, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestJWTAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	actor := uuid.New()

	expired, err := IssueToken(testSecret, testIssuer, actor, -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := IssueToken(testSecret, "someone-else", actor, time.Hour)
	require.NoError(t, err)
	otherSecret, err := IssueToken("not-the-secret", testIssuer, actor, time.Hour)
	require.NoError(t, err)
	nilSubject, err := IssueToken(testSecret, testIssuer, uuid.Nil, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":      "",
		"expired":      expired,
		"wrong issuer": otherIssuer,
		"wrong secret": otherSecret,
		"nil subject":  nilSubject,
	} {
		t.Run(name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/cashdesk/pin/lock", token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec := srv.do(t, http.MethodGet, "/cashdesk/pin/lock", tokenFor(t, actor), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[domain.LockStatus](t, rec)
	assert.False(t, status.Locked)
}

func TestPINEndpoints(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := tokenFor(t, uuid.New())

	rec := srv.do(t, http.MethodPut, "/cashdesk/pin", token, map[string]string{"pin": "12"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "pin", decodeBody[errorResponse](t, rec).Field)

	rec = srv.do(t, http.MethodPut, "/cashdesk/pin", token, map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/verify", token, map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PINAuthorized, decodeBody[domain.PINOutcome](t, rec).Status)

	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/rotate", token, map[string]string{"current_pin": "9999", "new_pin": "5678"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 2, *decodeBody[errorResponse](t, rec).AttemptsRemaining)

	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/rotate", token, map[string]string{"current_pin": "1234", "new_pin": "5678"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	for i := 0; i < 2; i++ {
		rec = srv.do(t, http.MethodPost, "/cashdesk/pin/verify", token, map[string]string{"pin": "0000"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/verify", token, map[string]string{"pin": "0000"})
	require.Equal(t, http.StatusLocked, rec.Code)
	outcome := decodeBody[domain.PINOutcome](t, rec)
	assert.Equal(t, domain.PINLocked, outcome.Status)
	require.NotNil(t, outcome.LockedUntil)

	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/rotate", token, map[string]string{"current_pin": "5678", "new_pin": "1111"})
	require.Equal(t, http.StatusLocked, rec.Code)
	assert.NotNil(t, decodeBody[errorResponse](t, rec).LockedUntil)

	rec = srv.do(t, http.MethodGet, "/cashdesk/pin/lock", token, nil)
	assert.True(t, decodeBody[domain.LockStatus](t, rec).Locked)
}

func TestVerifyPINWithoutCredentialIsNotFound(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	rec := srv.do(t, http.MethodPost, "/cashdesk/pin/verify", tokenFor(t, uuid.New()), map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPINRateLimit(t *testing.T) {
	srv := newTestServer(t, 0, 2)
	token := tokenFor(t, uuid.New())
	require.Equal(t, http.StatusNoContent, srv.do(t, http.MethodPut, "/cashdesk/pin", token, map[string]string{"pin": "1234"}).Code)

	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodPost, "/cashdesk/pin/verify", token, map[string]string{"pin": "1234"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := srv.do(t, http.MethodPost, "/cashdesk/pin/verify", token, map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := tokenFor(t, uuid.New())
	rec = srv.do(t, http.MethodPost, "/cashdesk/pin/verify", other, map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "the limit is per actor")
}

func TestAuthorizationEndpoints(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	cashier, supervisor := uuid.New(), uuid.New()
	cashierToken := tokenFor(t, cashier)
	require.Equal(t, http.StatusNoContent, srv.do(t, http.MethodPut, "/cashdesk/pin", tokenFor(t, supervisor), map[string]string{"pin": "8080"}).Code)

	refund := map[string]any{
		"action_type":        "REFUND",
		"entity_type":        "TRANSACTION",
		"entity_id":          "txn-9",
		"threshold_exceeded": true,
		"payload":            map[string]any{"amount": 20000},
	}
	rec := srv.do(t, http.MethodPost, "/cashdesk/authorizations", cashierToken, refund)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decision := decodeBody[domain.Decision](t, rec)
	require.NotNil(t, decision.PendingID)
	pendingPath := "/cashdesk/authorizations/" + decision.PendingID.String()

	rec = srv.do(t, http.MethodGet, pendingPath, cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PendingAwaitingPIN, decodeBody[domain.PendingAuthorization](t, rec).Status)

	rec = srv.do(t, http.MethodPost, pendingPath+"/pin", cashierToken, map[string]any{"pin": "8080", "approver_id": supervisor})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[app.SubmitResult](t, rec)
	assert.Equal(t, domain.PendingApproved, result.Authorization.Status)
	assert.Equal(t, supervisor, *result.Authorization.ApprovedBy)
	require.NotNil(t, result.AuditEntryID)

	rec = srv.do(t, http.MethodPost, pendingPath+"/cancel", cashierToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	refund["threshold_exceeded"] = false
	rec = srv.do(t, http.MethodPost, "/cashdesk/authorizations", cashierToken, refund)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.DecisionImmediate, decodeBody[domain.Decision](t, rec).Kind)

	rec = srv.do(t, http.MethodPost, "/cashdesk/authorizations", cashierToken, map[string]any{"action_type": "REFUND", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/cashdesk/authorizations/not-a-uuid", cashierToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = srv.do(t, http.MethodGet, "/cashdesk/authorizations/"+uuid.NewString(), cashierToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCashSessionCloseFlowWithApproval(t *testing.T) {
	srv := newTestServer(t, 500, 0)
	cashier := uuid.New()
	token := tokenFor(t, cashier)
	scope := uuid.New()
	require.Equal(t, http.StatusNoContent, srv.do(t, http.MethodPut, "/cashdesk/pin", token, map[string]string{"pin": "4321"}).Code)

	rec := srv.do(t, http.MethodPost, "/cashdesk/sessions", token, map[string]any{"clinic_scope_id": scope, "opening_balance": 10000})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decodeBody[domain.CashSession](t, rec)
	sessionPath := "/cashdesk/sessions/" + session.ID.String()

	rec = srv.do(t, http.MethodPost, "/cashdesk/sessions", token, map[string]any{"clinic_scope_id": scope, "opening_balance": 0})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodPost, sessionPath+"/transactions", token, map[string]any{"type": "INCOME", "amount": 5000, "description": "consulta"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appended := decodeBody[appendTransactionResponse](t, rec)
	assert.Equal(t, int64(5000), appended.Transaction.Amount)
	assert.Equal(t, cashier, *appended.Transaction.RecordedBy)
	assert.True(t, appended.Session.BalanceHidden)
	assert.Nil(t, appended.Session.CalculatedBalance)

	rec = srv.do(t, http.MethodGet, "/cashdesk/sessions/current?clinic_scope_id="+scope.String()+"&reveal=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "calculated_balance")

	closeBody := map[string]any{"declared_cash": 14000, "declared_card_total": 0}
	rec = srv.do(t, http.MethodPost, sessionPath+"/close", token, closeBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "observations", decodeBody[errorResponse](t, rec).Field)

	closeBody["observations"] = "short by one note"
	rec = srv.do(t, http.MethodPost, sessionPath+"/close", token, closeBody)
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "gap")
	assert.NotContains(t, rec.Body.String(), "max_difference")
	challenge := decodeBody[errorResponse](t, rec)
	require.NotNil(t, challenge.PendingID)

	rec = srv.do(t, http.MethodGet, "/cashdesk/authorizations/"+challenge.PendingID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "calculated_balance")
	pending := decodeBody[domain.PendingAuthorization](t, rec)
	var shown map[string]any
	require.NoError(t, json.Unmarshal(pending.Payload, &shown))
	assert.Equal(t, float64(14000), shown["declared_cash"])
	assert.NotContains(t, shown, "gap")

	pinPath := "/cashdesk/authorizations/" + challenge.PendingID.String() + "/pin"
	rec = srv.do(t, http.MethodPost, pinPath, token, map[string]string{"pin": "0000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	denied := decodeBody[app.SubmitResult](t, rec)
	assert.Equal(t, 2, denied.Outcome.AttemptsRemaining)

	rec = srv.do(t, http.MethodPost, pinPath, token, map[string]string{"pin": "4321"})
	require.Equal(t, http.StatusOK, rec.Code)

	closeBody["authorization_id"] = challenge.PendingID
	rec = srv.do(t, http.MethodPost, sessionPath+"/close", token, closeBody)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[app.CloseResult](t, rec)
	assert.Equal(t, int64(-1000), result.GapFound)
	assert.True(t, result.RequiresApproval)
	assert.Equal(t, domain.CashSessionClosed, result.Session.Status)

	rec = srv.do(t, http.MethodPost, sessionPath+"/close", token, closeBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodGet, sessionPath, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[domain.CashSessionView](t, rec)
	assert.False(t, view.BalanceHidden)
	assert.Equal(t, int64(15000), *view.CalculatedBalance)

	rec = srv.do(t, http.MethodGet, sessionPath+"/transactions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.CashTransaction](t, rec), 1)

	rec = srv.do(t, http.MethodGet, "/cashdesk/audit?entity_type=cash_session&critical_only=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]domain.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionCashCloseGap, entries[0].ActionType)
	assert.True(t, entries[0].ApprovalRequired)
	assert.True(t, strings.Contains(*entries[0].Notes, "gap=-1000"))
}

func TestCloseApprovalChallengeShowsGapWithoutBlindClosing(t *testing.T) {
	srv := newTestServerWithBlindClosing(t, 500, 0, false)
	token := tokenFor(t, uuid.New())

	rec := srv.do(t, http.MethodPost, "/cashdesk/sessions", token, map[string]any{"clinic_scope_id": uuid.New(), "opening_balance": 10000})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decodeBody[domain.CashSession](t, rec)

	rec = srv.do(t, http.MethodPost, "/cashdesk/sessions/"+session.ID.String()+"/close", token, map[string]any{
		"declared_cash":       9000,
		"declared_card_total": 0,
		"observations":        "short by one note",
	})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	challenge := decodeBody[errorResponse](t, rec)
	require.NotNil(t, challenge.Gap)
	assert.Equal(t, int64(-1000), *challenge.Gap)
	assert.Equal(t, int64(500), *challenge.MaxDifference)

	rec = srv.do(t, http.MethodGet, "/cashdesk/authorizations/"+challenge.PendingID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"calculated_balance":10000`)
}

func TestCloseRejectsDeclarationsOutsideCashRange(t *testing.T) {
	srv := newTestServer(t, 500, 0)
	token := tokenFor(t, uuid.New())

	rec := srv.do(t, http.MethodPost, "/cashdesk/sessions", token, map[string]any{"clinic_scope_id": uuid.New(), "opening_balance": 130})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decodeBody[domain.CashSession](t, rec)
	sessionPath := "/cashdesk/sessions/" + session.ID.String()

	rec = srv.do(t, http.MethodPost, sessionPath+"/close", token, map[string]any{
		"declared_cash":       int64(math.MaxInt64),
		"declared_card_total": int64(math.MaxInt64),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "declared_cash", decodeBody[errorResponse](t, rec).Field)

	rec = srv.do(t, http.MethodPost, sessionPath+"/transactions", token, map[string]any{"type": "INCOME", "amount": domain.MaxCashAmount + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, sessionPath+"?reveal=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.CashSessionOpen, decodeBody[domain.CashSessionView](t, rec).Status)
}

func TestSessionEndpointErrors(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := tokenFor(t, uuid.New())

	rec := srv.do(t, http.MethodGet, "/cashdesk/sessions/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/cashdesk/sessions/current?clinic_scope_id=nope", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/cashdesk/sessions/current?clinic_scope_id="+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPost, "/cashdesk/sessions", token, map[string]any{"clinic_scope_id": uuid.New(), "opening_balance": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditQueryValidation(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := tokenFor(t, uuid.New())

	for _, query := range []string{
		"actor_id=nope",
		"critical_only=maybe",
		"from=yesterday",
		"limit=-1",
		"from=2026-03-02T10:00:00Z&to=2026-03-02T09:00:00Z",
		"entity_type=invoice",
	} {
		rec := srv.do(t, http.MethodGet, "/cashdesk/audit?"+query, token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec := srv.do(t, http.MethodGet, "/cashdesk/audit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

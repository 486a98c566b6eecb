package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSessionLookupRepo struct {
	store.Repository
	err error
}

func (r *failingSessionLookupRepo) FindOpenCashSession(context.Context, uuid.UUID) (*domain.CashSession, error) {
	return nil, r.err
}

func paymentBody(t *testing.T, event domain.PaymentEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestPaymentConsumer_BooksIncomeAndExpense(t *testing.T) {
	h := newHarness(t, 0)
	session := h.openWithBalance(t, 1000)
	consumer := NewPaymentConsumer(h.repo, h.sessions)
	recorder := uuid.New()

	ack := consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{
		EventID:       "pay-1",
		ClinicScopeID: session.ClinicScopeID,
		Amount:        2500,
		Method:        "PIX",
		Description:   "consulta",
		RecordedBy:    &recorder,
	}))
	assert.True(t, ack)

	ack = consumer.HandleExpenseRecorded(paymentBody(t, domain.PaymentEvent{
		EventID:       "exp-1",
		ClinicScopeID: session.ClinicScopeID,
		Amount:        300,
	}))
	assert.True(t, ack)

	current, err := h.repo.GetCashSession(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000+2500-300), current.CalculatedBalance)

	transactions, err := h.sessions.ListTransactions(t.Context(), session.ID)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	byRef := map[string]domain.CashTransaction{}
	for _, txn := range transactions {
		byRef[*txn.ExternalRef] = txn
	}
	assert.Equal(t, "PIX: consulta", *byRef["pay-1"].Description)
	assert.Equal(t, recorder, *byRef["pay-1"].RecordedBy)
	assert.Equal(t, int64(-300), byRef["exp-1"].Amount)
	assert.Nil(t, byRef["exp-1"].Description)
}

func TestPaymentConsumer_RedeliveryIsRecordedOnce(t *testing.T) {
	h := newHarness(t, 0)
	session := h.openWithBalance(t, 0)
	consumer := NewPaymentConsumer(h.repo, h.sessions)
	body := paymentBody(t, domain.PaymentEvent{EventID: "pay-7", ClinicScopeID: session.ClinicScopeID, Amount: 900})

	assert.True(t, consumer.HandlePaymentReceived(body))
	assert.True(t, consumer.HandlePaymentReceived(body))

	current, err := h.repo.GetCashSession(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), current.CalculatedBalance)
}

func TestPaymentConsumer_AcknowledgesWhatItCannotBook(t *testing.T) {
	h := newHarness(t, 0)
	consumer := NewPaymentConsumer(h.repo, h.sessions)

	assert.True(t, consumer.HandlePaymentReceived([]byte(`{not json`)), "malformed json")
	assert.True(t, consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{ClinicScopeID: uuid.New(), Amount: 10})), "missing event id")
	assert.True(t, consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{EventID: "pay-1", ClinicScopeID: uuid.New(), Amount: 0})), "zero amount")
	assert.True(t, consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{EventID: "pay-2", ClinicScopeID: uuid.New(), Amount: 10})), "no open session")
}

func TestPaymentConsumer_AcknowledgesAmountOutsideCashRange(t *testing.T) {
	h := newHarness(t, 0)
	session := h.openWithBalance(t, domain.MaxCashAmount-100)
	consumer := NewPaymentConsumer(h.repo, h.sessions)

	assert.True(t, consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{
		EventID:       "pay-too-large",
		ClinicScopeID: session.ClinicScopeID,
		Amount:        domain.MaxCashAmount + 1,
	})))
	assert.True(t, consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{
		EventID:       "pay-overflows-balance",
		ClinicScopeID: session.ClinicScopeID,
		Amount:        101,
	})))

	current, err := h.repo.GetCashSession(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxCashAmount-100, current.CalculatedBalance)
}

func TestPaymentConsumer_RequeuesOnStoreFailure(t *testing.T) {
	h := newHarness(t, 0)
	repo := &failingSessionLookupRepo{Repository: h.repo, err: errors.New("connection reset")}
	consumer := NewPaymentConsumer(repo, h.sessions)

	ack := consumer.HandlePaymentReceived(paymentBody(t, domain.PaymentEvent{EventID: "pay-3", ClinicScopeID: uuid.New(), Amount: 10}))
	assert.False(t, ack)
}

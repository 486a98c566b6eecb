package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
)

// PaymentConsumer turns front-desk payment and expense events into cash transactions
// on the scope's OPEN session. The event id is the transaction's external reference,
// so a redelivered event is recorded once.
type PaymentConsumer struct {
	repo     store.Repository
	sessions *CashSessionService
}

func NewPaymentConsumer(repo store.Repository, sessions *CashSessionService) *PaymentConsumer {
	return &PaymentConsumer{repo: repo, sessions: sessions}
}

func (c *PaymentConsumer) HandlePaymentReceived(body []byte) bool {
	return c.handle(body, domain.CashIncome)
}

func (c *PaymentConsumer) HandleExpenseRecorded(body []byte) bool {
	return c.handle(body, domain.CashExpense)
}

func (c *PaymentConsumer) handle(body []byte, txnType domain.CashTransactionType) bool {
	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" || event.Amount <= 0 {
		log.Printf("level=warn component=payment_consumer msg=\"dropping malformed event\" event_id=%q amount=%d", event.EventID, event.Amount)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, eventID, event, txnType); err != nil {
		log.Printf("level=error component=payment_consumer msg=\"processing failed; requeueing\" event_id=%s err=%v", eventID, err)
		return false
	}
	return true
}

func (c *PaymentConsumer) processEvent(ctx context.Context, eventID string, event domain.PaymentEvent, txnType domain.CashTransactionType) error {
	session, err := c.repo.FindOpenCashSession(ctx, event.ClinicScopeID)
	if err != nil {
		if errors.Is(err, store.ErrCashSessionNotFound) {
			log.Printf("level=warn component=payment_consumer msg=\"no open cash session; acknowledging\" event_id=%s clinic_scope_id=%s", eventID, event.ClinicScopeID)
			return nil
		}
		return err
	}

	description := strings.TrimSpace(event.Description)
	if method := strings.TrimSpace(event.Method); method != "" {
		if description == "" {
			description = method
		} else {
			description = method + ": " + description
		}
	}

	_, _, err = c.sessions.AppendTransaction(ctx, AppendTransactionRequest{
		SessionID:   session.ID,
		Type:        txnType,
		Amount:      event.Amount,
		Description: &description,
		ExternalRef: &eventID,
		RecordedBy:  event.RecordedBy,
		OccurredAt:  event.OccurredAt,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicateExternalRef):
		log.Printf("level=info component=payment_consumer msg=\"event already recorded\" event_id=%s", eventID)
		return nil
	case errors.Is(err, store.ErrCashSessionClosed):
		// The session closed between lookup and append.
		log.Printf("level=warn component=payment_consumer msg=\"cash session closed before append; acknowledging\" event_id=%s session_id=%s", eventID, session.ID)
		return nil
	case errors.Is(err, ErrValidation):
		log.Printf("level=warn component=payment_consumer msg=\"event cannot be booked; acknowledging\" event_id=%s err=%v", eventID, err)
		return nil
	}
	return err
}

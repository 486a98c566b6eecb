package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/app"
	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
)

type openSessionRequest struct {
	ClinicScopeID  uuid.UUID `json:"clinic_scope_id"`
	OpeningBalance int64     `json:"opening_balance"`
}

type appendTransactionRequest struct {
	Type        domain.CashTransactionType `json:"type"`
	Amount      int64                      `json:"amount"`
	Description *string                    `json:"description,omitempty"`
	ExternalRef *string                    `json:"external_ref,omitempty"`
	OccurredAt  *time.Time                 `json:"occurred_at,omitempty"`
}

type appendTransactionResponse struct {
	Transaction *domain.CashTransaction `json:"transaction"`
	Session     domain.CashSessionView  `json:"session"`
}

type closeSessionRequest struct {
	DeclaredCash      int64      `json:"declared_cash"`
	DeclaredCardTotal int64      `json:"declared_card_total"`
	Observations      *string    `json:"observations,omitempty"`
	AuthorizationID   *uuid.UUID `json:"authorization_id,omitempty"`
}

func (h *Handlers) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.sessions.Open(r.Context(), req.ClinicScopeID, actorID, req.OpeningBalance)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handlers) CurrentSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	scopeID, err := uuid.Parse(r.URL.Query().Get("clinic_scope_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic_scope_id")
		return
	}
	view, err := h.sessions.Current(r.Context(), scopeID, revealRequested(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.sessions.View(r.Context(), id, revealRequested(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AppendTransactionHandler records a manual income or expense. The response hides
// the running balance the same way a session read would.
func (h *Handlers) AppendTransactionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req appendTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appendReq := app.AppendTransactionRequest{
		SessionID:   id,
		Type:        req.Type,
		Amount:      req.Amount,
		Description: req.Description,
		ExternalRef: req.ExternalRef,
		RecordedBy:  &actorID,
	}
	if req.OccurredAt != nil {
		appendReq.OccurredAt = *req.OccurredAt
	}
	txn, _, err := h.sessions.AppendTransaction(r.Context(), appendReq)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	view, err := h.sessions.View(r.Context(), id, false)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendTransactionResponse{Transaction: txn, Session: *view})
}

func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	txns, err := h.sessions.ListTransactions(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if txns == nil {
		txns = []domain.CashTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// CloseSessionHandler reconciles and closes. A gap above the threshold answers 428
// with the pending authorization to submit a PIN against.
func (h *Handlers) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req closeSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.sessions.Close(r.Context(), app.CloseRequest{
		SessionID:         id,
		ActorID:           actorID,
		DeclaredCash:      req.DeclaredCash,
		DeclaredCardTotal: req.DeclaredCardTotal,
		Observations:      req.Observations,
		AuthorizationID:   req.AuthorizationID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func revealRequested(r *http.Request) bool {
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal"))
	return reveal
}

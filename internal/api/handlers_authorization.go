package api

import (
	"encoding/json"
	"net/http"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
)

type authorizeRequest struct {
	ActionType        domain.ActionType `json:"action_type"`
	EntityType        domain.EntityType `json:"entity_type"`
	EntityID          string            `json:"entity_id"`
	ThresholdExceeded bool              `json:"threshold_exceeded"`
	Notes             *string           `json:"notes,omitempty"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
}

type submitPINRequest struct {
	PIN        string     `json:"pin"`
	ApproverID *uuid.UUID `json:"approver_id,omitempty"`
}

// AuthorizeHandler asks the gate whether an action may proceed.
func (h *Handlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := h.gate.Authorize(r.Context(), domain.ActionContext{
		ActorID:           actorID,
		ActionType:        req.ActionType,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		ThresholdExceeded: req.ThresholdExceeded,
		Notes:             req.Notes,
		Payload:           req.Payload,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if decision.Kind == domain.DecisionPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, decision)
}

func (h *Handlers) GetAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	pending, err := h.gate.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// SubmitAuthorizationPINHandler submits a PIN against a pending request. The approver
// is the caller unless the body names another staff member present at the desk.
func (h *Handlers) SubmitAuthorizationPINHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req submitPINRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	approverID := actorID
	if req.ApproverID != nil {
		approverID = *req.ApproverID
	}
	result, err := h.gate.SubmitPIN(r.Context(), id, approverID, req.PIN)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(result.Outcome), result)
}

func (h *Handlers) CancelAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cancelled, err := h.gate.Cancel(r.Context(), id, actorID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

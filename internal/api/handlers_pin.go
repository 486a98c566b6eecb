package api

import (
	"net/http"

	"github.com/clinicpro/cashdesk-service/internal/domain"
)

type setPINRequest struct {
	PIN string `json:"pin"`
}

type rotatePINRequest struct {
	CurrentPIN string `json:"current_pin"`
	NewPIN     string `json:"new_pin"`
}

// SetPINHandler stores the caller's PIN.
func (h *Handlers) SetPINHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req setPINRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.pins.SetPIN(r.Context(), actorID, req.PIN); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotatePINHandler replaces the caller's PIN after checking the current one.
func (h *Handlers) RotatePINHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req rotatePINRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.pins.RotatePIN(r.Context(), actorID, req.CurrentPIN, req.NewPIN); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyPINHandler runs a PIN challenge for the caller. The body is always the
// outcome; the status code mirrors it.
func (h *Handlers) VerifyPINHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req setPINRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := h.pins.Validate(r.Context(), actorID, req.PIN)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(outcome), outcome)
}

func (h *Handlers) LockStatusHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	status, err := h.pins.IsLocked(r.Context(), actorID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func outcomeStatus(outcome domain.PINOutcome) int {
	switch outcome.Status {
	case domain.PINDenied:
		return http.StatusUnauthorized
	case domain.PINLocked:
		return http.StatusLocked
	}
	return http.StatusOK
}

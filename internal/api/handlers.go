/**
 * @description
 * HTTP handlers for the cashdesk-service. Handlers parse requests, call the
 * application services, and map the service error taxonomy onto status codes.
 *
 * @dependencies
 * - internal/app: For service logic and typed errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handlers holds the application services the handlers use.
type Handlers struct {
	pins                  *app.PinAuthenticator
	gate                  *app.AuthorizationGate
	sessions              *app.CashSessionService
	audit                 *app.AuditTrail
	limiter               app.RateLimiter
	pinRateLimitPerMinute int
}

func NewHandlers(pins *app.PinAuthenticator, gate *app.AuthorizationGate, sessions *app.CashSessionService, audit *app.AuditTrail, limiter app.RateLimiter, pinRateLimitPerMinute int) *Handlers {
	return &Handlers{
		pins:                  pins,
		gate:                  gate,
		sessions:              sessions,
		audit:                 audit,
		limiter:               limiter,
		pinRateLimitPerMinute: pinRateLimitPerMinute,
	}
}

type errorResponse struct {
	Error             string     `json:"error"`
	Field             string     `json:"field,omitempty"`
	AttemptsRemaining *int       `json:"attempts_remaining,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	PendingID         *uuid.UUID `json:"pending_id,omitempty"`
	Gap               *int64     `json:"gap,omitempty"`
	MaxDifference     *int64     `json:"max_difference,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAppError maps service errors onto status codes. Unknown errors are logged and
// reported as 500 without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *app.ValidationError
		authFail   *app.AuthenticationFailureError
		locked     *app.LockedOutError
		approval   *app.ApprovalRequiredError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Error(), Field: validation.Field})
	case errors.As(err, &authFail):
		remaining := authFail.AttemptsRemaining
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid pin", AttemptsRemaining: &remaining})
	case errors.As(err, &locked):
		until := locked.Until
		writeJSON(w, http.StatusLocked, errorResponse{Error: "pin locked", LockedUntil: &until})
	case errors.As(err, &approval):
		body := errorResponse{Error: "approval required", PendingID: &approval.PendingID}
		if !approval.Blind {
			body.Gap = &approval.Gap
			body.MaxDifference = &approval.MaxDifference
		}
		writeJSON(w, http.StatusPreconditionRequired, body)
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("level=error component=api method=%s path=%s msg=\"request failed\" err=%v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actorID, ok := ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return uuid.Nil, false
	}
	return actorID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

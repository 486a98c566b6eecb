package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/google/uuid"
)

// QueryAuditHandler lists audit entries, newest first.
func (h *Handlers) QueryAuditHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	filter, msg := parseAuditFilter(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseAuditFilter(r *http.Request) (domain.AuditFilter, string) {
	q := r.URL.Query()
	var filter domain.AuditFilter

	if v := strings.TrimSpace(q.Get("entity_type")); v != "" {
		entityType := domain.EntityType(strings.ToUpper(v))
		filter.EntityType = &entityType
	}
	if v := strings.TrimSpace(q.Get("action_type")); v != "" {
		actionType := domain.ActionType(strings.ToUpper(v))
		filter.ActionType = &actionType
	}
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		actorID, err := uuid.Parse(v)
		if err != nil {
			return filter, "invalid actor_id"
		}
		filter.ActorID = &actorID
	}
	if v := strings.TrimSpace(q.Get("critical_only")); v != "" {
		critical, err := strconv.ParseBool(v)
		if err != nil {
			return filter, "invalid critical_only"
		}
		filter.CriticalOnly = critical
	}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "invalid from; expected RFC3339"
		}
		filter.From = &from
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "invalid to; expected RFC3339"
		}
		filter.To = &to
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, "invalid limit"
		}
		filter.Limit = limit
	}
	return filter, ""
}

package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/google/uuid"
)

const (
	defaultAuditQueryLimit = 100
	maxAuditQueryLimit     = 500
)

// AuditTrail is the append-only record of sensitive actions. It exposes no way to
// change or remove an entry once written.
type AuditTrail struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditTrail(repo store.Repository, logger *slog.Logger) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{
		repo:   repo,
		logger: logger.With("component", "audit_trail"),
		now:    time.Now,
	}
}

// Record appends entry, assigning an id and timestamp when absent.
func (t *AuditTrail) Record(ctx context.Context, entry domain.AuditEntry) (*domain.AuditEntry, error) {
	prepared, err := t.prepare(entry)
	if err != nil {
		return nil, err
	}
	if err := t.repo.InsertAuditEntry(ctx, &prepared); err != nil {
		return nil, err
	}
	t.logger.Info("audit entry recorded",
		"entry_id", prepared.ID,
		"action_type", prepared.ActionType,
		"entity_type", prepared.EntityType,
		"entity_id", prepared.EntityID,
		"approval_required", prepared.ApprovalRequired,
	)
	return &prepared, nil
}

// prepare validates and completes an entry without writing it. Callers that persist
// the entry inside a larger transaction use this directly.
func (t *AuditTrail) prepare(entry domain.AuditEntry) (domain.AuditEntry, error) {
	if entry.ActorID == uuid.Nil {
		return entry, invalid("actor_id", "is required")
	}
	if !entry.ActionType.Valid() {
		return entry, invalid("action_type", "is not a known action")
	}
	if !entry.EntityType.Valid() {
		return entry, invalid("entity_type", "is not a known entity")
	}
	if strings.TrimSpace(entry.EntityID) == "" {
		return entry, invalid("entity_id", "is required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now().UTC()
	}
	return entry, nil
}

// Query returns matching entries, newest first.
func (t *AuditTrail) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.EntityType != nil && !filter.EntityType.Valid() {
		return nil, invalid("entity_type", "is not a known entity")
	}
	if filter.ActionType != nil && !filter.ActionType.Valid() {
		return nil, invalid("action_type", "is not a known action")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, invalid("from", "must not be after to")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultAuditQueryLimit
	case filter.Limit > maxAuditQueryLimit:
		filter.Limit = maxAuditQueryLimit
	}
	return t.repo.QueryAuditEntries(ctx, filter)
}

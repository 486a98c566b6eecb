package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicpro/cashdesk-service/internal/store"
	"github.com/clinicpro/cashdesk-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize  = 50
	defaultStaleProcessing  = 2 * time.Minute
	defaultOutboxRunTimeout = 30 * time.Second
)

// PublisherDialer opens a publisher connection. The relay dials lazily and redials
// after a publish error.
type PublisherDialer func() (rabbitmq.Publisher, error)

// OutboxRelay forwards outbox rows written alongside session and audit changes to
// RabbitMQ. Rows are claimed in batches; a failed publish is retried with exponential
// delay.
type OutboxRelay struct {
	repo       store.Repository
	dial       PublisherDialer
	batchSize  int
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    *Metrics

	mu        sync.Mutex
	publisher rabbitmq.Publisher
}

func NewOutboxRelay(repo store.Repository, dial PublisherDialer, logger *slog.Logger, metrics *Metrics) *OutboxRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxRelay{
		repo:       repo,
		dial:       dial,
		batchSize:  defaultOutboxBatchSize,
		staleAfter: defaultStaleProcessing,
		logger:     logger.With("component", "outbox_relay"),
		metrics:    metrics,
	}
}

// Run is the cron entry point.
func (r *OutboxRelay) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOutboxRunTimeout)
	defer cancel()
	if _, err := r.FlushOnce(ctx); err != nil {
		r.logger.Error("outbox flush failed", "error", err)
	}
}

// FlushOnce relays one batch and returns how many rows were published.
func (r *OutboxRelay) FlushOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages, err := r.repo.ClaimOutboxMessages(ctx, r.batchSize, r.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("claim outbox messages: %w", err)
	}

	published := 0
	for _, message := range messages {
		if err := r.publish(ctx, message); err != nil {
			retryAfter := retryDelay(message.Attempts)
			r.logger.Warn("outbox publish failed",
				"outbox_id", message.ID,
				"routing_key", message.RoutingKey,
				"attempts", message.Attempts,
				"retry_after", retryAfter,
				"error", err,
			)
			r.metrics.observeOutbox("failed")
			if markErr := r.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				r.logger.Error("failed to mark outbox message as failed", "outbox_id", message.ID, "error", markErr)
			}
			continue
		}
		if err := r.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			r.logger.Error("failed to mark outbox message as published", "outbox_id", message.ID, "error", err)
			continue
		}
		r.metrics.observeOutbox("published")
		published++
	}
	return published, nil
}

func (r *OutboxRelay) publish(ctx context.Context, message store.OutboxMessage) error {
	if r.publisher == nil {
		publisher, err := r.dial()
		if err != nil {
			return fmt.Errorf("dial publisher: %w", err)
		}
		r.publisher = publisher
	}
	if err := r.publisher.Publish(ctx, message.Exchange, message.RoutingKey, message.Payload); err != nil {
		r.closePublisher()
		return err
	}
	return nil
}

func (r *OutboxRelay) closePublisher() {
	if r.publisher != nil {
		r.publisher.Close()
		r.publisher = nil
	}
}

// Close releases the publisher connection.
func (r *OutboxRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closePublisher()
}

// retryDelay grows as 2^attempt seconds, capped at five minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := time.Duration(1<<min(attempt, 16)) * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}

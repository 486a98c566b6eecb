package store

import (
	"context"
	"time"
	"unicode/utf8"
)

// ClaimOutboxMessages marks up to limit due rows as processing and returns them. Rows
// stuck in processing for longer than staleAfter are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter / time.Second)
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2::int * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			message OutboxMessage
			payload string
		)
		if err := rows.Scan(&message.ID, &message.Exchange, &message.RoutingKey, &payload, &message.Attempts); err != nil {
			return nil, err
		}
		message.Payload = []byte(payload)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter / time.Second)
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	reason = truncateText(reason, maxOutboxErrorBytes)
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2::int * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

const maxOutboxErrorBytes = 2000

// truncateText cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

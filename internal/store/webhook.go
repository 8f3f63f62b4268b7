package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/evmrelay/internal/webhook"
)

// WebhookQueue adapts Store's webhook_event table to webhook.QueueStore, so
// internal/webhook.Dispatcher's production wiring persists its queue of
// events the same way every other durable component does.
type WebhookQueue struct{ store *Store }

func NewWebhookQueue(s *Store) *WebhookQueue { return &WebhookQueue{store: s} }

var _ webhook.QueueStore = (*WebhookQueue)(nil)

func (q *WebhookQueue) Enqueue(ctx context.Context, d *webhook.Delivery) error {
	_, err := q.store.db.ExecContext(ctx, `INSERT INTO webhook_event
		(id, event_type, relayer_id, payload, state, attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, string(d.Event.Type), d.Event.RelayerID, []byte(d.Event.Payload), string(d.State), d.Attempts, d.NextAttemptAt, d.Event.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: enqueue webhook event: %w", err)
	}
	return nil
}

func (q *WebhookQueue) DuePending(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	rows, err := q.store.db.QueryContext(ctx, `SELECT id, event_type, relayer_id, payload, attempts, next_attempt_at, created_at
		FROM webhook_event WHERE state = 'pending' AND next_attempt_at <= $1 ORDER BY created_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: due webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		var eventType string
		var payload []byte
		if err := rows.Scan(&d.ID, &eventType, &d.Event.RelayerID, &payload, &d.Attempts, &d.NextAttemptAt, &d.Event.CreatedAt); err != nil {
			return nil, err
		}
		d.Event.Type = webhook.EventType(eventType)
		d.Event.Payload = payload
		d.State = webhook.StatePending
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (q *WebhookQueue) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return q.setState(ctx, id, webhook.StateDelivered, nil, nil)
}

func (q *WebhookQueue) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time) error {
	return q.setState(ctx, id, webhook.StatePending, &attempts, &nextAttemptAt)
}

func (q *WebhookQueue) MarkDead(ctx context.Context, id uuid.UUID) error {
	return q.setState(ctx, id, webhook.StateDead, nil, nil)
}

func (q *WebhookQueue) setState(ctx context.Context, id uuid.UUID, state webhook.DeliveryState, attempts *int, nextAttemptAt *time.Time) error {
	if attempts != nil {
		_, err := q.store.db.ExecContext(ctx, `UPDATE webhook_event SET state=$1, attempts=$2, next_attempt_at=$3 WHERE id=$4`,
			string(state), *attempts, *nextAttemptAt, id)
		return err
	}
	_, err := q.store.db.ExecContext(ctx, `UPDATE webhook_event SET state=$1 WHERE id=$2`, string(state), id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: mark webhook delivery %s: %w", state, err)
	}
	return nil
}

// Package webhook implements a persistent, at-least-once delivery queue that
// POSTs an HMAC-signed event body to every subscribed endpoint, retrying with
// exponential backoff and jitter up to a per-endpoint cap before marking the
// delivery dead.
//
// Grounded on arcsign's reconnection/retry shape in
// src/chainadapter/ethereum/broadcast.go (which arcsign itself builds on
// github.com/jpillora/backoff), reused here for backoff.Backoff's
// ForAttempt jittered schedule instead of hand-rolled exponential math.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/relayforge/evmrelay/internal/obsmetrics"
)

// EventType is one of the wire tokens a webhook payload's "event" field carries.
type EventType string

const (
	EventTransactionQueued    EventType = "transaction.queued"
	EventTransactionInMempool EventType = "transaction.inmempool"
	EventTransactionMined     EventType = "transaction.mined"
	EventTransactionConfirmed EventType = "transaction.confirmed"
	EventTransactionFailed    EventType = "transaction.failed"
	EventTransactionExpired   EventType = "transaction.expired"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventTransactionReplaced  EventType = "transaction.replaced"
	EventTransactionDropped   EventType = "transaction.dropped"
	EventBalanceLow           EventType = "balance.low"
	EventFunderLow            EventType = "funder.low"
)

// DeliveryState is a delivery's lifecycle stage in the persistent queue.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateDead      DeliveryState = "dead"
)

// Event is the timestamped payload dispatched to every subscribed endpoint.
type Event struct {
	ID        uuid.UUID
	Type      EventType
	RelayerID uuid.UUID
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Delivery is one (event, endpoint) pair's queue row.
type Delivery struct {
	ID            uuid.UUID
	EndpointURL   string
	Event         Event
	Attempts      int
	NextAttemptAt time.Time
	State         DeliveryState
}

// Endpoint is one configured webhook subscriber (internal/config.WebhookEndpointConfig).
type Endpoint struct {
	URL         string
	Secret      string
	Events      map[EventType]bool
	Timeout     time.Duration
	MaxAttempts int
	MaxBackoff  time.Duration
}

func (e Endpoint) subscribed(t EventType) bool {
	if len(e.Events) == 0 {
		return true // no explicit filter means all events
	}
	return e.Events[t]
}

// QueueStore is the persistence surface for queued deliveries. The default
// production wiring backs it with internal/store; tests use an in-memory
// implementation.
type QueueStore interface {
	Enqueue(ctx context.Context, d *Delivery) error
	DuePending(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID) error
}

// Dispatcher drives deliveries from QueueStore to HTTP endpoints.
type Dispatcher struct {
	endpoints []Endpoint
	queue     QueueStore
	client    *http.Client
	metrics   *obsmetrics.Metrics
	logger    *zap.Logger
}

func NewDispatcher(endpoints []Endpoint, queue QueueStore, metrics *obsmetrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		endpoints: endpoints,
		queue:     queue,
		client:    &http.Client{},
		metrics:   metrics,
		logger:    logger,
	}
}

// Emit enqueues one delivery per endpoint subscribed to eventType. Ordering
// across subscriptions is best-effort, not strict.
func (d *Dispatcher) Emit(ctx context.Context, eventType EventType, relayerID uuid.UUID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	event := Event{ID: uuid.New(), Type: eventType, RelayerID: relayerID, Payload: body, CreatedAt: time.Now()}

	for _, ep := range d.endpoints {
		if !ep.subscribed(eventType) {
			continue
		}
		delivery := &Delivery{
			ID:            uuid.New(),
			EndpointURL:   ep.URL,
			Event:         event,
			State:         StatePending,
			NextAttemptAt: time.Now(),
		}
		if err := d.queue.Enqueue(ctx, delivery); err != nil {
			return fmt.Errorf("webhook: enqueue: %w", err)
		}
	}
	return nil
}

// Run polls the queue for due deliveries every tick until ctx is cancelled,
// attempting each against its configured endpoint.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	due, err := d.queue.DuePending(ctx, time.Now(), 64)
	if err != nil {
		d.logger.Error("webhook: list due deliveries failed", zap.Error(err))
		return
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) endpointFor(url string) (Endpoint, bool) {
	for _, ep := range d.endpoints {
		if ep.URL == url {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) {
	ep, ok := d.endpointFor(delivery.EndpointURL)
	if !ok {
		// Endpoint removed from config since this delivery was queued.
		d.queue.MarkDead(ctx, delivery.ID)
		return
	}

	start := time.Now()
	err := d.deliver(ctx, ep, delivery.Event)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(string(delivery.Event.Type), outcome).Inc()
		if err == nil {
			d.metrics.WebhookLatency.Observe(time.Since(start).Seconds())
		}
	}

	if err == nil {
		d.queue.MarkDelivered(ctx, delivery.ID)
		return
	}

	attempts := delivery.Attempts + 1
	maxAttempts := ep.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 12
	}
	maxBackoff := ep.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 24 * time.Hour
	}

	if attempts >= maxAttempts {
		d.logger.Warn("webhook: delivery exhausted retries, marking dead",
			zap.String("endpoint", ep.URL), zap.String("event", string(delivery.Event.Type)), zap.Int("attempts", attempts))
		d.queue.MarkDead(ctx, delivery.ID)
		return
	}

	b := &backoff.Backoff{Min: time.Second, Max: maxBackoff, Factor: 2, Jitter: true}
	wait := b.ForAttempt(float64(attempts))
	if wait > maxBackoff {
		wait = maxBackoff
	}
	d.queue.MarkRetry(ctx, delivery.ID, attempts, time.Now().Add(wait))
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event) error {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := envelope(event)
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Event", string(event.Type))
	req.Header.Set("X-Relay-Signature", sign(ep.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// envelope is the raw JSON body HMAC-signed and POSTed: the event's own
// fields flattened so subscribers don't need to know about Delivery.
func envelope(e Event) []byte {
	out, _ := json.Marshal(struct {
		ID        uuid.UUID       `json:"id"`
		Type      EventType       `json:"event_type"`
		RelayerID uuid.UUID       `json:"relayer_id"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}{ID: e.ID, Type: e.Type, RelayerID: e.RelayerID, Payload: e.Payload, CreatedAt: e.CreatedAt})
	return out
}

// sign computes the hex-encoded HMAC-SHA256 signature over body using the
// endpoint's shared secret, carried in the delivery's signature header.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over body and compares it in constant
// time against header — exposed for endpoint implementers (not used by the
// dispatcher itself) and for tests.
func Verify(secret string, body []byte, header string) bool {
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

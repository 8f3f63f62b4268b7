package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQueue struct {
	mu        sync.Mutex
	deliveries map[uuid.UUID]*Delivery
}

func newMemQueue() *memQueue {
	return &memQueue{deliveries: map[uuid.UUID]*Delivery{}}
}

func (q *memQueue) Enqueue(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries[d.ID] = d
	return nil
}

func (q *memQueue) DuePending(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Delivery
	for _, d := range q.deliveries {
		if d.State == StatePending && !d.NextAttemptAt.After(now) {
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries[id].State = StateDelivered
	return nil
}

func (q *memQueue) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.deliveries[id]
	d.Attempts = attempts
	d.NextAttemptAt = nextAttemptAt
	return nil
}

func (q *memQueue) MarkDead(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries[id].State = StateDead
	return nil
}

func TestEmit_OnlyEnqueuesForSubscribedEndpoints(t *testing.T) {
	queue := newMemQueue()
	endpoints := []Endpoint{
		{URL: "http://a", Events: map[EventType]bool{EventTransactionMined: true}},
		{URL: "http://b", Events: map[EventType]bool{EventBalanceLow: true}},
	}
	d := NewDispatcher(endpoints, queue, nil, nil)

	require.NoError(t, d.Emit(context.Background(), EventTransactionMined, uuid.New(), map[string]string{"hash": "0x1"}))

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Len(t, queue.deliveries, 1)
}

func TestDeliver_SignsBodyAndSucceedsOn2xx(t *testing.T) {
	var gotSig, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Relay-Signature")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newMemQueue()
	secret := "shh"
	endpoints := []Endpoint{{URL: server.URL, Secret: secret}}
	d := NewDispatcher(endpoints, queue, nil, nil)

	require.NoError(t, d.Emit(context.Background(), EventTransactionQueued, uuid.New(), map[string]string{"id": "abc"}))
	d.tick(context.Background())

	queue.mu.Lock()
	var delivered bool
	for _, dd := range queue.deliveries {
		delivered = dd.State == StateDelivered
	}
	queue.mu.Unlock()
	assert.True(t, delivered)
	assert.NotEmpty(t, gotSig)
	assert.True(t, Verify(secret, []byte(gotBody), gotSig))
}

func TestAttempt_RetriesOnFailureThenEventuallyDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	queue := newMemQueue()
	endpoints := []Endpoint{{URL: server.URL, MaxAttempts: 2}}
	d := NewDispatcher(endpoints, queue, nil, nil)

	require.NoError(t, d.Emit(context.Background(), EventTransactionFailed, uuid.New(), map[string]string{}))

	var id uuid.UUID
	queue.mu.Lock()
	for k := range queue.deliveries {
		id = k
	}
	queue.mu.Unlock()

	d.attempt(context.Background(), queue.deliveries[id])
	queue.mu.Lock()
	assert.Equal(t, StatePending, queue.deliveries[id].State)
	assert.Equal(t, 1, queue.deliveries[id].Attempts)
	queue.mu.Unlock()

	d.attempt(context.Background(), queue.deliveries[id])
	queue.mu.Lock()
	assert.Equal(t, StateDead, queue.deliveries[id].State)
	queue.mu.Unlock()
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	sig := sign("secret", []byte(`{"a":1}`))
	assert.False(t, Verify("secret", []byte(`{"a":2}`), sig))
}

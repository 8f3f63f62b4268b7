package rpcclient

import (
	"sync"
	"time"
)

// EndpointHealth is the health snapshot for one RPC endpoint URL.
type EndpointHealth struct {
	Endpoint        string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	AvgLatencyMs    int64
	LastSuccess     int64
	LastFailure     int64
	CircuitOpen     bool
}

// healthTracker is a per-provider-URL circuit breaker, adapted from
// arcsign's rpc.SimpleHealthTracker: it opens a circuit after consecutive
// failures and half-opens it after circuitOpenWindow to probe recovery,
// avoiding hammering a degraded node. Concurrency is bounded separately
// by HTTPClient.sem: one limit (default 32) shared by all of a client's
// endpoint URLs, with no separate limit per URL.
type healthTracker struct {
	mu     sync.RWMutex
	health map[string]*EndpointHealth

	failureThreshold  int
	successThreshold  int
	circuitOpenWindow time.Duration

	now func() time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		health:            make(map[string]*EndpointHealth),
		failureThreshold:  3,
		successThreshold:  2,
		circuitOpenWindow: 30 * time.Second,
		now:               time.Now,
	}
}

func (t *healthTracker) recordSuccess(endpoint string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.SuccessfulCalls++
	h.LastSuccess = t.now().Unix()

	ms := duration.Milliseconds()
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = ms
	} else {
		h.AvgLatencyMs = (h.AvgLatencyMs*9 + ms) / 10
	}

	if h.CircuitOpen {
		consecutiveSuccesses := h.SuccessfulCalls - h.FailedCalls
		if consecutiveSuccesses >= int64(t.successThreshold) {
			h.CircuitOpen = false
		}
	}
}

func (t *healthTracker) recordFailure(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.FailedCalls++
	h.LastFailure = t.now().Unix()

	consecutiveFailures := h.FailedCalls - h.SuccessfulCalls
	if consecutiveFailures >= int64(t.failureThreshold) {
		h.CircuitOpen = true
	}
}

func (t *healthTracker) isHealthy(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.health[endpoint]
	if !ok {
		return true
	}
	if h.CircuitOpen {
		if t.now().Unix()-h.LastFailure < int64(t.circuitOpenWindow.Seconds()) {
			return false
		}
	}
	return true
}

func (t *healthTracker) getOrCreate(endpoint string) *EndpointHealth {
	h, ok := t.health[endpoint]
	if !ok {
		h = &EndpointHealth{Endpoint: endpoint}
		t.health[endpoint] = h
	}
	return h
}

// Snapshot returns a copy of recorded health for endpoint, for diagnostics.
func (t *healthTracker) Snapshot(endpoint string) EndpointHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.health[endpoint]; ok {
		return *h
	}
	return EndpointHealth{Endpoint: endpoint}
}

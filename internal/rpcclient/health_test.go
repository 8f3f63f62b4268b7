package rpcclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_OpensCircuitAfterThreshold(t *testing.T) {
	h := newHealthTracker()
	endpoint := "https://node.example/rpc"

	assert.True(t, h.isHealthy(endpoint), "unknown endpoint starts healthy")

	for i := 0; i < h.failureThreshold; i++ {
		h.recordFailure(endpoint)
	}

	assert.False(t, h.isHealthy(endpoint))
}

func TestHealthTracker_ClosesCircuitAfterWindow(t *testing.T) {
	h := newHealthTracker()
	h.circuitOpenWindow = time.Minute
	endpoint := "https://node.example/rpc"

	now := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return now }

	for i := 0; i < h.failureThreshold; i++ {
		h.recordFailure(endpoint)
	}
	assert.False(t, h.isHealthy(endpoint))

	now = now.Add(2 * time.Minute)
	assert.True(t, h.isHealthy(endpoint), "circuit should half-open once the window elapses")
}

func TestHealthTracker_RecoversAfterConsecutiveSuccesses(t *testing.T) {
	h := newHealthTracker()
	endpoint := "https://node.example/rpc"

	for i := 0; i < h.failureThreshold; i++ {
		h.recordFailure(endpoint)
	}
	snapBefore := h.Snapshot(endpoint)
	assert.True(t, snapBefore.CircuitOpen)

	for i := 0; i < h.successThreshold; i++ {
		h.recordSuccess(endpoint, 10*time.Millisecond)
	}

	snap := h.Snapshot(endpoint)
	assert.False(t, snap.CircuitOpen)
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

func descriptors() map[string]model.RateLimitDescriptor {
	return map[string]model.RateLimitDescriptor{
		"transactions.submit": {Scope: "transactions.submit", MaxRequests: 2, Window: time.Minute},
	}
}

func TestAllow_AdmitsUpToMaxRequestsThenRejects(t *testing.T) {
	l := NewLimiter(descriptors())
	scope := Scope{APIKey: "key-1", EndpointClass: "transactions.submit"}

	require.NoError(t, l.Allow(scope))
	require.NoError(t, l.Allow(scope))

	err := l.Allow(scope)
	require.Error(t, err)
	var relayerErr *relayerr.RelayerError
	require.ErrorAs(t, err, &relayerErr)
	assert.Equal(t, relayerr.KindRateLimited, relayerErr.Kind)
	require.NotNil(t, relayerErr.RetryAfter)
}

func TestAllow_UnconfiguredEndpointClassIsUnlimited(t *testing.T) {
	l := NewLimiter(descriptors())
	scope := Scope{APIKey: "key-1", EndpointClass: "sign.personal"}

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(scope))
	}
}

func TestAllow_DifferentAPIKeysHaveIndependentWindows(t *testing.T) {
	l := NewLimiter(descriptors())
	scopeA := Scope{APIKey: "key-a", EndpointClass: "transactions.submit"}
	scopeB := Scope{APIKey: "key-b", EndpointClass: "transactions.submit"}

	require.NoError(t, l.Allow(scopeA))
	require.NoError(t, l.Allow(scopeA))
	require.Error(t, l.Allow(scopeA))

	// key-b's window is untouched by key-a's exhaustion.
	require.NoError(t, l.Allow(scopeB))
}

func TestAllow_ClientKeyAddsASubLimitOnTopOfTheAPIKeyLimit(t *testing.T) {
	descs := map[string]model.RateLimitDescriptor{
		"transactions.submit": {Scope: "transactions.submit", MaxRequests: 5, Window: time.Minute},
	}
	l := NewLimiter(descs)
	scope := Scope{APIKey: "key-1", EndpointClass: "transactions.submit", ClientKey: "client-42"}

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(scope))
	}
	// Both windows (API key, and API key plus client key) now hold 5 hits;
	// the sixth call is rejected by the API-key window, which Allow checks
	// first.
	require.Error(t, l.Allow(scope))
}

func TestRemaining_DecrementsAsRequestsAreAdmitted(t *testing.T) {
	l := NewLimiter(descriptors())
	scope := Scope{APIKey: "key-1", EndpointClass: "transactions.submit"}

	assert.Equal(t, 2, l.Remaining(scope))
	require.NoError(t, l.Allow(scope))
	assert.Equal(t, 1, l.Remaining(scope))
}

func TestReset_ClearsAllWindowsForAnAPIKey(t *testing.T) {
	l := NewLimiter(descriptors())
	scope := Scope{APIKey: "key-1", EndpointClass: "transactions.submit"}

	require.NoError(t, l.Allow(scope))
	require.NoError(t, l.Allow(scope))
	require.Error(t, l.Allow(scope))

	l.Reset("key-1")
	require.NoError(t, l.Allow(scope))
}

// Package ratelimit implements a sliding-window admission limiter: per
// (api_key, endpoint_class) caps from configuration, plus an optional
// client-supplied rate-limit key enforcing a per-key-per-client sub-limit.
//
// Directly grounded on
// internal/services/ratelimit.RateLimiter.AllowAttempt: same
// sliding-window-by-timestamp-slice technique, same
// lock-scan-prune-append shape, generalized from a single walletID key
// to a composite (api_key, endpoint_class[, client_key]) key and
// extended with a retry-after hint arcsign's version didn't need.
package ratelimit

import (
	"sync"
	"time"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Scope identifies one sliding window: an API key against one endpoint
// class (e.g. "transactions.submit", "sign.personal"), optionally
// narrowed further by a client-supplied key.
type Scope struct {
	APIKey        string
	EndpointClass string
	ClientKey     string // empty when the caller supplied none
}

// window is one scope's attempt timestamps, newest appended last.
type window struct {
	mu    sync.Mutex
	hits  []time.Time
}

// Limiter is a sliding-window limiter over an arbitrary number of scopes,
// each with its own independent window state.
type Limiter struct {
	descriptors map[string]model.RateLimitDescriptor // keyed by endpoint class

	mu      sync.Mutex // guards the windows map itself
	windows map[Scope]*window
}

// NewLimiter builds a Limiter from the per-endpoint-class caps configured
// for one API key scope.
func NewLimiter(descriptors map[string]model.RateLimitDescriptor) *Limiter {
	return &Limiter{
		descriptors: descriptors,
		windows:     make(map[Scope]*window),
	}
}

func (l *Limiter) windowFor(scope Scope) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[scope]
	if !ok {
		w = &window{}
		l.windows[scope] = w
	}
	return w
}

// Allow admits or rejects a request for scope, applying both the
// (api_key, endpoint_class) cap and, when scope.ClientKey is set, the
// same cap again as a per-client sub-limit. Returns a RelayerError of
// KindRateLimited (with RetryAfter set) on rejection.
func (l *Limiter) Allow(scope Scope) error {
	descriptor, ok := l.descriptors[scope.EndpointClass]
	if !ok {
		return nil // no configured limit for this endpoint class
	}

	if err := l.allowWindow(Scope{APIKey: scope.APIKey, EndpointClass: scope.EndpointClass}, descriptor); err != nil {
		return err
	}
	if scope.ClientKey != "" {
		if err := l.allowWindow(scope, descriptor); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) allowWindow(scope Scope, descriptor model.RateLimitDescriptor) error {
	w := l.windowFor(scope)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	valid := w.hits[:0]
	for _, hit := range w.hits {
		if now.Sub(hit) < descriptor.Window {
			valid = append(valid, hit)
		}
	}
	w.hits = valid

	if len(w.hits) >= descriptor.MaxRequests {
		retryAfter := descriptor.Window - now.Sub(w.hits[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		err := relayerr.New(relayerr.KindRateLimited, "ERR_RATE_LIMITED", "rate limit exceeded for "+scope.EndpointClass, nil)
		err.RetryAfter = &retryAfter
		return err
	}

	w.hits = append(w.hits, now)
	return nil
}

// Remaining reports how many requests scope has left in its current
// window, for observability and tests.
func (l *Limiter) Remaining(scope Scope) int {
	descriptor, ok := l.descriptors[scope.EndpointClass]
	if !ok {
		return -1
	}
	w := l.windowFor(Scope{APIKey: scope.APIKey, EndpointClass: scope.EndpointClass})
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	count := 0
	for _, hit := range w.hits {
		if now.Sub(hit) < descriptor.Window {
			count++
		}
	}
	remaining := descriptor.MaxRequests - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears all window state for one API key, used after a key's
// limits are reconfigured.
func (l *Limiter) Reset(apiKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for scope := range l.windows {
		if scope.APIKey == apiKey {
			delete(l.windows, scope)
		}
	}
}

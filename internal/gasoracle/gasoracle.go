// Package gasoracle implements a per-chain gas-price oracle stack: an
// ordered list of providers tried in declared order with a per-provider
// timeout, a short per-chain TTL cache over the winning result, and
// cap-clipping against a relayer's max_gas_price_cap.
//
// Grounded on arcsign's src/chainadapter/ethereum/fee.go
// (FeeEstimator.Estimate/fallbackEstimate: base-fee-plus-priority-fee
// EIP-1559 estimation with a conservative fallback when RPC is
// unavailable), generalized from one fixed estimator into a fallback
// chain of pluggable Provider implementations.
package gasoracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/obsmetrics"
	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Quote is the fee parameters for one speed tier. Exactly one of
// {MaxFee+MaxPriorityFee, GasPrice} should be populated, mirroring
// model.Transaction's own EIP-1559-vs-legacy split.
type Quote struct {
	MaxFee         *big.Int // EIP-1559 max fee per gas, nil for legacy chains
	MaxPriorityFee *big.Int // EIP-1559 priority fee, nil for legacy chains
	GasPrice       *big.Int // legacy gas price, nil for EIP-1559 chains
	BlobBaseFee    *big.Int // optional, 4844-capable chains only
}

// Clone returns a deep-enough copy safe to mutate (Clip does so in place).
func (q Quote) Clone() Quote {
	clone := Quote{}
	if q.MaxFee != nil {
		clone.MaxFee = new(big.Int).Set(q.MaxFee)
	}
	if q.MaxPriorityFee != nil {
		clone.MaxPriorityFee = new(big.Int).Set(q.MaxPriorityFee)
	}
	if q.GasPrice != nil {
		clone.GasPrice = new(big.Int).Set(q.GasPrice)
	}
	if q.BlobBaseFee != nil {
		clone.BlobBaseFee = new(big.Int).Set(q.BlobBaseFee)
	}
	return clone
}

// Clip enforces a relayer's max_gas_price_cap: the selected max_fee (or
// legacy gas_price) is clipped to cap; if clipping would leave max_fee <
// max_priority_fee, the priority fee is reduced to match.
func (q Quote) Clip(cap *big.Int) Quote {
	if cap == nil {
		return q
	}
	clipped := q.Clone()
	if clipped.GasPrice != nil && clipped.GasPrice.Cmp(cap) > 0 {
		clipped.GasPrice = new(big.Int).Set(cap)
	}
	if clipped.MaxFee != nil && clipped.MaxFee.Cmp(cap) > 0 {
		clipped.MaxFee = new(big.Int).Set(cap)
		if clipped.MaxPriorityFee != nil && clipped.MaxPriorityFee.Cmp(clipped.MaxFee) > 0 {
			clipped.MaxPriorityFee = new(big.Int).Set(clipped.MaxFee)
		}
	}
	return clipped
}

// SpeedQuotes carries one Quote per symbolic fee tier.
type SpeedQuotes map[model.Speed]Quote

// Provider is one gas-price source. Implementations live in subpackages
// (nativeoracle, blocknative, infuraoracle, tenderlyoracle,
// etherscanoracle, customendpoint, syntheticfallback).
type Provider interface {
	Name() string
	Estimate(ctx context.Context, chainID uint64) (SpeedQuotes, error)
}

type cacheEntry struct {
	quotes    SpeedQuotes
	expiresAt time.Time
}

// Stack is the ordered, cached, per-chain fallback chain. The last
// provider in Providers is expected to always succeed (the synthetic
// fallback); Stack does not special-case it, it simply never has anything
// left to fall back to if it also fails.
type Stack struct {
	Providers       []Provider
	ProviderTimeout time.Duration // default 2s
	TTL             time.Duration // default one block time, floor 1s

	metrics *obsmetrics.Metrics

	mu    sync.Mutex
	cache map[uint64]cacheEntry
}

// Option configures a Stack at construction.
type Option func(*Stack)

// WithMetrics wires GasOracleErrors counters into the stack.
func WithMetrics(m *obsmetrics.Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

// NewStack builds a Stack over providers, tried in the given order.
func NewStack(providers []Provider, ttl time.Duration, opts ...Option) *Stack {
	if ttl < time.Second {
		ttl = time.Second
	}
	s := &Stack{
		Providers:       providers,
		ProviderTimeout: 2 * time.Second,
		TTL:             ttl,
		cache:           make(map[uint64]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Estimate returns the cached or freshly-resolved SpeedQuotes for chainID,
// trying each provider in order until one succeeds.
func (s *Stack) Estimate(ctx context.Context, chainID uint64) (SpeedQuotes, error) {
	if cached, ok := s.cached(chainID); ok {
		return cached, nil
	}

	if len(s.Providers) == 0 {
		return nil, relayerr.ProviderFatal("ERR_GASORACLE_NO_PROVIDERS", "no gas oracle providers configured", nil)
	}

	var lastErr error
	for _, p := range s.Providers {
		quotes, err := s.tryProvider(ctx, p, chainID)
		if err != nil {
			lastErr = err
			if s.metrics != nil {
				s.metrics.GasOracleErrors.WithLabelValues(p.Name()).Inc()
			}
			continue
		}
		s.store(chainID, quotes)
		return quotes, nil
	}
	return nil, relayerr.ProviderTransient("ERR_GASORACLE_ALL_FAILED", "every gas oracle provider failed", lastErr)
}

func (s *Stack) tryProvider(ctx context.Context, p Provider, chainID uint64) (SpeedQuotes, error) {
	timeout := s.ProviderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Estimate(pctx, chainID)
}

func (s *Stack) cached(chainID uint64) (SpeedQuotes, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[chainID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.quotes, true
}

func (s *Stack) store(chainID uint64, quotes SpeedQuotes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[chainID] = cacheEntry{quotes: quotes, expiresAt: time.Now().Add(s.TTL)}
}

// ForRelayer resolves quotes for chainID and clips the requested speed's
// tier to cap (a relayer's MaxGasPriceCap, nil meaning uncapped).
func (s *Stack) ForRelayer(ctx context.Context, chainID uint64, speed model.Speed, cap *big.Int) (Quote, error) {
	quotes, err := s.Estimate(ctx, chainID)
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[speed]
	if !ok {
		return Quote{}, relayerr.ProviderFatal("ERR_GASORACLE_SPEED", "gas oracle did not return a quote for the requested speed", nil)
	}
	return q.Clip(cap), nil
}

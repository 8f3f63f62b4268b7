// Package syntheticfallback implements the gas-oracle provider that sits
// at the end of every relayer's provider chain: a no-network, hardcoded
// conservative quote table that must always succeed so the gas oracle
// stack never returns an error outright.
//
// Directly grounded on src/chainadapter/ethereum/fee.go's
// FeeEstimator.fallbackEstimate, generalized from arcsign's three
// FeeSpeed tiers to four (SLOW/MEDIUM/FAST/SUPER) and restructured to
// return every tier from one Estimate call.
package syntheticfallback

import (
	"context"
	"math/big"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
)

type rate struct {
	baseFeeGwei     int64
	priorityFeeGwei int64
}

// rates mirrors arcsign's conservative fallback table, with a SUPER
// tier added above FAST.
var rates = map[model.Speed]rate{
	model.SpeedSlow:   {baseFeeGwei: 20, priorityFeeGwei: 1},
	model.SpeedMedium: {baseFeeGwei: 30, priorityFeeGwei: 2},
	model.SpeedFast:   {baseFeeGwei: 50, priorityFeeGwei: 3},
	model.SpeedSuper:  {baseFeeGwei: 80, priorityFeeGwei: 5},
}

// Provider is the synthetic, network-free gas-oracle implementation.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "synthetic_fallback" }

// Estimate never fails: it returns the fixed conservative table regardless
// of chainID or ctx state, the same unconditional behavior arcsign's
// fallbackEstimate provides when every RPC call has already failed.
func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	out := make(gasoracle.SpeedQuotes, len(rates))
	for speed, r := range rates {
		baseFee := new(big.Int).Mul(big.NewInt(r.baseFeeGwei), big.NewInt(1e9))
		priorityFee := new(big.Int).Mul(big.NewInt(r.priorityFeeGwei), big.NewInt(1e9))
		maxFee := new(big.Int).Add(baseFee, priorityFee)
		out[speed] = gasoracle.Quote{
			MaxFee:         maxFee,
			MaxPriorityFee: priorityFee,
			GasPrice:       maxFee,
		}
	}
	return out, nil
}

var _ gasoracle.Provider = (*Provider)(nil)

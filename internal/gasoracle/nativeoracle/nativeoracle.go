// Package nativeoracle implements the network-native
// eth_gasPrice/eth_feeHistory-derived gas oracle provider: fee quotes
// computed directly from the chain's own RPC surface rather than a
// third-party gas API.
//
// Directly grounded on src/chainadapter/ethereum/fee.go's
// FeeEstimator.Estimate: base fee from the latest block, priority fee
// from eth_feeHistory, per-speed multipliers, generalized from arcsign's
// three-tier FeeSpeed into four tiers (SLOW/MEDIUM/FAST/SUPER) and
// restructured to return all four in one call instead of one estimate per
// request.
package nativeoracle

import (
	"context"
	"math/big"

	"github.com/relayforge/evmrelay/internal/gasoracle"
	"github.com/relayforge/evmrelay/internal/model"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/rpcclient"
)

// tier mirrors arcsign's per-speed multiplier table, extended with a
// fourth (SUPER) tier above FAST.
type tier struct {
	baseMultiplier     int64
	priorityMultiplier int64
}

var tiers = map[model.Speed]tier{
	model.SpeedSlow:   {baseMultiplier: 1, priorityMultiplier: 1},
	model.SpeedMedium: {baseMultiplier: 2, priorityMultiplier: 2},
	model.SpeedFast:   {baseMultiplier: 3, priorityMultiplier: 3},
	model.SpeedSuper:  {baseMultiplier: 4, priorityMultiplier: 4},
}

// Provider is the native gas-oracle implementation.
type Provider struct {
	client *rpcclient.EVMClient
}

// New wraps an EVM RPC client already configured for the target chain.
func New(client *rpcclient.EVMClient) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Name() string { return "native" }

// Estimate reads the latest base fee and recent fee-history priority fees,
// then derives all four speed tiers from them the way arcsign's
// FeeEstimator does for a single tier.
func (p *Provider) Estimate(ctx context.Context, chainID uint64) (gasoracle.SpeedQuotes, error) {
	if chainID == 0 {
		return nil, relayerr.Validation("ERR_GASORACLE_CHAIN", "native gas oracle requires a non-zero chain_id")
	}

	baseFee, err := p.client.BaseFee(ctx)
	if err != nil {
		return nil, err
	}

	priorityFee := big.NewInt(2e9) // 2 Gwei default, matches arcsign's fallback
	history, err := p.client.FeeHistory(ctx, 10, []float64{50})
	if err == nil && len(history.Reward) > 0 && len(history.Reward[0]) > 0 {
		priorityFee = medianReward(history.Reward)
	}

	out := make(gasoracle.SpeedQuotes, len(tiers))
	for speed, t := range tiers {
		maxPriority := new(big.Int).Mul(priorityFee, big.NewInt(t.priorityMultiplier))
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(t.baseMultiplier))
		maxFee.Add(maxFee, maxPriority)
		out[speed] = gasoracle.Quote{MaxFee: maxFee, MaxPriorityFee: maxPriority}
	}
	return out, nil
}

// medianReward averages the requested-percentile reward across the
// sampled blocks, the same "last N blocks" smoothing arcsign's
// GetFeeHistory callers rely on.
func medianReward(rows [][]*big.Int) *big.Int {
	sum := new(big.Int)
	count := 0
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		sum.Add(sum, row[0])
		count++
	}
	if count == 0 {
		return big.NewInt(2e9)
	}
	return sum.Div(sum, big.NewInt(int64(count)))
}

var _ gasoracle.Provider = (*Provider)(nil)

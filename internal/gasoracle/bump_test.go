package gasoracle

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9)) }

func TestBump_EIP1559_AppliesMinimum12Point5Percent(t *testing.T) {
	old := Quote{MaxFee: gwei(100), MaxPriorityFee: gwei(2)}
	oracle := Quote{MaxFee: gwei(50), MaxPriorityFee: gwei(1)} // oracle lower than the bump floor

	bumped := Bump(old, oracle, gwei(40), nil)

	// priority: 2 gwei * 1.125 = 2.25 gwei, above the oracle's 1 gwei;
	// max fee: 100 gwei * 1.125 = 112.5 gwei, above 2*40 + 2.25 = 82.25 gwei.
	assert.True(t, bumped.MaxPriorityFee.Cmp(old.MaxPriorityFee) > 0)
	assert.True(t, bumped.MaxFee.Cmp(old.MaxFee) > 0)
}

func TestBump_EIP1559_UsesOracleWhenHigherThanBumpFloor(t *testing.T) {
	old := Quote{MaxFee: gwei(100), MaxPriorityFee: gwei(2)}
	oracle := Quote{MaxFee: gwei(500), MaxPriorityFee: gwei(50)}

	bumped := Bump(old, oracle, gwei(40), nil)
	assert.Equal(t, oracle.MaxPriorityFee, bumped.MaxPriorityFee)
}

func TestBump_Legacy_AppliesMinimumIncrease(t *testing.T) {
	old := Quote{GasPrice: gwei(100)}
	oracle := Quote{GasPrice: gwei(50)}

	bumped := Bump(old, oracle, nil, nil)
	assert.True(t, bumped.GasPrice.Cmp(old.GasPrice) > 0)
}

func TestBump_ClipsToCapAndReducesPriority(t *testing.T) {
	old := Quote{MaxFee: gwei(100), MaxPriorityFee: gwei(90)}
	oracle := Quote{MaxFee: gwei(50), MaxPriorityFee: gwei(1)}
	cap := gwei(105)

	bumped := Bump(old, oracle, gwei(10), cap)
	assert.True(t, bumped.MaxFee.Cmp(cap) <= 0)
	assert.True(t, bumped.MaxPriorityFee.Cmp(bumped.MaxFee) <= 0)
}

func TestBumpBlocked_DetectsCapSuppressingIncrease(t *testing.T) {
	old := Quote{GasPrice: gwei(100)}
	bumped := Quote{GasPrice: gwei(100)} // cap clipped it back down to the old value
	assert.True(t, BumpBlocked(old, bumped))

	bumpedOK := Quote{GasPrice: gwei(113)}
	assert.False(t, BumpBlocked(old, bumpedOK))
}

func TestQuote_ClipReducesPriorityWhenMaxFeeClipped(t *testing.T) {
	q := Quote{MaxFee: gwei(200), MaxPriorityFee: gwei(150)}
	clipped := q.Clip(gwei(100))
	assert.Equal(t, gwei(100), clipped.MaxFee)
	assert.Equal(t, gwei(100), clipped.MaxPriorityFee)
}

func TestQuote_ClipNoOpWhenUnderCap(t *testing.T) {
	q := Quote{MaxFee: gwei(50), MaxPriorityFee: gwei(2)}
	clipped := q.Clip(gwei(100))
	assert.Equal(t, gwei(50), clipped.MaxFee)
	assert.Equal(t, gwei(2), clipped.MaxPriorityFee)
}

func TestQuote_ClipNilCapIsNoOp(t *testing.T) {
	q := Quote{MaxFee: gwei(50)}
	clipped := q.Clip(nil)
	assert.Equal(t, gwei(50), clipped.MaxFee)
}

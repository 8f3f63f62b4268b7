package gasoracle

import "math/big"

// bumpNumerator/bumpDenominator implement the required 12.5% (1/8) minimum
// fee increase between rebroadcasts: ceil(old * 1.125).
const bumpNumerator = 9
const bumpDenominator = 8

func ceilMulDiv(v *big.Int, num, den int64) *big.Int {
	n := new(big.Int).Mul(v, big.NewInt(num))
	d := big.NewInt(den)
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// max2 returns the larger of a and b.
func max2(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Bump computes the next fee parameters for a rebroadcast:
//
//	EIP-1559: new_priority = max(ceil(old*1.125), oracle.priority_fee)
//	          new_max_fee  = max(ceil(old*1.125), oracle.base_fee*2 + new_priority)
//	Legacy:   new_gas_price = max(ceil(old*1.125), oracle.gas_price)
//
// oracle is the freshly-resolved quote for the same speed tier; cap (nil
// meaning uncapped) is applied last via Quote.Clip.
func Bump(old Quote, oracle Quote, baseFee *big.Int, cap *big.Int) Quote {
	if old.GasPrice != nil {
		bumped := ceilMulDiv(old.GasPrice, bumpNumerator, bumpDenominator)
		next := bumped
		if oracle.GasPrice != nil {
			next = max2(bumped, oracle.GasPrice)
		}
		return Quote{GasPrice: next}.Clip(cap)
	}

	bumpedPriority := ceilMulDiv(old.MaxPriorityFee, bumpNumerator, bumpDenominator)
	newPriority := bumpedPriority
	if oracle.MaxPriorityFee != nil {
		newPriority = max2(bumpedPriority, oracle.MaxPriorityFee)
	}

	bumpedMaxFee := ceilMulDiv(old.MaxFee, bumpNumerator, bumpDenominator)
	floorFromBaseFee := bumpedMaxFee
	if baseFee != nil {
		floorFromBaseFee = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), newPriority)
	}
	newMaxFee := max2(bumpedMaxFee, floorFromBaseFee)

	return Quote{MaxFee: newMaxFee, MaxPriorityFee: newPriority}.Clip(cap)
}

// BumpBlocked reports whether applying cap to the bumped quote would
// suppress the required 12.5% increase. If the cap prevents the increase,
// the bump is skipped rather than failed.
func BumpBlocked(old, bumped Quote) bool {
	if old.GasPrice != nil {
		return bumped.GasPrice.Cmp(ceilMulDiv(old.GasPrice, bumpNumerator, bumpDenominator)) < 0
	}
	return bumped.MaxFee.Cmp(ceilMulDiv(old.MaxFee, bumpNumerator, bumpDenominator)) < 0
}

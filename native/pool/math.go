package pool

import "math/big"

var (
	// rateScale is the fixed-point scale for rates and protocol fractions.
	rateScale = mustBigInt("1000000000000000000000000000000") // 1e30
	// ratioScale is the fixed-point scale for collateral ratios.
	ratioScale = mustBigInt("10000000000000000000000000000") // 1e28
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDivFloor computes a*b/denom with flooring division, multiplying before
// dividing to avoid precision loss. Rounding error always favours the
// protocol.
func mulDivFloor(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// mulDivCeil computes a*b/denom rounded up. Used where rounding down would
// leave an invariant a hair short of its threshold.
func mulDivCeil(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(num, denom, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// fractionOf applies a 1e30-scaled fraction to an amount, flooring.
func fractionOf(amount, fraction *big.Int) *big.Int {
	return mulDivFloor(amount, fraction, rateScale)
}

package fpmath

import (
	"math/big"
	"sync"
)

// Protocol constants. Collateral quantities, debt and USD values are all
// 18-decimal fixed point; feed answers arrive in 8-decimal fixed point and
// are scaled up by AdditionalFeedPrecision before use.
var (
	Precision               = exp10(18)
	AdditionalFeedPrecision = exp10(10)

	// MinHealthFactor is 1.0 in 18-decimal fixed point.
	MinHealthFactor = exp10(18)

	// MaxHealthFactor is the sentinel returned for accounts with zero debt.
	MaxHealthFactor = maxUint256()
)

const (
	// LiquidationThreshold halves effective collateral credit: an account
	// may borrow against at most 50% of its raw collateral value.
	LiquidationThreshold = 50
	LiquidationPrecision = 100

	// LiquidationBonus is the liquidator incentive, in percent of the
	// seized base quantity.
	LiquidationBonus = 10
)

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func maxUint256() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 256)
	return v.Sub(v, big.NewInt(1))
}

// Intermediate products reach ~1e46 (quantity x price x scale), well past
// int64. Scratch values are pooled.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv returns a*b/den rounded toward zero. All protocol divisions round
// down so that conversions never credit value that does not exist.
func MulDiv(a, b, den *big.Int) *big.Int {
	prod := getBig()
	prod.Mul(a, b)

	result := new(big.Int).Quo(prod, den)

	putBig(prod)
	return result
}

// MulFrac returns v*num/den rounded toward zero, for percent-style
// fractions expressed as int64 (e.g. the liquidation threshold 50/100).
func MulFrac(v *big.Int, num, den int64) *big.Int {
	return MulDiv(v, big.NewInt(num), big.NewInt(den))
}

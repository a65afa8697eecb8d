package fixedpoint

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs. All vault-facing amounts are 6-decimal units.
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USD
	UsdConfig   = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USD
	RateConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // micro-fraction (100 = 1bp)
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // [0,1] imbalance ratio
)

// RateScale is the scale shared by spread, commission, funding-multiplier
// and security-multiplier parameters: 1_000_000 == 100%.
const RateScale = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()
	rem := remainder.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding on the absolute remainder
		absRem := rem
		if absRem < 0 {
			absRem = -absRem
		}
		absDenom := denominator
		if absDenom < 0 {
			absDenom = -absDenom
		}
		half := absDenom / 2
		roundAway := absRem > half || (absRem == half && absDenom%2 == 0 && result%2 != 0)
		if roundAway {
			if (rem < 0) != (denominator < 0) {
				result--
			} else {
				result++
			}
		}
	case RoundDown:
		// Truncation already happened via QuoRem
	case RoundUp:
		if rem != 0 {
			if (rem < 0) != (denominator < 0) {
				result--
			} else {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDiv computes a*b/denominator through an int128 intermediate with
// banker's rounding. The workhorse for every scale conversion.
func MulDiv(a, b, denominator int64) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, RoundHalfEven)
	putInt128(num)
	return result
}

// MulDiv3 computes a*b*c/denominator through an int128 intermediate.
func MulDiv3(a, b, c, denominator int64) int64 {
	num := MultiplyInt128(a, b)
	num.Mul(num, big.NewInt(c))
	result := DivideInt128(num, denominator, RoundHalfEven)
	putInt128(num)
	return result
}

// ApplyRate scales an amount by a RateScale fraction.
func ApplyRate(amount, rate int64) int64 {
	return MulDiv(amount, rate, RateScale)
}

// ComputeVwap returns the volume-weighted average price for a side given
// its accumulated value sum (lots x price) and lot count.
func ComputeVwap(valueSum, lots int64) int64 {
	if lots == 0 {
		return 0
	}
	num := big.NewInt(valueSum)
	return DivideInt128(num, lots, RoundHalfEven)
}

// ComputeSignedPnl calculates trader PnL in 6-dec USD for a price move.
// sideSign is +1 for long, -1 for short. ratioNum/ratioDen convert raw
// lots into notional units.
func ComputeSignedPnl(sideSign, exitPrice, entryPrice, lots, ratioNum, ratioDen int64) int64 {
	priceDiff := exitPrice - entryPrice
	num := MultiplyInt128(sideSign*priceDiff, lots)
	num.Mul(num, big.NewInt(ratioNum))
	result := DivideInt128(num, ratioDen, RoundHalfEven)
	putInt128(num)
	return result
}

// ComputeNotional converts lots at price into 6-dec USD using the asset
// lot ratio. Prices are 6-dec, lots are raw counts, so the product is
// already in USD units.
func ComputeNotional(lots, price, ratioNum, ratioDen int64) int64 {
	num := MultiplyInt128(lots, price)
	num.Mul(num, big.NewInt(ratioNum))
	result := DivideInt128(num, ratioDen, RoundHalfEven)
	putInt128(num)
	return result
}

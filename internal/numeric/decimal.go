// Package numeric provides the decimal arithmetic primitives for the
// accounting core: clamped subtraction, lot rounding, weighted blends,
// the borrowing-rate curve, and proportional size allocation.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every amount is normalized to a single internal precision regardless of
// a token's native decimal count; conversion to native decimals happens
// only at the transfer boundary.
package numeric

import (
	"github.com/shopspring/decimal"
)

// InternalPrecision is the number of decimal places amounts are normalized to.
const InternalPrecision int32 = 18

// expPrecision is the decimal precision used for the exp Taylor expansion.
// The borrowing curve needs ~18 significant digits; 24 leaves headroom
// against accumulated truncation across the series terms.
const expPrecision int32 = 24

var (
	// One is decimal 1.
	One = decimal.NewFromInt(1)

	// SecondsPerYear is the accrual denominator (365 days).
	SecondsPerYear = decimal.NewFromInt(365 * 86400)
)

// Exp computes e^x with expPrecision decimal places.
func Exp(x decimal.Decimal) decimal.Decimal {
	// ExpTaylor only errors on negative precision.
	r, _ := x.ExpTaylor(expPrecision)
	return r
}

// SubClamped returns max(0, a−b). The accounting engine never lets a
// balance underflow; shortfalls are reported, not stored.
func SubClamped(a, b decimal.Decimal) decimal.Decimal {
	r := a.Sub(b)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ClampFloor returns max(0, a).
func ClampFloor(a decimal.Decimal) decimal.Decimal {
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// RoundToLot rounds size down to a whole multiple of lot.
// A zero or negative lot leaves size untouched.
func RoundToLot(size, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return size
	}
	return size.Div(lot).Floor().Mul(lot)
}

// WeightedBlend returns the size-weighted mean of oldValue (weight oldSize)
// and addValue (weight addSize). Used for both entry prices and entry
// borrowing marks: only the incremental allocation is priced at the new
// value.
func WeightedBlend(oldSize, oldValue, addSize, addValue decimal.Decimal) decimal.Decimal {
	total := oldSize.Add(addSize)
	if !total.IsPositive() {
		return decimal.Zero
	}
	if oldSize.IsZero() {
		return addValue
	}
	num := oldSize.Mul(oldValue).Add(addSize.Mul(addValue))
	return num.Div(total)
}

// WithinTolerance reports whether |a−b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

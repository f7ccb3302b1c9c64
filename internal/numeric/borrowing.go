package numeric

import (
	"github.com/shopspring/decimal"
)

// BorrowingCurve parameterizes the utilization-dependent annualized
// borrowing rate for one pool:
//
//	apy = baseApy + exp(K*u − B)
//
// where u = reservedValue / poolAumUsd.
type BorrowingCurve struct {
	BaseApy decimal.Decimal
	K       decimal.Decimal
	B       decimal.Decimal
}

// Apy returns the instantaneous annualized borrowing rate at utilization u.
func (c BorrowingCurve) Apy(u decimal.Decimal) decimal.Decimal {
	return c.BaseApy.Add(Exp(c.K.Mul(u).Sub(c.B)))
}

// Utilization returns reservedUsd / aumUsd, zero when the pool holds no
// assets (an empty pool charges only the base rate).
func Utilization(reservedUsd, aumUsd decimal.Decimal) decimal.Decimal {
	if !aumUsd.IsPositive() {
		return decimal.Zero
	}
	return reservedUsd.Div(aumUsd)
}

// Accrual returns the cumulative-borrowing-per-USD increment for a rate
// held over elapsedSeconds: apy * elapsed / secondsPerYear.
func Accrual(apy decimal.Decimal, elapsedSeconds int64) decimal.Decimal {
	if elapsedSeconds <= 0 {
		return decimal.Zero
	}
	return apy.Mul(decimal.NewFromInt(elapsedSeconds)).Div(SecondsPerYear)
}

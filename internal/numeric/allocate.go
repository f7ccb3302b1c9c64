package numeric

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoCapacity is returned when allocation is requested against a pool set
// with zero aggregate residual capacity.
var ErrNoCapacity = errors.New("numeric: no residual capacity in pool set")

// Allocate splits requested size across pools proportional to each pool's
// residual capacity. Shares are rounded down to the lot size and the
// rounding remainder is assigned to the pool with the largest residual
// capacity (first such index on ties) — deterministic, no randomness.
//
// A pool with zero capacity (draining pools are passed as zero by the
// caller) receives zero. The returned slice always sums to requested.
func Allocate(requested decimal.Decimal, capacities []decimal.Decimal, lot decimal.Decimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(capacities))
	for i := range out {
		out[i] = decimal.Zero
	}

	total := decimal.Zero
	largest := -1
	for i, c := range capacities {
		if c.IsPositive() {
			total = total.Add(c)
			if largest < 0 || c.GreaterThan(capacities[largest]) {
				largest = i
			}
		}
	}
	if largest < 0 {
		return nil, ErrNoCapacity
	}

	assigned := decimal.Zero
	for i, c := range capacities {
		if !c.IsPositive() {
			continue
		}
		share := RoundToLot(requested.Mul(c).Div(total), lot)
		out[i] = share
		assigned = assigned.Add(share)
	}

	// Remainder (requested − Σ rounded shares) goes to the deepest pool.
	remainder := requested.Sub(assigned)
	if remainder.IsPositive() {
		out[largest] = out[largest].Add(remainder)
	}

	return out, nil
}

// SplitProportional divides amount across weights in proportion, assigning
// the final share by subtraction so the parts always sum to amount exactly.
// Used for close-size distribution across legs (proportional to size, the
// inverse of capacity-based opening).
func SplitProportional(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		for i := range out {
			out[i] = decimal.Zero
		}
		return out
	}

	remaining := amount
	lastPositive := -1
	for i, w := range weights {
		if w.IsPositive() {
			lastPositive = i
		}
	}
	for i, w := range weights {
		if !w.IsPositive() {
			out[i] = decimal.Zero
			continue
		}
		if i == lastPositive {
			out[i] = remaining
		} else {
			share := amount.Mul(w).Div(total)
			// Never take more than the leg itself carries.
			share = Min(share, w)
			out[i] = share
			remaining = remaining.Sub(share)
		}
	}
	return out
}

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
)

// OpenRequest increases a position by Size, allocated across the market's
// backing pools.
type OpenRequest struct {
	AccountID string
	MarketID  string
	Size      decimal.Decimal
}

// Open allocates the requested size across backing pools proportional to
// residual capacity, blends entry prices on the pool and account sides,
// charges the position fee and enforces the initial margin requirement.
func (e *Engine) Open(req OpenRequest, prices *oracle.PriceSet, now time.Time) (*OpenResult, error) {
	m := e.markets.Get(req.MarketID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, req.MarketID)
	}
	if err := m.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEssentialConfigNotSet, err)
	}
	if !req.Size.IsPositive() {
		return nil, ErrZeroAmount
	}
	mark, err := e.markFor(m, prices)
	if err != nil {
		return nil, err
	}
	for _, poolID := range m.BackingPools {
		p := e.pools[poolID]
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		if _, err := p.AdlFor(req.MarketID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEssentialConfigNotSet, err)
		}
	}

	g := e.begin(req.AccountID, m.BackingPools...)

	// Accrue borrowing to now, then measure each pool's residual capacity
	// in size units.
	type poolView struct {
		p      *pool.Pool
		aumUsd decimal.Decimal
	}
	views := make([]poolView, len(m.BackingPools))
	capacities := make([]decimal.Decimal, len(m.BackingPools))
	for i, poolID := range m.BackingPools {
		p := e.pools[poolID]
		p.EnsureMarket(req.MarketID, m.IsLong, now)
		marks, err := e.marksFor(p, prices)
		if err != nil {
			return nil, g.rollback(err)
		}
		aum, err := p.AumUsd(prices, marks)
		if err != nil {
			return nil, g.rollback(err)
		}
		p.Touch(req.MarketID, aum, mark, now)
		views[i] = poolView{p: p, aumUsd: aum}

		if p.Config.IsDraining {
			capacities[i] = decimal.Zero
			continue
		}
		adl, _ := p.AdlFor(req.MarketID)
		residualUsd := numeric.SubClamped(p.Config.LiquidityCapUsd, p.TotalReservedUsd(marks))
		unit := mark.Mul(adl.ReserveRate)
		if !unit.IsPositive() {
			capacities[i] = decimal.Zero
			continue
		}
		capacities[i] = residualUsd.Div(unit)
	}

	allocs, err := numeric.Allocate(req.Size, capacities, m.Config.LotSize)
	if err != nil {
		if errors.Is(err, numeric.ErrNoCapacity) {
			return nil, g.rollback(fmt.Errorf("%w: no residual capacity for %s", ErrMarketFull, req.MarketID))
		}
		return nil, g.rollback(err)
	}

	acct := e.accounts.GetOrCreate(req.AccountID)
	pos := acct.EnsurePosition(req.MarketID)
	fills := make([]LegFill, 0, len(allocs))
	for i, alloc := range allocs {
		if !alloc.IsPositive() {
			continue
		}
		p := views[i].p
		ms := p.Market(req.MarketID)
		leg := pos.EnsureLeg(p.ID)
		leg.EntryBorrowingPerUsd = numeric.WeightedBlend(leg.Size, leg.EntryBorrowingPerUsd, alloc, ms.CumulatedBorrowingPerUsd)
		leg.EntryPrice = numeric.WeightedBlend(leg.Size, leg.EntryPrice, alloc, mark)
		leg.Size = leg.Size.Add(alloc)
		p.IncreaseExposure(req.MarketID, m.IsLong, alloc, mark, now)

		adl, _ := p.AdlFor(req.MarketID)
		reserved := p.ReservedUsd(req.MarketID, mark)
		if reserved.GreaterThan(adl.ReserveRate.Mul(views[i].aumUsd)) {
			return nil, g.rollback(fmt.Errorf("%w: pool %s reserve %s exceeds %s of aum %s",
				ErrMarketFull, p.ID, reserved, adl.ReserveRate, views[i].aumUsd))
		}
		fills = append(fills, LegFill{
			PoolID:      p.ID,
			Size:        alloc,
			EntryPrice:  mark,
			ReservedUsd: reserved,
		})
	}

	if m.Config.OpenInterestCapUsd.IsPositive() {
		oi := decimal.Zero
		for _, v := range views {
			if ms := v.p.Market(req.MarketID); ms != nil {
				oi = oi.Add(ms.TotalSize.Mul(mark))
			}
		}
		if oi.GreaterThan(m.Config.OpenInterestCapUsd) {
			return nil, g.rollback(fmt.Errorf("%w: open interest %s exceeds cap %s",
				ErrMarketFull, oi, m.Config.OpenInterestCapUsd))
		}
	}

	var movements []Movement
	feeUsd := m.Config.PositionFeeRate.Mul(req.Size).Mul(mark)
	if feeUsd.IsPositive() {
		paid, shortfall := chargeCollateralUsd(acct, e.strategy, prices, feeUsd)
		if shortfall.GreaterThan(e.cfg.DustThreshold) {
			return nil, g.rollback(fmt.Errorf("%w: position fee %s uncovered by %s",
				ErrInsufficientCollateralUsd, feeUsd, shortfall))
		}
		for _, ta := range paid {
			e.fees.RouteFee(MovePositionFee, ta.Token, ta.Amount)
			movements = append(movements, Movement{
				Kind: MovePositionFee, Token: ta.Token, Amount: ta.Amount,
				Debit: accountParty(req.AccountID), Credit: feeParty,
			})
		}
	}

	sum, err := e.margin(acct, prices)
	if err != nil {
		return nil, g.rollback(err)
	}
	if !sum.InitialSafe() {
		return nil, g.rollback(fmt.Errorf("%w: balance %s below initial margin %s",
			ErrUnsafePositionAccount, sum.Balance(), sum.InitialUsd))
	}

	e.log.Debug().Str("account", req.AccountID).Str("market", req.MarketID).
		Stringer("size", req.Size).Stringer("mark", mark).Int("fills", len(fills)).
		Msg("position opened")
	return &OpenResult{
		AccountID:      req.AccountID,
		MarketID:       req.MarketID,
		Size:           req.Size,
		MarkPrice:      mark,
		PositionFeeUsd: feeUsd,
		Fills:          fills,
		Movements:      movements,
	}, nil
}

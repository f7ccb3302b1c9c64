package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
)

// ReallocateRequest moves Size of a leg from one backing pool to another
// within the same market.
type ReallocateRequest struct {
	AccountID string
	MarketID  string
	FromPool  string
	ToPool    string
	Size      decimal.Decimal
}

// Reallocate realizes the moved size's unrealized PnL between the two
// pools: fromPool pays toPool (mark − oldEntry) × size in settlement
// tokens, and toPool inherits the exposure priced at the live mark. The
// trader's leg keeps its cost basis, so aggregate margin is unchanged
// except for the borrowing fee settled on the moved size.
func (e *Engine) Reallocate(req ReallocateRequest, prices *oracle.PriceSet, now time.Time) (*ReallocateResult, error) {
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
	if !backedBy(m.BackingPools, req.FromPool) || !backedBy(m.BackingPools, req.ToPool) || req.FromPool == req.ToPool {
		return nil, fmt.Errorf("%w: %s does not route %s to %s", ErrPoolNotFound, req.MarketID, req.FromPool, req.ToPool)
	}
	acct := e.accounts.Get(req.AccountID)
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}
	pos := acct.Position(req.MarketID)
	var fromLeg *account.PoolLeg
	if pos != nil {
		fromLeg = pos.Leg(req.FromPool)
	}
	if fromLeg == nil || fromLeg.Size.LessThan(req.Size) {
		return nil, fmt.Errorf("%w: %s backed by %s", ErrInvalidCloseSize, req.MarketID, req.FromPool)
	}
	mark, err := e.markFor(m, prices)
	if err != nil {
		return nil, err
	}
	token := m.Config.SettlementToken
	settlePrice, err := prices.Price(token)
	if err != nil {
		return nil, err
	}

	from := e.pools[req.FromPool]
	to := e.pools[req.ToPool]
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, req.FromPool, req.ToPool)
	}

	// touchBackingPools accrues on every backing pool, so the guard must
	// cover the full set for the rejection path to roll back cleanly.
	g := e.begin(req.AccountID, m.BackingPools...)
	to.EnsureMarket(req.MarketID, m.IsLong, now)
	if err := e.touchBackingPools(m, prices, now); err != nil {
		return nil, g.rollback(err)
	}

	var movements []Movement

	// Borrowing fee on the moved size only. The remaining size keeps its
	// marker for its own next touch.
	fromState := from.Market(req.MarketID)
	feeUsd := numeric.ClampFloor(
		fromState.CumulatedBorrowingPerUsd.Sub(fromLeg.EntryBorrowingPerUsd).Mul(req.Size).Mul(mark))
	if feeUsd.IsPositive() {
		paid, shortfall := chargeCollateralUsd(acct, e.strategy, prices, feeUsd)
		if shortfall.GreaterThan(e.cfg.DustThreshold) {
			return nil, g.rollback(fmt.Errorf("%w: borrowing fee %s uncovered by %s",
				ErrInsufficientCollateralUsd, feeUsd, shortfall))
		}
		for _, ta := range paid {
			e.fees.RouteFee(MoveBorrowingFee, ta.Token, ta.Amount)
			movements = append(movements, Movement{
				Kind: MoveBorrowingFee, Token: ta.Token, Amount: ta.Amount,
				Debit: accountParty(req.AccountID), Credit: feeParty,
			})
		}
	}

	// Realize the moved size's PnL pool-to-pool at the live mark.
	transferUsd := legPnlUsd(m, &account.PoolLeg{Size: req.Size, EntryPrice: fromLeg.EntryPrice}, mark)
	residueUsd := decimal.Zero
	payer, payee := from, to
	amountUsd := transferUsd
	if transferUsd.IsNegative() {
		payer, payee = to, from
		amountUsd = transferUsd.Neg()
	}
	if amountUsd.IsPositive() {
		want := amountUsd.Div(settlePrice)
		applied := payer.Debit(token, want)
		residueUsd = want.Sub(applied).Mul(settlePrice)
		if applied.IsPositive() {
			payee.Credit(token, applied)
			movements = append(movements, Movement{
				Kind: MoveReallocation, Token: token, Amount: applied,
				Debit: poolParty(payer.ID), Credit: poolParty(payee.ID),
			})
		}
	}

	// Pool side: fromPool sheds the exposure, toPool inherits it priced
	// at mark. Account side: the trader's basis moves unchanged so the
	// margin picture is preserved.
	from.ReduceExposure(req.MarketID, req.Size)
	to.InheritExposure(req.MarketID, m.IsLong, req.Size, mark, now)

	toLeg := pos.EnsureLeg(req.ToPool)
	toState := to.Market(req.MarketID)
	toLeg.EntryBorrowingPerUsd = numeric.WeightedBlend(toLeg.Size, toLeg.EntryBorrowingPerUsd, req.Size, toState.CumulatedBorrowingPerUsd)
	toLeg.EntryPrice = numeric.WeightedBlend(toLeg.Size, toLeg.EntryPrice, req.Size, fromLeg.EntryPrice)
	toLeg.Size = toLeg.Size.Add(req.Size)
	fromLeg.Size = numeric.SubClamped(fromLeg.Size, req.Size)
	if fromLeg.Size.Mul(mark).LessThanOrEqual(e.cfg.DustThreshold) {
		account.ZeroLeg(fromLeg)
	}
	acct.Compact()

	e.log.Debug().Str("account", req.AccountID).Str("market", req.MarketID).
		Str("from", req.FromPool).Str("to", req.ToPool).
		Stringer("size", req.Size).Stringer("transfer_usd", transferUsd).
		Msg("position reallocated")
	return &ReallocateResult{
		AccountID:       req.AccountID,
		MarketID:        req.MarketID,
		FromPool:        req.FromPool,
		ToPool:          req.ToPool,
		Size:            req.Size,
		TransferUsd:     transferUsd,
		ResidueUsd:      residueUsd,
		BorrowingFeeUsd: feeUsd,
		Movements:       movements,
	}, nil
}

func backedBy(pools []string, id string) bool {
	for _, p := range pools {
		if p == id {
			return true
		}
	}
	return false
}

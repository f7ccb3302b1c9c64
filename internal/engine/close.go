package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/market"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
)

// CloseRequest reduces a position by Size, split across legs proportional
// to their current sizes. The withdraw flags are post-settlement
// disbursement conveniences, not accounting steps.
type CloseRequest struct {
	AccountID          string
	MarketID           string
	Size               decimal.Decimal
	WithdrawProfit     bool
	WithdrawAllIfEmpty bool
	SwapTo             string
}

// Close realizes PnL against each leg's backing pool, settles accrued
// borrowing, charges the position fee and shrinks the legs.
func (e *Engine) Close(req CloseRequest, prices *oracle.PriceSet, now time.Time) (*CloseResult, error) {
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
	acct := e.accounts.Get(req.AccountID)
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}
	pos := acct.Position(req.MarketID)
	if pos == nil || pos.TotalSize().LessThan(req.Size) {
		return nil, fmt.Errorf("%w: market %s", ErrInvalidCloseSize, req.MarketID)
	}
	mark, err := e.markFor(m, prices)
	if err != nil {
		return nil, err
	}
	settlePrice, err := prices.Price(m.Config.SettlementToken)
	if err != nil {
		return nil, err
	}

	g := e.begin(req.AccountID, m.BackingPools...)
	if err := e.touchBackingPools(m, prices, now); err != nil {
		return nil, g.rollback(err)
	}

	sizes := make([]decimal.Decimal, len(pos.Legs))
	for i, leg := range pos.Legs {
		sizes[i] = leg.Size
	}
	parts := numeric.SplitProportional(req.Size, sizes)

	var (
		settlements []LegSettlement
		movements   []Movement
		profitToken decimal.Decimal // settlement tokens credited this close
	)
	for i, leg := range pos.Legs {
		if !parts[i].IsPositive() {
			continue
		}
		st, mv := e.settleLegClose(acct, m, leg, parts[i], mark, settlePrice, nil, prices)
		settlements = append(settlements, st)
		movements = append(movements, mv...)
		if st.PnlUsd.IsPositive() {
			profitToken = profitToken.Add(st.PnlUsd.Sub(st.PnlShortfallUsd).Div(settlePrice))
		}
	}
	acct.Compact()

	withdrawn, mv := e.disburse(acct, m, req, profitToken, prices)
	movements = append(movements, mv...)
	e.accounts.Sweep()

	e.log.Debug().Str("account", req.AccountID).Str("market", req.MarketID).
		Stringer("size", req.Size).Stringer("mark", mark).Msg("position closed")
	return &CloseResult{
		AccountID:   req.AccountID,
		MarketID:    req.MarketID,
		Size:        req.Size,
		MarkPrice:   mark,
		Settlements: settlements,
		Withdrawn:   withdrawn,
		Movements:   movements,
	}, nil
}

// settleLegClose realizes part of one leg against its backing pool.
// pnlCapUsd, when non-nil, bounds positive realized PnL (the ADL cap).
// Shortfalls are clipped and reported, never raised as errors.
func (e *Engine) settleLegClose(acct *account.Account, m *market.Market, leg *account.PoolLeg, part, mark, settlePrice decimal.Decimal, pnlCapUsd *decimal.Decimal, prices *oracle.PriceSet) (LegSettlement, []Movement) {
	p := e.pools[leg.PoolID]
	token := m.Config.SettlementToken
	st := LegSettlement{PoolID: leg.PoolID, ClosedSize: part}
	var movements []Movement

	pnlUsd := legPnlUsd(m, &account.PoolLeg{Size: part, EntryPrice: leg.EntryPrice}, mark)
	if pnlCapUsd != nil && pnlUsd.GreaterThan(*pnlCapUsd) {
		pnlUsd = *pnlCapUsd
	}
	st.PnlUsd = pnlUsd
	switch {
	case pnlUsd.IsPositive():
		want := pnlUsd.Div(settlePrice)
		applied := p.Debit(token, want)
		st.PnlShortfallUsd = want.Sub(applied).Mul(settlePrice)
		if applied.IsPositive() {
			acct.CreditCollateral(token, applied)
			movements = append(movements, Movement{
				Kind: MovePnlToAccount, Token: token, Amount: applied,
				Debit: poolParty(p.ID), Credit: accountParty(acct.ID),
			})
		}
	case pnlUsd.IsNegative():
		paid, shortfall := chargeCollateralUsd(acct, e.strategy, prices, pnlUsd.Neg())
		st.PnlShortfallUsd = shortfall
		for _, ta := range paid {
			p.Credit(ta.Token, ta.Amount)
			movements = append(movements, Movement{
				Kind: MovePnlToPool, Token: ta.Token, Amount: ta.Amount,
				Debit: accountParty(acct.ID), Credit: poolParty(p.ID),
			})
		}
	}

	// Borrowing settles for the whole leg, then the marker resets.
	feeUsd := e.legBorrowingFeeUsd(leg, m.ID, mark)
	st.BorrowingFeeUsd = feeUsd
	if feeUsd.IsPositive() {
		paid, _ := chargeCollateralUsd(acct, e.strategy, prices, feeUsd)
		for _, ta := range paid {
			e.fees.RouteFee(MoveBorrowingFee, ta.Token, ta.Amount)
			movements = append(movements, Movement{
				Kind: MoveBorrowingFee, Token: ta.Token, Amount: ta.Amount,
				Debit: accountParty(acct.ID), Credit: feeParty,
			})
		}
	}
	if ms := p.Market(m.ID); ms != nil {
		leg.EntryBorrowingPerUsd = ms.CumulatedBorrowingPerUsd
	}

	posFeeUsd := m.Config.PositionFeeRate.Mul(part).Mul(mark)
	st.PositionFeeUsd = posFeeUsd
	if posFeeUsd.IsPositive() {
		paid, _ := chargeCollateralUsd(acct, e.strategy, prices, posFeeUsd)
		for _, ta := range paid {
			e.fees.RouteFee(MovePositionFee, ta.Token, ta.Amount)
			movements = append(movements, Movement{
				Kind: MovePositionFee, Token: ta.Token, Amount: ta.Amount,
				Debit: accountParty(acct.ID), Credit: feeParty,
			})
		}
	}

	leg.Size = numeric.SubClamped(leg.Size, part)
	p.ReduceExposure(m.ID, part)
	if leg.Size.Mul(mark).LessThanOrEqual(e.cfg.DustThreshold) {
		account.ZeroLeg(leg)
	}
	return st, movements
}

// disburse applies the optional withdraw flags after a close has settled.
// Disbursement never makes an account unsafe: a payout that would breach
// initial margin is skipped, not partially applied.
func (e *Engine) disburse(acct *account.Account, m *market.Market, req CloseRequest, profitToken decimal.Decimal, prices *oracle.PriceSet) ([]TokenAmount, []Movement) {
	if acct == nil {
		return nil, nil
	}
	var (
		withdrawn []TokenAmount
		movements []Movement
	)
	token := m.Config.SettlementToken
	if req.WithdrawProfit && profitToken.IsPositive() {
		amount := numeric.Min(profitToken, acct.Collateral(token))
		if amount.IsPositive() {
			applied := acct.DebitCollateral(token, amount)
			if sum, err := e.margin(acct, prices); err != nil || !sum.InitialSafe() {
				acct.CreditCollateral(token, applied)
			} else if paid, err := e.payOut(accountParty(acct.ID), token, applied, req.SwapTo); err == nil {
				withdrawn = append(withdrawn, paid...)
				movements = append(movements, Movement{
					Kind: MoveWithdraw, Token: token, Amount: applied,
					Debit: accountParty(acct.ID), Credit: externalParty,
				})
			} else {
				acct.CreditCollateral(token, applied)
				e.log.Warn().Err(err).Msg("profit disbursement failed, collateral retained")
			}
		}
	}
	if req.WithdrawAllIfEmpty && len(acct.MarketIDs()) == 0 {
		for _, t := range acct.CollateralTokens() {
			amount := acct.Collateral(t)
			acct.DebitCollateral(t, amount)
			if paid, err := e.payOut(accountParty(acct.ID), t, amount, req.SwapTo); err == nil {
				withdrawn = append(withdrawn, paid...)
				movements = append(movements, Movement{
					Kind: MoveWithdraw, Token: t, Amount: amount,
					Debit: accountParty(acct.ID), Credit: externalParty,
				})
			} else {
				acct.CreditCollateral(t, amount)
				e.log.Warn().Err(err).Msg("final disbursement failed, collateral retained")
			}
		}
	}
	return withdrawn, movements
}
